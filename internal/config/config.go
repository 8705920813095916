// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for researchroom. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags).
package config

// Backend modes.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat; the embedded sections only group related fields.
type Config struct {
	BackendConfig
	SyncConfig
	AssistantConfig
	LoggingConfig
}

// BackendConfig selects where rooms live: a hosted row service reached over
// HTTP and websocket, or a SQLite file shared by processes on this machine.
type BackendConfig struct {
	Mode        string `toml:"mode"`
	RemoteURL   string `toml:"remote_url"`
	RealtimeURL string `toml:"realtime_url"`
	APIKey      string `toml:"api_key"`
	Database    string `toml:"database"`
	DataDir     string `toml:"data_dir"`
}

// SyncConfig controls how live views are kept current.
type SyncConfig struct {
	PollInterval string `toml:"poll_interval"`
	Websocket    bool   `toml:"websocket"`
	MaxInFlight  int    `toml:"max_in_flight"`
}

// AssistantConfig points at an OpenAI-compatible chat completions endpoint.
type AssistantConfig struct {
	AssistantBaseURL string `toml:"assistant_base_url"`
	AssistantModel   string `toml:"assistant_model"`
	AssistantAPIKey  string `toml:"assistant_api_key"`
	AssistantRPM     int    `toml:"assistant_rpm"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Mode       *string // --mode flag
	Database   *string // --database flag
	Websocket  *bool   // --websocket flag
}
