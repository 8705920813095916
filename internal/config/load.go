package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the effective configuration after every override layer has
// been applied. Durations are parsed and paths are absolute.
type Resolved struct {
	ConfigPath string

	Mode        string
	RemoteURL   string
	RealtimeURL string
	APIKey      string
	Database    string
	DataDir     string

	PollInterval time.Duration
	Websocket    bool
	MaxInFlight  int

	AssistantBaseURL string
	AssistantModel   string
	AssistantAPIKey  string
	AssistantRPM     int

	LogLevel  string
	LogFormat string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.RemoteURL != "" {
		cfg.RemoteURL = env.RemoteURL
	}

	if env.APIKey != "" {
		cfg.APIKey = env.APIKey
	}

	if env.AssistantKey != "" {
		cfg.AssistantAPIKey = env.AssistantKey
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Mode != nil {
		cfg.Mode = *cli.Mode
	}

	if cli.Database != nil {
		cfg.Database = *cli.Database
	}

	if cli.Websocket != nil {
		cfg.Websocket = *cli.Websocket
	}

	// CLI and env values bypassed Load's validation.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved := buildResolved(cfg, cfgPath)

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

func buildResolved(cfg *Config, cfgPath string) *Resolved {
	dataDir := expandTilde(cfg.DataDir)
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	database := expandTilde(cfg.Database)
	if database == "" && dataDir != "" {
		database = filepath.Join(dataDir, defaultDatabaseName)
	}

	// Validate has already checked the format.
	poll, _ := time.ParseDuration(cfg.PollInterval)

	return &Resolved{
		ConfigPath:       cfgPath,
		Mode:             strings.ToLower(cfg.Mode),
		RemoteURL:        strings.TrimRight(cfg.RemoteURL, "/"),
		RealtimeURL:      cfg.RealtimeURL,
		APIKey:           cfg.APIKey,
		Database:         database,
		DataDir:          dataDir,
		PollInterval:     poll,
		Websocket:        cfg.Websocket,
		MaxInFlight:      cfg.MaxInFlight,
		AssistantBaseURL: cfg.AssistantBaseURL,
		AssistantModel:   cfg.AssistantModel,
		AssistantAPIKey:  cfg.AssistantAPIKey,
		AssistantRPM:     cfg.AssistantRPM,
		LogLevel:         strings.ToLower(cfg.LogLevel),
		LogFormat:        strings.ToLower(cfg.LogFormat),
	}
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
