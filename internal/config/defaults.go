package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultMode             = ModeLocal
	defaultPollInterval     = "1s"
	defaultMaxInFlight      = 4
	defaultAssistantBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	defaultAssistantModel   = "gemini-2.0-flash"
	defaultAssistantRPM     = 15
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultDatabaseName     = "researchroom.db"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		BackendConfig: BackendConfig{
			Mode: defaultMode,
		},
		SyncConfig: SyncConfig{
			PollInterval: defaultPollInterval,
			Websocket:    true,
			MaxInFlight:  defaultMaxInFlight,
		},
		AssistantConfig: AssistantConfig{
			AssistantBaseURL: defaultAssistantBaseURL,
			AssistantModel:   defaultAssistantModel,
			AssistantRPM:     defaultAssistantRPM,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
