package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string `env:"RESEARCHROOM_CONFIG"`
	RemoteURL    string `env:"RESEARCHROOM_REMOTE_URL"`
	APIKey       string `env:"RESEARCHROOM_API_KEY"`
	AssistantKey string `env:"RESEARCHROOM_ASSISTANT_KEY"`
	DataDir      string `env:"RESEARCHROOM_DATA_DIR"`
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() (EnvOverrides, error) {
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return EnvOverrides{}, fmt.Errorf("reading environment: %w", err)
	}

	return o, nil
}
