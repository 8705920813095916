package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = 10 * time.Minute
	minMaxInFlight  = 1
	maxMaxInFlight  = 16
	minAssistantRPM = 1
	maxAssistantRPM = 10_000
)

var (
	validModes      = map[string]bool{ModeRemote: true, ModeLocal: true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.BackendConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateAssistant(&cfg.AssistantConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints that only make sense on
// the final merged result.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.Mode == ModeRemote {
		if r.RemoteURL == "" {
			errs = append(errs, errors.New("remote_url: required when mode is \"remote\""))
		}

		if r.APIKey == "" {
			errs = append(errs, errors.New("api_key: required when mode is \"remote\""))
		}
	}

	if r.Mode == ModeLocal {
		if r.Database == "" {
			errs = append(errs, errors.New("database: cannot determine a default path, set it explicitly"))
		} else if !filepath.IsAbs(r.Database) {
			errs = append(errs, fmt.Errorf("database: must be absolute after expansion, got %q", r.Database))
		}
	}

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error

	if !validModes[strings.ToLower(b.Mode)] {
		errs = append(errs, fmt.Errorf("mode: must be %q or %q, got %q", ModeRemote, ModeLocal, b.Mode))
	}

	if b.RemoteURL != "" {
		if err := validateURL(b.RemoteURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("remote_url: %w", err))
		}
	}

	if b.RealtimeURL != "" {
		if err := validateURL(b.RealtimeURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("realtime_url: %w", err))
		}
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if err := validateDuration(s.PollInterval, minPollInterval, maxPollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval: %w", err))
	}

	if s.MaxInFlight < minMaxInFlight || s.MaxInFlight > maxMaxInFlight {
		errs = append(errs, fmt.Errorf("max_in_flight: must be between %d and %d, got %d",
			minMaxInFlight, maxMaxInFlight, s.MaxInFlight))
	}

	return errs
}

func validateAssistant(a *AssistantConfig) []error {
	var errs []error

	if err := validateURL(a.AssistantBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("assistant_base_url: %w", err))
	}

	if strings.TrimSpace(a.AssistantModel) == "" {
		errs = append(errs, errors.New("assistant_model: must not be empty"))
	}

	if a.AssistantRPM < minAssistantRPM || a.AssistantRPM > maxAssistantRPM {
		errs = append(errs, fmt.Errorf("assistant_rpm: must be between %d and %d, got %d",
			minAssistantRPM, maxAssistantRPM, a.AssistantRPM))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[strings.ToLower(l.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[strings.ToLower(l.LogFormat)] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateDuration(s string, lo, hi time.Duration) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d < lo || d > hi {
		return fmt.Errorf("must be between %s and %s, got %s", lo, hi, s)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("URL %q must be absolute with scheme %s", raw, strings.Join(schemes, " or "))
}
