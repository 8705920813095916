package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. Secrets are shown only as set or unset.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[backend]\n")
	ew.printf("  mode          = %q\n", r.Mode)

	switch r.Mode {
	case ModeRemote:
		ew.printf("  remote_url    = %q\n", r.RemoteURL)

		if r.RealtimeURL != "" {
			ew.printf("  realtime_url  = %q\n", r.RealtimeURL)
		}

		ew.printf("  api_key       = %s\n", redact(r.APIKey))
	default:
		ew.printf("  database      = %q\n", r.Database)
	}

	ew.printf("  data_dir      = %q\n\n", r.DataDir)

	ew.printf("[sync]\n")
	ew.printf("  poll_interval = %q\n", r.PollInterval.String())
	ew.printf("  websocket     = %t\n", r.Websocket)
	ew.printf("  max_in_flight = %d\n\n", r.MaxInFlight)

	ew.printf("[assistant]\n")
	ew.printf("  assistant_base_url = %q\n", r.AssistantBaseURL)
	ew.printf("  assistant_model    = %q\n", r.AssistantModel)
	ew.printf("  assistant_api_key  = %s\n", redact(r.AssistantAPIKey))
	ew.printf("  assistant_rpm      = %d\n\n", r.AssistantRPM)

	ew.printf("[logging]\n")
	ew.printf("  log_level     = %q\n", r.LogLevel)
	ew.printf("  log_format    = %q\n", r.LogFormat)

	return ew.err
}

func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}

	return "(set)"
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
