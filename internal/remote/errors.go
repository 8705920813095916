package remote

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tonimelisma/researchroom/internal/record"
)

// Error wraps a record sentinel with the HTTP status, request ID and the
// service's error message. Use errors.Is(err, record.ErrNotFound) to check.
type Error struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a record sentinel.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return record.ErrPermission
	case http.StatusNotFound, http.StatusNotAcceptable, http.StatusGone:
		return record.ErrNotFound
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity,
		http.StatusRequestEntityTooLarge:
		return record.ErrInvalidInput
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return record.ErrRemoteUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return record.ErrRemoteUnavailable
		}

		if code >= http.StatusBadRequest {
			return record.ErrInvalidInput
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// errorMessage extracts the human-readable message from a PostgREST style
// error body, falling back to the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Hint    string `json:"hint"`
		Error   string `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "" && parsed.Hint != "":
			return parsed.Message + " (" + parsed.Hint + ")"
		case parsed.Message != "":
			return parsed.Message
		case parsed.Error != "":
			return parsed.Error
		}
	}

	return string(body)
}
