package record

import "errors"

// Sentinel errors for the failure taxonomy shared by every collaborator.
// Use errors.Is(err, record.ErrNotFound) to check.
var (
	// ErrRemoteUnavailable covers network failures, timeouts and 5xx/429
	// responses. Recovered implicitly by the next poll or event.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrNotFound means the referenced room, paper or annotation is gone.
	ErrNotFound = errors.New("not found")
	// ErrPermission is returned when the caller may not perform an action.
	ErrPermission = errors.New("permission denied")
	// ErrAssistantUnavailable wraps any language assistant failure.
	ErrAssistantUnavailable = errors.New("assistant unavailable")
	// ErrInvalidInput rejects an empty or malformed submission before any
	// network call is made.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrorKind is the coarse classification used when rendering a failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRemoteUnavailable
	KindNotFound
	KindPermission
	KindAssistantUnavailable
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindRemoteUnavailable:
		return "RemoteUnavailable"
	case KindNotFound:
		return "NotFound"
	case KindPermission:
		return "Permission"
	case KindAssistantUnavailable:
		return "AssistantUnavailable"
	case KindInvalidInput:
		return "InvalidInput"
	default:
		return "Unknown"
	}
}

// KindOf classifies err. A nil error is KindUnknown.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrAssistantUnavailable):
		return KindAssistantUnavailable
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRemoteUnavailable):
		return KindRemoteUnavailable
	default:
		return KindUnknown
	}
}

// Recoverable reports whether the failure is expected to heal on its own or
// by user action, as opposed to a programming or configuration error.
func Recoverable(err error) bool {
	return KindOf(err) != KindUnknown
}
