// Package ferr defines the error taxonomy shared by the runtime and the
// HTTP gateway. Components classify failures by Kind; the gateway maps
// kinds to status codes without inspecting messages.
package ferr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
type Kind string

const (
	// KindValidation marks malformed input at an API boundary. Never retried.
	KindValidation Kind = "validation"

	// KindNotFound marks an entity lookup miss. Never retried.
	KindNotFound Kind = "not_found"

	// KindConflict marks an illegal state transition, e.g. cancelling a
	// running job.
	KindConflict Kind = "conflict"

	// KindTimeout marks a completion-coordinator or turn deadline expiry.
	KindTimeout Kind = "timeout"

	// KindBackendUnhealthy marks an LLM backend that failed to share a
	// session or whose event stream ended without going idle. The holder
	// restarts the backend.
	KindBackendUnhealthy Kind = "backend_unhealthy"

	// KindRateLimit marks a 429 or overload signal from an external
	// service. Retried with backoff.
	KindRateLimit Kind = "rate_limit"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a classified error. Message is safe to show to callers; Err
// carries the underlying cause for logs and errors.Is/As chains.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for a resource and id.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Conflict returns a conflict error with a formatted message.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Timeout returns a timeout error for the named operation.
func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Message: op + " timed out"}
}

// BackendUnhealthy wraps err as a backend-health failure.
func BackendUnhealthy(message string, err error) *Error {
	return &Error{Kind: KindBackendUnhealthy, Message: message, Err: err}
}

// RateLimit returns a rate-limit error.
func RateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

// Internal wraps err as an internal error.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the gateway writes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindBackendUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the caller-safe message for err. Unclassified
// errors collapse to a generic message so internals never leak through
// the API surface.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}
