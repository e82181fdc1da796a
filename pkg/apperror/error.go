// Package apperror classifies every failure the pipeline can produce.
//
// The Kind set is closed. Components never invent ad-hoc error strings to
// branch on; they wrap causes with a Kind and callers dispatch on KindOf.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the failure classification.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindAlreadyTerminal Kind = "already_terminal"
	KindAuthFailure     Kind = "auth_failure"
	KindRateLimited     Kind = "rate_limited"
	KindTransient       Kind = "transient"
	KindUnknownService  Kind = "unknown_service"
	KindMappingError    Kind = "mapping_error"
	KindRecordReject    Kind = "record_reject"
	KindCancelled       Kind = "cancelled"
	KindTimeout         Kind = "timeout"
	KindFatal           Kind = "fatal"
)

// Error carries a Kind plus enough context to log and act on the failure.
type Error struct {
	Kind     Kind
	Message  string
	Internal error

	// RetryAfter is a server-provided backoff hint (Retry-After on 429s).
	// Zero means no hint.
	RetryAfter time.Duration

	Details map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		Kind:       e.Kind,
		Message:    e.Message,
		Internal:   err,
		RetryAfter: e.RetryAfter,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Kind:       e.Kind,
		Message:    message,
		Internal:   e.Internal,
		RetryAfter: e.RetryAfter,
		Details:    e.Details,
	}
}

// WithRetryAfter returns a copy of the error carrying a backoff hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	return &Error{
		Kind:       e.Kind,
		Message:    e.Message,
		Internal:   e.Internal,
		RetryAfter: d,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		Kind:       e.Kind,
		Message:    e.Message,
		Internal:   e.Internal,
		RetryAfter: e.RetryAfter,
		Details:    details,
	}
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Internal: err}
}

// KindOf extracts the Kind from any error. Context errors map to
// Cancelled/Timeout so callers never need to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether another attempt could plausibly succeed.
// AuthFailure is deliberately excluded: retrying bad credentials only
// burns rate limits.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterHint surfaces a server-provided backoff hint, when present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps a kind onto the status code the ops API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindAlreadyTerminal:
		return http.StatusConflict
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindMappingError, KindRecordReject, KindUnknownService:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts any error to the ops API's error envelope.
func ToHTTPError(err error) (int, map[string]any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		errBody := map[string]any{
			"kind":    string(appErr.Kind),
			"message": appErr.Message,
		}
		if len(appErr.Details) > 0 {
			errBody["details"] = appErr.Details
		}
		return HTTPStatus(appErr.Kind), map[string]any{
			"error": errBody,
		}
	}

	return http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"kind":    string(KindUnknown),
			"message": "An internal error occurred",
		},
	}
}

// Common error definitions
var (
	ErrNotFound        = New(KindNotFound, "resource not found")
	ErrConflict        = New(KindConflict, "conditional write lost")
	ErrAlreadyTerminal = New(KindAlreadyTerminal, "chunk already reached a terminal state")
	ErrUnknownService  = New(KindUnknownService, "no connector registered for service")
)

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s %q not found", resourceType, id))
}

// NewFatal creates a non-retryable internal error with an optional cause
func NewFatal(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, Internal: err}
}
