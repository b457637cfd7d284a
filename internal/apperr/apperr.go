// Package apperr provides structured error types for the session orchestrator.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the orchestrator failure taxonomy.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflicting state")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnavailable  = errors.New("service unavailable")
)

// Error is a classified error carrying a human-readable detail that is safe
// to return to API callers.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

// NotFound returns a NotFound error with a formatted detail.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Conflict returns a Conflict error with a formatted detail.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Detail: fmt.Sprintf(format, args...)}
}

// Forbidden returns a Forbidden error with a formatted detail.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: ErrForbidden, Detail: fmt.Sprintf(format, args...)}
}

// RateLimited returns a RateLimited error with a formatted detail.
func RateLimited(format string, args ...any) *Error {
	return &Error{Kind: ErrRateLimited, Detail: fmt.Sprintf(format, args...)}
}

// Unauthorized returns an Unauthorized error with a formatted detail.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: ErrUnauthorized, Detail: fmt.Sprintf(format, args...)}
}

// InvalidInput returns an InvalidInput error with a formatted detail.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

// StatusCode maps an error to its HTTP status code. Unclassified errors
// map to 500.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Admission-control and state-machine failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
