// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway errors for RPC callers.
type ErrorKind string

const (
	// ErrInvalidRequest marks malformed params, policy violations, stale
	// optimistic-concurrency hashes, and unknown ids. The caller must
	// correct the input before retrying.
	ErrInvalidRequest ErrorKind = "INVALID_REQUEST"

	// ErrUnavailable marks transient backend failures. Retrying is safe;
	// idempotent calls are de-duplicated by the dispatch result cache.
	ErrUnavailable ErrorKind = "UNAVAILABLE"
)

// Error is the typed error carried across the RPC boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// InvalidRequest creates an INVALID_REQUEST error.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Unavailable creates an UNAVAILABLE error wrapping the underlying cause.
func Unavailable(cause error, format string, args ...any) *Error {
	return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the ErrorKind of err, or ErrUnavailable for untyped errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ErrUnavailable
}
