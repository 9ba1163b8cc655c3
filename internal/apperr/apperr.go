// Package apperr defines the typed error carrier used at every data
// service and controller boundary.
//
// Every store and controller function returns (value, error) where the
// error, when non-nil, wraps an *apperr.Error carrying a stable code.
// Callers propagate rather than panic; the code decides the broker
// outcome: retryable errors re-deliver through the delay queue,
// everything else acks and dead-letters.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry and HTTP mapping decisions.
type Code string

const (
	// CodeNotFound means the entity is absent.
	CodeNotFound Code = "NOT_FOUND"

	// CodeBadRequest means the input failed validation.
	CodeBadRequest Code = "BAD_REQUEST"

	// CodeConflict means a unique key was violated.
	CodeConflict Code = "CONFLICT"

	// CodeForbidden means a rule was violated (skill rename, SKILL.md
	// edit via create, path traversal).
	CodeForbidden Code = "FORBIDDEN"

	// CodeBackendUnavailable means an external dependency refused or
	// was unreachable.
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"

	// CodeTimeout means a bounded wait was exceeded.
	CodeTimeout Code = "TIMEOUT"

	// CodeRetryable marks a transient fault the broker should
	// re-deliver.
	CodeRetryable Code = "RETRYABLE"

	// CodeInternal is the fallback for unclassified faults.
	CodeInternal Code = "INTERNAL"
)

// Error is the uniform error carrier.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// BadRequest builds a BAD_REQUEST error.
func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, format, args...)
}

// Conflict builds a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Forbidden builds a FORBIDDEN error.
func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

// Unavailable builds a BACKEND_UNAVAILABLE error wrapping the
// backend's failure so the backend error type does not leak.
func Unavailable(err error, format string, args ...any) *Error {
	return Wrap(CodeBackendUnavailable, err, format, args...)
}

// Timeout builds a TIMEOUT error.
func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, format, args...)
}

// Retryable builds a RETRYABLE error wrapping a transient cause.
func Retryable(err error, format string, args ...any) *Error {
	return Wrap(CodeRetryable, err, format, args...)
}

// CodeOf extracts the code from an error chain, or CodeInternal when
// no *Error is present.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the broker should re-deliver. Backend
// outages and timeouts are transient by definition; everything else
// dead-letters.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRetryable, CodeBackendUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}
