package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a server-side rejection.
type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeValidation   Code = "VALIDATION"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeConflict     Code = "CONFLICT"
	CodeInternal     Code = "INTERNAL"
)

// Error is a rejection reported by the server, either as a failed
// acknowledgement or as an error push event.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RetryAfter is in seconds and only meaningful for CodeRateLimited.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// NewError creates an Error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %ds)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryAfterDuration converts RetryAfter to a duration.
func (e *Error) RetryAfterDuration() time.Duration {
	return time.Duration(e.RetryAfter) * time.Second
}

// Permanent reports whether resending the same request can never succeed.
func (e *Error) Permanent() bool {
	switch e.Code {
	case CodeValidation, CodeForbidden, CodeNotFound:
		return true
	}
	return false
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsCode reports whether err carries a server rejection with the given code.
func IsCode(err error, code Code) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == code
}
