package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failure for the handler boundary. Every mutating
// inbound event is converted into exactly one ack or error event keyed off
// this code; nothing propagates past a single event's handling.
type ErrorCode string

const (
	// ErrValidation: bad or missing fields. No side effects occurred.
	ErrValidation ErrorCode = "validation"
	// ErrAuthorization: not a participant or insufficient permission.
	ErrAuthorization ErrorCode = "authorization"
	// ErrNotFound: unknown call, message, or chat id.
	ErrNotFound ErrorCode = "not_found"
	// ErrConflict: already in a call, duplicate submission, or a transition
	// attempted from a terminal state.
	ErrConflict ErrorCode = "conflict"
	// ErrTransient: store or push infrastructure failure. Primary effects
	// already committed are not rolled back.
	ErrTransient ErrorCode = "transient"
	// ErrRateLimited: operation rejected by the rate limiter.
	ErrRateLimited ErrorCode = "rate_limited"
)

// Error is the taxonomy error carried across component boundaries.
type Error struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a taxonomy error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a taxonomy error.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the taxonomy code from err, defaulting to ErrTransient for
// unclassified failures.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrTransient
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// RetryAfterOf returns the retry-after hint on err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
