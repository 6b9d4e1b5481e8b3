package persist

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode categorizes persistence failures.
type ErrorCode string

const (
	// CodeValidation indicates the payload was rejected. Terminal.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound indicates the target entity does not exist. Terminal.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConflict indicates a business rule rejected the change, such as
	// cancelling a completed order. Terminal.
	CodeConflict ErrorCode = "CONFLICT"

	// CodePermission indicates the caller may not perform the change. Terminal.
	CodePermission ErrorCode = "PERMISSION_DENIED"

	// CodeRateLimited indicates the backend asked us to slow down. Retryable.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeUnavailable indicates a transport failure or 5xx. Retryable.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeTimeout indicates the backend did not answer in time. Retryable.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeInternal indicates an unexpected backend failure. Retryable.
	CodeInternal ErrorCode = "INTERNAL"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = &Error{Code: CodeNotFound, Message: "not found"}

// Error is a persistence failure with a stable code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error

	// RetryAfter is the backend's requested delay before a retry, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors with the same code, so errors.Is(err, ErrNotFound)
// works for any not-found error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Retryable reports whether retrying could change the outcome.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeUnavailable, CodeTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

// RetryDelay returns the backend's requested retry delay.
func (e *Error) RetryDelay() time.Duration {
	return e.RetryAfter
}

// StatusCode maps the error onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePermission:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus maps an HTTP status onto an error code.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodePermission
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	default:
		return CodeValidation
	}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of a persistence error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsValidation returns true if err is a validation failure.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsConflict returns true if err is a business-rule conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsNotFound returns true if err is a not-found failure.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
