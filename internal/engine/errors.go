package engine

import (
	"errors"
	"fmt"
)

// Error reports why a mutation submission or an API call failed.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// MutationID identifies the affected mutation, if any.
	MutationID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeStopped indicates the engine is not running.
	ErrCodeStopped ErrorCode = "STOPPED"

	// ErrCodeInFlight indicates a mutation of the same kind is already
	// pending for the entity.
	ErrCodeInFlight ErrorCode = "IN_FLIGHT"

	// ErrCodeInvalid indicates the mutation was refused before submission.
	ErrCodeInvalid ErrorCode = "INVALID"

	// ErrCodeRejected indicates the server refused the mutation.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeExhausted indicates every retry attempt failed.
	ErrCodeExhausted ErrorCode = "EXHAUSTED"

	// ErrCodeCancelled indicates submission stopped before an outcome was
	// known. The optimistic entry stays until it is confirmed or expires.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.MutationID != "" {
		msg = fmt.Sprintf("%s (mutation=%s)", msg, e.MutationID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsStopped reports whether err is an ErrCodeStopped error.
func IsStopped(err error) bool { return hasCode(err, ErrCodeStopped) }

// IsInFlight reports whether err is an ErrCodeInFlight error.
func IsInFlight(err error) bool { return hasCode(err, ErrCodeInFlight) }

// IsRejected reports whether err is an ErrCodeRejected error.
func IsRejected(err error) bool { return hasCode(err, ErrCodeRejected) }

// IsExhausted reports whether err is an ErrCodeExhausted error.
func IsExhausted(err error) bool { return hasCode(err, ErrCodeExhausted) }

// IsCancelled reports whether err is an ErrCodeCancelled error.
func IsCancelled(err error) bool { return hasCode(err, ErrCodeCancelled) }

func errStopped() *Error {
	return &Error{Code: ErrCodeStopped, Message: "engine is not running"}
}
