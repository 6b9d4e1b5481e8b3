package retry

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a handle is cancelled before the operation
// succeeds.
var ErrCancelled = errors.New("retry cancelled")

// ExhaustedError reports an operation that failed on every attempt.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted returns true if err reports retry exhaustion.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// TerminalError wraps a failure that was not retried.
type TerminalError struct {
	Name    string
	Attempt int
	Err     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: attempt %d failed permanently: %v", e.Name, e.Attempt, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// IsTerminal returns true if err reports a non-retryable failure.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
