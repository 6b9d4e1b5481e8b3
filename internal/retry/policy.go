// Package retry drives failed network operations with exponential backoff.
//
// Only retryable failures are retried: timeouts, transport errors, 5xx,
// 408 and 429. Everything else is terminal and surfaces immediately.
// Exhausted operations are reported as *ExhaustedError, never dropped.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Policy describes a backoff schedule.
type Policy struct {
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps any single wait.
	MaxDelay time.Duration
	// MaxAttempts bounds the number of attempts. Zero or negative means
	// retry until cancelled.
	MaxAttempts int
	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
}

// DefaultPolicy is the mutation submission policy: 1s, 2s, 4s between four
// attempts of at most 10s each.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		Multiplier:     2,
		MaxDelay:       8 * time.Second,
		MaxAttempts:    4,
		AttemptTimeout: 10 * time.Second,
	}
}

// ResubscribePolicy retries forever with the default backoff.
func ResubscribePolicy() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 0
	p.AttemptTimeout = 0
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Unlimited reports whether the policy retries until cancelled.
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0
}

// Class is the retry classification of an error.
type Class int

const (
	Terminal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classify decides whether err is worth retrying.
//
// Errors may classify themselves with a Retryable() bool method, or carry
// an HTTP status through StatusCode() int.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	var self interface{ Retryable() bool }
	if errors.As(err, &self) {
		if self.Retryable() {
			return Retryable
		}
		return Terminal
	}
	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		return classifyStatus(status.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}
	return Terminal
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Terminal
	}
}

// hintedDelay returns the server-requested delay carried by err, capped by
// the policy.
func (p Policy) hintedDelay(err error, attempt int) time.Duration {
	var hint interface{ RetryDelay() time.Duration }
	if errors.As(err, &hint) {
		if d := hint.RetryDelay(); d > 0 {
			if p.MaxDelay > 0 && d > p.MaxDelay {
				return p.MaxDelay
			}
			return d
		}
	}
	return p.Delay(attempt)
}
