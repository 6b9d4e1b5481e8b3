package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
)

// Op is one attempt of a retried operation. attempt is 1-based.
type Op func(ctx context.Context, attempt int) error

// Attempt describes a failed attempt that will be retried.
type Attempt struct {
	Name    string
	Attempt int
	Err     error
	Delay   time.Duration
}

// Scheduler runs operations under a retry policy on their own goroutines.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for backoff waits.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.Real{},
		logger:  slog.Default(),
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleOption configures one scheduled operation.
type HandleOption func(*Handle)

// OnRetry is called before each backoff wait.
func OnRetry(fn func(Attempt)) HandleOption {
	return func(h *Handle) {
		h.onRetry = fn
	}
}

// OnAttempt is called before each attempt starts.
func OnAttempt(fn func(attempt int)) HandleOption {
	return func(h *Handle) {
		h.onAttempt = fn
	}
}

// Handle tracks a scheduled operation.
type Handle struct {
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	attempts  atomic.Int32
	onRetry   func(Attempt)
	onAttempt func(int)
}

// Cancel stops the operation. It is idempotent and safe after completion.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the operation finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the operation finishes and returns its outcome.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the outcome, or nil while the operation is running.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Attempts returns how many attempts have started.
func (h *Handle) Attempts() int {
	return int(h.attempts.Load())
}

// Name returns the operation name.
func (h *Handle) Name() string {
	return h.name
}

// Schedule starts op under policy p and returns immediately.
func (s *Scheduler) Schedule(ctx context.Context, name string, op Op, p Policy, opts ...HandleOption) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	for _, opt := range opts {
		opt(h)
	}

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.err = s.run(ctx, h, op, p)
		cancel()
		s.mu.Lock()
		delete(s.handles, h)
		s.mu.Unlock()
		close(h.done)
	}()
	return h
}

// Do runs op under policy p and waits for the outcome.
func (s *Scheduler) Do(ctx context.Context, name string, op Op, p Policy, opts ...HandleOption) error {
	return s.Schedule(ctx, name, op, p, opts...).Wait()
}

// Active returns the number of running operations.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close cancels every running operation and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for h := range s.handles {
		h.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, h *Handle, op Op, p Policy) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(h.name, lastErr)
		}
		h.attempts.Store(int32(attempt))
		if h.onAttempt != nil {
			h.onAttempt(attempt)
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := op(actx, attempt)
		cancel()
		if err == nil {
			if attempt > 1 {
				s.logger.Info("operation succeeded after retry", "op", h.name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return cancelled(h.name, lastErr)
		}
		if Classify(err) == Terminal {
			return &TerminalError{Name: h.name, Attempt: attempt, Err: err}
		}
		if !p.Unlimited() && attempt >= p.MaxAttempts {
			s.logger.Warn("operation exhausted retries", "op", h.name, "attempts", attempt, "error", err)
			return &ExhaustedError{Name: h.name, Attempts: attempt, Err: err}
		}

		delay := p.hintedDelay(err, attempt)
		if h.onRetry != nil {
			h.onRetry(Attempt{Name: h.name, Attempt: attempt, Err: err, Delay: delay})
		}
		s.logger.Debug("operation failed, retrying", "op", h.name, "attempt", attempt, "delay", delay, "error", err)
		if err := s.wait(ctx, delay); err != nil {
			return cancelled(h.name, lastErr)
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := s.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func cancelled(name string, last error) error {
	if last != nil {
		return fmt.Errorf("%s: %w (last error: %v)", name, ErrCancelled, last)
	}
	return fmt.Errorf("%s: %w", name, ErrCancelled)
}
