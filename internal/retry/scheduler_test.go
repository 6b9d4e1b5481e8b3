package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/persist"
)

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

func fastPolicy() Policy {
	return Policy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond, MaxAttempts: 4}
}

func TestScheduler_SucceedsFirstTry(t *testing.T) {
	s := NewScheduler()
	h := s.Schedule(context.Background(), "noop", func(context.Context, int) error { return nil }, fastPolicy())
	require.NoError(t, h.Wait())
	assert.Equal(t, 1, h.Attempts())
}

func TestScheduler_RetriesTransientThenSucceeds(t *testing.T) {
	s := NewScheduler()
	var retries []Attempt
	var mu sync.Mutex
	unavailable := persist.Errorf(persist.CodeUnavailable, "db down")

	h := s.Schedule(context.Background(), "submit", func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return unavailable
		}
		return nil
	}, fastPolicy(), OnRetry(func(a Attempt) {
		mu.Lock()
		retries = append(retries, a)
		mu.Unlock()
	}))

	require.NoError(t, h.Wait())
	assert.Equal(t, 3, h.Attempts())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, retries, 2)
	assert.Equal(t, time.Millisecond, retries[0].Delay)
	assert.Equal(t, 2*time.Millisecond, retries[1].Delay)
}

func TestScheduler_TerminalNotRetried(t *testing.T) {
	s := NewScheduler()
	var calls atomic.Int32
	h := s.Schedule(context.Background(), "submit", func(context.Context, int) error {
		calls.Add(1)
		return persist.Errorf(persist.CodeValidation, "item B unavailable")
	}, fastPolicy())

	err := h.Wait()
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.True(t, persist.IsValidation(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_Exhaustion(t *testing.T) {
	s := NewScheduler()
	h := s.Schedule(context.Background(), "submit", func(context.Context, int) error {
		return persist.Errorf(persist.CodeUnavailable, "db down")
	}, fastPolicy())

	err := h.Wait()
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	var ee *ExhaustedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 4, ee.Attempts)
	assert.Equal(t, persist.CodeUnavailable, persist.CodeOf(err))
}

func TestScheduler_AttemptTimeoutIsRetryable(t *testing.T) {
	s := NewScheduler()
	p := fastPolicy()
	p.AttemptTimeout = 5 * time.Millisecond
	h := s.Schedule(context.Background(), "slow", func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, p)

	require.NoError(t, h.Wait())
	assert.Equal(t, 2, h.Attempts())
}

func TestScheduler_CancelDuringBackoff(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(WithClock(fc))

	h := s.Schedule(context.Background(), "resubscribe", func(context.Context, int) error {
		return persist.Errorf(persist.CodeUnavailable, "closed")
	}, ResubscribePolicy())

	fc.BlockUntil(1)
	assert.Nil(t, h.Err(), "still running")
	h.Cancel()
	h.Cancel()

	err := h.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, h.Attempts())
	h.Cancel()
}

func TestScheduler_UnlimitedFollowsBackoff(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(WithClock(fc))
	var calls atomic.Int32
	h := s.Schedule(context.Background(), "resubscribe", func(context.Context, int) error {
		if calls.Add(1) >= 6 {
			return nil
		}
		return persist.Errorf(persist.CodeUnavailable, "closed")
	}, ResubscribePolicy())

	for i := 0; i < 5; i++ {
		fc.BlockUntil(1)
		fc.Advance(8 * time.Second)
	}
	require.NoError(t, h.Wait())
	assert.Equal(t, int32(6), calls.Load())
}

func TestScheduler_CloseCancelsAll(t *testing.T) {
	fc := clock.NewFake(t0)
	s := NewScheduler(WithClock(fc))
	failing := func(context.Context, int) error { return persist.Errorf(persist.CodeTimeout, "slow") }

	h1 := s.Schedule(context.Background(), "a", failing, ResubscribePolicy())
	h2 := s.Schedule(context.Background(), "b", failing, ResubscribePolicy())
	fc.BlockUntil(2)
	assert.Equal(t, 2, s.Active())

	s.Close()
	assert.ErrorIs(t, h1.Err(), ErrCancelled)
	assert.ErrorIs(t, h2.Err(), ErrCancelled)
	assert.Zero(t, s.Active())
}

func TestScheduler_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler()
	started := make(chan struct{})
	h := s.Schedule(ctx, "blocked", func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, fastPolicy())

	<-started
	cancel()
	assert.ErrorIs(t, h.Wait(), ErrCancelled)
}
