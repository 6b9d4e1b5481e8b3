package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests.
//
// Timers fire when Advance moves the clock past their deadline. Timer
// channels are buffered with capacity 1, like the runtime's.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	changed chan struct{}
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, changed: make(chan struct{})}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, c: make(chan time.Time, 1)}
	f.schedule(t, d)
	return t
}

// Advance moves the clock forward and fires every timer that came due, in
// deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		due := f.nextDue(target)
		if due == nil {
			break
		}
		f.now = due.deadline
		f.remove(due)
		select {
		case due.c <- due.deadline:
		default:
		}
	}
	f.now = target
	f.mu.Unlock()
}

// Waiters returns the number of armed timers.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// BlockUntil waits until at least n timers are armed. Tests use it to make
// sure a goroutine has reached its timer before advancing the clock.
func (f *Fake) BlockUntil(n int) {
	for {
		f.mu.Lock()
		if len(f.timers) >= n {
			f.mu.Unlock()
			return
		}
		ch := f.changed
		f.mu.Unlock()
		<-ch
	}
}

// BlockUntilDeadline waits until some armed timer is due exactly at. Tests
// use it to observe a timer being reset.
func (f *Fake) BlockUntilDeadline(at time.Time) {
	for {
		f.mu.Lock()
		for _, t := range f.timers {
			if t.deadline.Equal(at) {
				f.mu.Unlock()
				return
			}
		}
		ch := f.changed
		f.mu.Unlock()
		<-ch
	}
}

// schedule arms t. Caller holds f.mu.
func (f *Fake) schedule(t *fakeTimer, d time.Duration) {
	t.deadline = f.now.Add(d)
	if !slices.Contains(f.timers, t) {
		f.timers = append(f.timers, t)
	}
	f.signal()
}

// remove disarms t. Caller holds f.mu.
func (f *Fake) remove(t *fakeTimer) bool {
	i := slices.Index(f.timers, t)
	if i < 0 {
		return false
	}
	f.timers = slices.Delete(f.timers, i, i+1)
	f.signal()
	return true
}

func (f *Fake) nextDue(limit time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range f.timers {
		if t.deadline.After(limit) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

func (f *Fake) signal() {
	close(f.changed)
	f.changed = make(chan struct{})
}

type fakeTimer struct {
	clock    *Fake
	c        chan time.Time
	deadline time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

// Stop disarms the timer and discards an undelivered tick, matching the
// runtime timers since Go 1.23.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.drain()
	return t.clock.remove(t)
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := slices.Contains(t.clock.timers, t)
	t.drain()
	t.clock.schedule(t, d)
	return active
}

func (t *fakeTimer) drain() {
	select {
	case <-t.c:
	default:
	}
}
