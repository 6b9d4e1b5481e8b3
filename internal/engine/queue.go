package engine

import (
	"sync"
	"sync/atomic"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/poll"
	"github.com/roach88/wolfpack/internal/push"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeCall runs a function on the loop goroutine.
	EventTypeCall EventType = iota + 1
	// EventTypePush carries a normalized change from a push channel.
	EventTypePush
	// EventTypePoll carries a poll or resync result.
	EventTypePoll
	// EventTypeChannelState reports a push channel state change.
	EventTypeChannelState
	// EventTypeResync asks a feed for a full resync.
	EventTypeResync
	// EventTypeOutcome carries the final result of a mutation submission.
	EventTypeOutcome
	// EventTypeRetrying reports a failed submission attempt that will be
	// retried.
	EventTypeRetrying
)

func (t EventType) String() string {
	switch t {
	case EventTypeCall:
		return "call"
	case EventTypePush:
		return "push"
	case EventTypePoll:
		return "poll"
	case EventTypeChannelState:
		return "channel_state"
	case EventTypeResync:
		return "resync"
	case EventTypeOutcome:
		return "outcome"
	case EventTypeRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the loop. Feed and Gen address the feed
// an event belongs to; events for a torn-down generation are dropped.
type Event struct {
	Type    EventType
	Feed    string
	Gen     uint64
	Change  *entity.ChangeEvent
	Poll    *poll.Result
	Channel *push.Descriptor
	Outcome *outcome
	call    *call
}

// call is a function queued by an API method. Exactly one of the loop and
// the waiting caller claims it: the loop to run it, the caller to abandon
// it.
type call struct {
	fn      func()
	claimed atomic.Bool
	done    chan struct{}
}

func newCall(fn func()) *call {
	return &call{fn: fn, done: make(chan struct{})}
}

func (c *call) claim() bool {
	return c.claimed.CompareAndSwap(false, true)
}

// eventQueue is an unbounded FIFO with a coalescing wake-up signal.
//
// Producers never block: push channels, refreshers and retry handles post
// from their own goroutines while the loop drains.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. It returns false once
// the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Release the slot's pointers; the backing array outlives the event.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Drain removes and returns every queued event.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Wait returns a channel that signals when events may be available. It is
// closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes the loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
