package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/push"
)

// ScriptedSource is a push.Source driven by the test. Every Subscribe opens
// a new ScriptedStream unless a failure was queued with FailNext.
type ScriptedSource struct {
	mu       sync.Mutex
	streams  []*ScriptedStream
	failures []error
	changed  chan struct{}
}

// NewScriptedSource creates a source with no streams.
func NewScriptedSource() *ScriptedSource {
	return &ScriptedSource{changed: make(chan struct{})}
}

// Subscribe implements push.Source.
func (s *ScriptedSource) Subscribe(ctx context.Context, kind entity.Kind, filter entity.Filter) (push.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.broadcast()

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	st := &ScriptedStream{
		Kind:   kind,
		Filter: filter.Clone(),
		events: make(chan push.RawChange, 64),
		done:   make(chan struct{}),
	}
	s.streams = append(s.streams, st)
	return st, nil
}

// FailNext makes the next len(errs) Subscribe calls fail in order.
func (s *ScriptedSource) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Streams returns how many streams have been opened.
func (s *ScriptedSource) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Stream returns the i-th opened stream.
func (s *ScriptedSource) Stream(i int) *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[i]
}

// Current returns the most recently opened stream, or nil.
func (s *ScriptedSource) Current() *ScriptedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// WaitStreams blocks until at least n streams have been opened or the
// timeout elapses. It reports whether the count was reached.
func (s *ScriptedSource) WaitStreams(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		if len(s.streams) >= n {
			s.mu.Unlock()
			return true
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// broadcast wakes every waiter. Callers hold s.mu.
func (s *ScriptedSource) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ScriptedStream is one stream opened on a ScriptedSource.
type ScriptedStream struct {
	Kind   entity.Kind
	Filter entity.Filter

	events chan push.RawChange
	once   sync.Once
	done   chan struct{}

	mu      sync.Mutex
	killErr error
	closed  bool
}

// Emit queues a raw change for delivery.
func (st *ScriptedStream) Emit(raw push.RawChange) {
	st.events <- raw
}

// Heartbeat queues a heartbeat.
func (st *ScriptedStream) Heartbeat() {
	st.Emit(push.RawChange{Heartbeat: true})
}

// Insert queues an INSERT of e echoing mutationID.
func (st *ScriptedStream) Insert(e entity.Entity, mutationID string) {
	st.Emit(push.RawChange{Table: push.TableFor(e.Kind), Type: "INSERT", New: push.RowFromEntity(e), MutationID: mutationID})
}

// Update queues an UPDATE of e echoing mutationID.
func (st *ScriptedStream) Update(e entity.Entity, mutationID string) {
	st.Emit(push.RawChange{Table: push.TableFor(e.Kind), Type: "UPDATE", New: push.RowFromEntity(e), MutationID: mutationID})
}

// Delete queues a DELETE whose old image carries only the id and version.
func (st *ScriptedStream) Delete(kind entity.Kind, id string, version int64) {
	st.Emit(push.RawChange{Table: push.TableFor(kind), Type: "DELETE", Old: map[string]any{"id": id, "version": version}})
}

// Kill ends the stream from the server side. Pending events are still
// delivered first. A nil err kills with push.ErrStreamClosed.
func (st *ScriptedStream) Kill(err error) {
	if err == nil {
		err = push.ErrStreamClosed
	}
	st.mu.Lock()
	if st.killErr == nil {
		st.killErr = err
	}
	st.mu.Unlock()
	st.once.Do(func() { close(st.done) })
}

// Closed reports whether the consumer closed the stream.
func (st *ScriptedStream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Recv implements push.Stream.
func (st *ScriptedStream) Recv(ctx context.Context) (push.RawChange, error) {
	select {
	case raw := <-st.events:
		return raw, nil
	default:
	}
	select {
	case raw := <-st.events:
		return raw, nil
	case <-st.done:
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.killErr != nil {
			return push.RawChange{}, st.killErr
		}
		return push.RawChange{}, push.ErrStreamClosed
	case <-ctx.Done():
		return push.RawChange{}, ctx.Err()
	}
}

// Close implements push.Stream.
func (st *ScriptedStream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.once.Do(func() { close(st.done) })
	return nil
}

// ErrScripted is a retryable transport failure.
var ErrScripted = persist.Errorf(persist.CodeUnavailable, "scripted transport failure")
