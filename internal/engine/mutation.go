package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/poll"
	"github.com/roach88/wolfpack/internal/push"
	"github.com/roach88/wolfpack/internal/retry"
)

// Mutation is an optimistic change submitted to the server.
//
// Forward is applied to the displayed view immediately. Rollback undoes
// it; when zero it is derived from Forward and the current view.
// MutationID is generated when empty and doubles as the server's
// idempotency key.
type Mutation struct {
	MutationID string
	Kind       entity.Kind
	EntityID   string
	Op         persist.MutationOp
	Payload    entity.Fields
	Forward    entity.Delta
	Rollback   entity.Delta
}

// Result is the outcome of a confirmed mutation.
type Result struct {
	MutationID string
	Entity     entity.Entity
	Attempts   int
}

type submission struct {
	id       string
	req      persist.Request
	issuedAt time.Time
	handle   *retry.Handle
	retrying bool
	attempt  int
	lastErr  error

	// server is written by the retry goroutine and read after the handle
	// is done.
	server entity.Entity

	result Result
	err    error
	done   chan struct{}
}

func (s *submission) finish(res Result, err error) {
	s.result = res
	s.err = err
	close(s.done)
}

// outcome reads the finished handle. Only valid once the handle is done.
func (s *submission) outcome() *outcome {
	return &outcome{MutationID: s.id, Entity: s.server, Attempts: s.handle.Attempts(), Err: s.handle.Err()}
}

type outcome struct {
	MutationID string
	Entity     entity.Entity
	Attempts   int
	Err        error
}

// SubmitMutation applies m optimistically and submits it. It returns once
// the server confirmed or refused the mutation, or when ctx ends. An ended
// ctx does not cancel the submission.
func (e *Engine) SubmitMutation(ctx context.Context, m Mutation) (Result, error) {
	if m.Kind == "" || m.EntityID == "" || m.Op == "" {
		return Result{}, &Error{Code: ErrCodeInvalid, Message: "mutation needs a kind, an entity id and an op", MutationID: m.MutationID}
	}
	var (
		s    *submission
		serr error
	)
	if err := e.do(ctx, func() { s, serr = e.submit(m) }); err != nil {
		return Result{MutationID: m.MutationID}, err
	}
	if serr != nil {
		return Result{MutationID: m.MutationID}, serr
	}
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return Result{MutationID: s.id}, ctx.Err()
	}
}

func (e *Engine) submit(m Mutation) (*submission, error) {
	id := m.MutationID
	if id == "" {
		id = e.ids.Generate()
	}
	if _, dup := e.pending[id]; dup {
		return nil, &Error{Code: ErrCodeInvalid, Message: "mutation id already pending", MutationID: id}
	}
	if _, err := e.overlay.ApplyWithID(id, m.Kind, m.EntityID, string(m.Op), m.Forward, m.Rollback); err != nil {
		code := ErrCodeInvalid
		if errors.Is(err, overlay.ErrInFlight) {
			code = ErrCodeInFlight
		}
		return nil, &Error{Code: code, Message: "apply optimistic mutation", MutationID: id, Err: err}
	}

	s := &submission{
		id: id,
		req: persist.Request{
			MutationID: id,
			Kind:       m.Kind,
			Op:         m.Op,
			EntityID:   m.EntityID,
			Payload:    m.Payload,
		},
		issuedAt: e.clock.Now(),
		done:     make(chan struct{}),
	}
	e.pending[id] = s

	s.handle = e.retry.Schedule(e.runCtx, fmt.Sprintf("%s %s/%s", m.Op, m.Kind, m.EntityID),
		func(ctx context.Context, _ int) error {
			got, err := e.api.CreateMutation(ctx, s.req)
			if err != nil {
				return err
			}
			s.server = got
			return nil
		},
		e.policy,
		retry.OnAttempt(func(n int) { e.overlay.SetAttempt(id, n) }),
		retry.OnRetry(func(a retry.Attempt) {
			e.queue.Enqueue(Event{Type: EventTypeRetrying, Outcome: &outcome{MutationID: id, Attempts: a.Attempt, Err: a.Err}})
		}),
	)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-s.handle.Done()
		e.queue.Enqueue(Event{Type: EventTypeOutcome, Outcome: s.outcome()})
	}()

	e.logger.Debug("mutation submitted", "mutation_id", id, "kind", m.Kind, "id", m.EntityID, "op", m.Op)
	return s, nil
}

func (e *Engine) handleOutcome(o *outcome) {
	s, ok := e.pending[o.MutationID]
	if !ok {
		return
	}
	delete(e.pending, o.MutationID)
	res := Result{MutationID: o.MutationID, Attempts: o.Attempts}

	switch {
	case o.Err == nil:
		e.merger.Confirm(o.MutationID, o.Entity)
		res.Entity = o.Entity
		s.finish(res, nil)

	case errors.Is(o.Err, retry.ErrCancelled):
		// The server may still apply it; the entry waits for an echo, a
		// poll or expiry.
		s.finish(res, &Error{Code: ErrCodeCancelled, Message: "submission cancelled", MutationID: o.MutationID, Err: o.Err})

	default:
		code := ErrCodeRejected
		if retry.IsExhausted(o.Err) {
			code = ErrCodeExhausted
		}
		e.merger.Rollback(o.MutationID, cause(o.Err))
		e.logger.Warn("mutation failed", "mutation_id", o.MutationID, "code", code, "attempts", o.Attempts, "error", o.Err)
		s.finish(res, &Error{Code: code, Message: "mutation failed", MutationID: o.MutationID, Err: o.Err})
	}
}

// cause strips the retry wrapper so failure reports carry the server's
// reason and code.
func cause(err error) error {
	var te *retry.TerminalError
	if errors.As(err, &te) {
		return te.Err
	}
	var ee *retry.ExhaustedError
	if errors.As(err, &ee) {
		return ee.Err
	}
	return err
}

// FeedStatus describes one open feed.
type FeedStatus struct {
	Kind          entity.Kind   `json:"kind"`
	Filter        entity.Filter `json:"filter,omitempty"`
	Generation    uint64        `json:"generation"`
	Watchers      int           `json:"watchers"`
	State         push.State    `json:"state"`
	LastEventAt   time.Time     `json:"last_event_at"`
	Resubscribes  int           `json:"resubscribes"`
	PollInterval  time.Duration `json:"poll_interval"`
	LastPollAt    time.Time     `json:"last_poll_at"`
	LastPollError string        `json:"last_poll_error,omitempty"`
	Entities      int           `json:"entities"`
}

// Key returns the feed key.
func (f FeedStatus) Key() string {
	return entity.FeedKey(f.Kind, f.Filter)
}

// MutationStatus describes one submission in progress.
type MutationStatus struct {
	MutationID string             `json:"mutation_id"`
	Kind       entity.Kind        `json:"kind"`
	EntityID   string             `json:"entity_id"`
	Op         persist.MutationOp `json:"op"`
	IssuedAt   time.Time          `json:"issued_at"`
	Attempt    int                `json:"attempt"`
	Retrying   bool               `json:"retrying"`
	LastError  string             `json:"last_error,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Feeds     []FeedStatus     `json:"feeds"`
	Mutations []MutationStatus `json:"mutations"`
	// Pending counts optimistic entries still displayed, including ones
	// whose submission has finished but which await an echo or expiry.
	Pending int `json:"pending"`
}

// Retrying lists the mutations waiting for a retry.
func (s Status) Retrying() []string {
	var out []string
	for _, m := range s.Mutations {
		if m.Retrying {
			out = append(out, m.MutationID)
		}
	}
	return out
}

// Feed returns the status of the feed for (kind, filter).
func (s Status) Feed(kind entity.Kind, filter entity.Filter) (FeedStatus, bool) {
	key := entity.FeedKey(kind, filter)
	for _, f := range s.Feeds {
		if f.Key() == key {
			return f, true
		}
	}
	return FeedStatus{}, false
}

// Status reports feed health and in-flight mutations.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		for _, f := range e.feeds {
			fs := FeedStatus{
				Kind:         f.kind,
				Filter:       f.filter.Clone(),
				Generation:   f.gen,
				Watchers:     f.watchers,
				State:        push.StateClosed,
				PollInterval: f.refresher.Interval(),
				LastPollAt:   f.lastPollAt,
				Entities:     len(e.store.Snapshot(f.kind, f.filter)),
			}
			if f.lastPollErr != nil {
				fs.LastPollError = f.lastPollErr.Error()
			}
			if d, ok := e.subscriber.State(f.kind, f.filter); ok {
				fs.State = d.State
				fs.LastEventAt = d.LastEventAt
				fs.Resubscribes = d.Resubscribes
			}
			st.Feeds = append(st.Feeds, fs)
		}
		for _, s := range e.pending {
			ms := MutationStatus{
				MutationID: s.id,
				Kind:       s.req.Kind,
				EntityID:   s.req.EntityID,
				Op:         s.req.Op,
				IssuedAt:   s.issuedAt,
				Attempt:    s.attempt,
				Retrying:   s.retrying,
			}
			if s.lastErr != nil {
				ms.LastError = s.lastErr.Error()
			}
			st.Mutations = append(st.Mutations, ms)
		}
		st.Pending = e.overlay.Len()
	})
	if err != nil {
		return Status{}, err
	}
	slices.SortFunc(st.Feeds, func(a, b FeedStatus) int { return strings.Compare(a.Key(), b.Key()) })
	slices.SortFunc(st.Mutations, func(a, b MutationStatus) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.MutationID, b.MutationID)
	})
	return st, nil
}

// Resync asks every open feed for a full refresh.
func (e *Engine) Resync(ctx context.Context) error {
	return e.do(ctx, func() {
		for _, f := range e.feeds {
			if err := f.refresher.Resync(); err != nil && !errors.Is(err, poll.ErrNotRunning) {
				e.logger.Warn("resync failed", "feed", f.key, "error", err)
			}
		}
	})
}
