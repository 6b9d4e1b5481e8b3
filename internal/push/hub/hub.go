// Package hub is an in-process push source. Backends publish their commits
// to a Hub, which fans them out as raw changes to every matching stream and
// keeps idle streams alive with heartbeats.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/push"
)

// DefaultBuffer is the per-stream backlog before a slow consumer is cut off.
const DefaultBuffer = 256

// ErrSlowConsumer ends a stream whose backlog overflowed.
var ErrSlowConsumer = errors.New("push stream dropped: consumer too slow")

// Hub fans commits out to subscribed streams.
type Hub struct {
	clock     clock.Clock
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger

	mu      sync.Mutex
	streams map[*stream]struct{}
	down    bool
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock sets the clock driving heartbeats.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) {
		h.clock = c
	}
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		h.heartbeat = d
	}
}

// WithBuffer sets the per-stream backlog.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// New creates a hub with no streams.
func New(opts ...Option) *Hub {
	h := &Hub{
		clock:     clock.Real{},
		heartbeat: push.DefaultHeartbeat,
		buffer:    DefaultBuffer,
		logger:    slog.Default(),
		streams:   make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe implements push.Source.
func (h *Hub) Subscribe(ctx context.Context, kind entity.Kind, filter entity.Filter) (push.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, push.ErrStreamClosed
	}
	if h.down {
		return nil, persist.Errorf(persist.CodeUnavailable, "push service unavailable")
	}
	s := &stream{
		hub:    h,
		kind:   kind,
		filter: filter.Clone(),
		events: make(chan push.RawChange, h.buffer),
		done:   make(chan struct{}),
	}
	h.streams[s] = struct{}{}
	h.logger.Debug("push stream opened", "feed", entity.FeedKey(kind, filter), "streams", len(h.streams))
	return s, nil
}

// Publish delivers a commit to every matching stream. It is a
// persist.CommitListener.
func (h *Hub) Publish(c persist.Commit) {
	subject := c.Subject()
	if subject == nil {
		return
	}
	raw := RawFromCommit(c)

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		if s.kind != subject.Kind || !s.matches(c) {
			continue
		}
		s.send(raw)
	}
}

// RawFromCommit encodes a commit as a wire change.
func RawFromCommit(c persist.Commit) push.RawChange {
	subject := c.Subject()
	raw := push.RawChange{
		Table:           push.TableFor(subject.Kind),
		CommitTimestamp: c.At,
		MutationID:      c.MutationID,
	}
	switch c.Op {
	case entity.OpInsert:
		raw.Type = "INSERT"
	case entity.OpUpdate:
		raw.Type = "UPDATE"
	case entity.OpDelete:
		raw.Type = "DELETE"
	}
	if c.After != nil {
		raw.New = push.RowFromEntity(*c.After)
	}
	if c.Before != nil {
		raw.Old = push.RowFromEntity(*c.Before)
	}
	return raw
}

// Heartbeat sends a heartbeat to every stream.
func (h *Hub) Heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		s.send(push.RawChange{Heartbeat: true, CommitTimestamp: h.clock.Now()})
	}
}

// Run sends heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.heartbeat <= 0 {
		<-ctx.Done()
		return
	}
	timer := h.clock.NewTimer(h.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			h.Heartbeat()
			timer.Reset(h.heartbeat)
		}
	}
}

// Disconnect ends every open stream, as a network partition would.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		s.kill(push.ErrStreamClosed)
	}
}

// SetDown makes new subscriptions fail while down is true. Open streams
// are not affected.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// Streams returns the number of open streams.
func (h *Hub) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close ends every stream and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.streams {
		s.kill(push.ErrStreamClosed)
	}
}

type stream struct {
	hub    *Hub
	kind   entity.Kind
	filter entity.Filter
	events chan push.RawChange

	once sync.Once
	done chan struct{}
	err  error
}

func (s *stream) matches(c persist.Commit) bool {
	if len(s.filter) == 0 {
		return true
	}
	if c.After != nil && s.filter.Match(*c.After) {
		return true
	}
	return c.Before != nil && s.filter.Match(*c.Before)
}

// send queues raw or cuts the stream off. Caller holds hub.mu.
func (s *stream) send(raw push.RawChange) {
	select {
	case s.events <- raw:
	default:
		s.hub.logger.Warn("dropping slow push consumer", "feed", entity.FeedKey(s.kind, s.filter))
		s.kill(ErrSlowConsumer)
	}
}

// kill ends the stream. Caller holds hub.mu.
func (s *stream) kill(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		delete(s.hub.streams, s)
	})
}

func (s *stream) Recv(ctx context.Context) (push.RawChange, error) {
	select {
	case raw := <-s.events:
		return raw, nil
	default:
	}
	select {
	case raw := <-s.events:
		return raw, nil
	case <-s.done:
		return push.RawChange{}, s.err
	case <-ctx.Done():
		return push.RawChange{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.kill(push.ErrStreamClosed)
	return nil
}
