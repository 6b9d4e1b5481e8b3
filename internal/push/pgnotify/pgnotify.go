// Package pgnotify is a push source over PostgreSQL LISTEN/NOTIFY. It
// consumes the notifications published by the persist/postgres change
// trigger.
package pgnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/push"
)

// DefaultChannel matches the channel of the persist/postgres trigger.
const DefaultChannel = "wolfpack_changes"

// ErrReconnected ends a stream after the listener lost its connection.
// Notifications sent while disconnected are gone, so the consumer must
// resubscribe and resync.
var ErrReconnected = errors.New("pgnotify: listener reconnected, notifications may be lost")

// Listener is the subset of *pq.Listener used by streams.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Dialer opens a listener.
type Dialer func(onEvent pq.EventCallbackType) Listener

// Source implements push.Source with one listener connection per stream.
type Source struct {
	channel   string
	dial      Dialer
	clock     clock.Clock
	heartbeat time.Duration
	logger    *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithChannel sets the NOTIFY channel.
func WithChannel(name string) Option {
	return func(s *Source) {
		s.channel = name
	}
}

// WithClock sets the clock driving heartbeats.
func WithClock(c clock.Clock) Option {
	return func(s *Source) {
		s.clock = c
	}
}

// WithHeartbeat sets how often an idle stream pings the server and emits
// a heartbeat. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Source) {
		s.heartbeat = d
	}
}

// WithDialer replaces the listener factory.
func WithDialer(d Dialer) Option {
	return func(s *Source) {
		s.dial = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// New creates a source listening through dsn.
func New(dsn string, opts ...Option) *Source {
	s := &Source{
		channel:   DefaultChannel,
		clock:     clock.Real{},
		heartbeat: 15 * time.Second,
		logger:    slog.Default(),
	}
	s.dial = func(onEvent pq.EventCallbackType) Listener {
		return pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, onEvent)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe implements push.Source.
func (s *Source) Subscribe(ctx context.Context, kind entity.Kind, filter entity.Filter) (push.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := &stream{
		source: s,
		kind:   kind,
		table:  push.TableFor(kind),
		filter: filter.Clone(),
		done:   make(chan struct{}),
	}
	st.listener = s.dial(st.onEvent)
	if err := st.listener.Listen(s.channel); err != nil {
		st.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}
	if s.heartbeat > 0 {
		st.timer = s.clock.NewTimer(s.heartbeat)
	}
	s.logger.Debug("pgnotify stream opened", "feed", entity.FeedKey(kind, filter), "channel", s.channel)
	return st, nil
}

type stream struct {
	source   *Source
	kind     entity.Kind
	table    string
	filter   entity.Filter
	listener Listener
	timer    clock.Timer

	once sync.Once
	done chan struct{}
}

// onEvent logs connection state changes reported by the listener.
func (st *stream) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		st.source.logger.Warn("pgnotify disconnected", "kind", st.kind, "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		st.source.logger.Debug("pgnotify reconnect failed", "kind", st.kind, "error", err)
	case pq.ListenerEventReconnected:
		st.source.logger.Info("pgnotify reconnected", "kind", st.kind)
	}
}

func (st *stream) heartbeatC() <-chan time.Time {
	if st.timer == nil {
		return nil
	}
	return st.timer.C()
}

// Recv implements push.Stream.
func (st *stream) Recv(ctx context.Context) (push.RawChange, error) {
	for {
		select {
		case n, ok := <-st.listener.NotificationChannel():
			if !ok {
				return push.RawChange{}, push.ErrStreamClosed
			}
			if n == nil {
				return push.RawChange{}, ErrReconnected
			}
			raw, err := Decode(n.Extra)
			if err != nil {
				st.source.logger.Warn("dropping malformed notification", "channel", n.Channel, "error", err)
				continue
			}
			if !st.matches(raw) {
				continue
			}
			st.resetHeartbeat()
			return raw, nil

		case at := <-st.heartbeatC():
			st.resetHeartbeat()
			if err := st.listener.Ping(); err != nil {
				return push.RawChange{}, fmt.Errorf("pgnotify ping: %w", err)
			}
			return push.RawChange{Table: st.table, Heartbeat: true, CommitTimestamp: at.UTC()}, nil

		case <-st.done:
			return push.RawChange{}, push.ErrStreamClosed

		case <-ctx.Done():
			return push.RawChange{}, ctx.Err()
		}
	}
}

func (st *stream) resetHeartbeat() {
	if st.timer == nil {
		return
	}
	st.timer.Stop()
	st.timer.Reset(st.source.heartbeat)
}

// matches drops other tables and, for inserts and updates, rows outside
// the filter. Deletes carry reduced images and always pass.
func (st *stream) matches(raw push.RawChange) bool {
	if raw.Table != st.table {
		return false
	}
	if len(st.filter) == 0 || strings.EqualFold(raw.Type, "DELETE") {
		return true
	}
	ev, err := push.Normalize(raw)
	if err != nil {
		// Let the subscriber report it.
		return true
	}
	if ev.After != nil && st.filter.Match(*ev.After) {
		return true
	}
	return ev.Before != nil && st.filter.Match(*ev.Before)
}

// Close implements push.Stream.
func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		if st.timer != nil {
			st.timer.Stop()
		}
		err = st.listener.Close()
	})
	return err
}

// Decode parses a notification payload. Numbers are kept exact.
func Decode(payload string) (push.RawChange, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var raw push.RawChange
	if err := dec.Decode(&raw); err != nil {
		return push.RawChange{}, fmt.Errorf("decode notification: %w", err)
	}
	if raw.Table == "" || raw.Type == "" {
		return push.RawChange{}, errors.New("decode notification: missing table or type")
	}
	return raw, nil
}
