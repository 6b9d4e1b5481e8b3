// Package push maintains live change subscriptions and normalizes their
// events at the boundary.
//
// One physical channel is opened per (kind, filter) no matter how many
// consumers ask for it. Each channel tracks when it last heard from the
// server, heartbeats included. Silence longer than the stall threshold
// marks it stalled; a closed transport marks it closed and is resubscribed
// with backoff. Every successful subscribe asks for a full resync before any
// event is delivered, because delivery is at-least-once and events may have
// been missed while disconnected.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/ids"
	"github.com/roach88/wolfpack/internal/retry"
)

// State is the health of a channel.
type State string

const (
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateStalled    State = "stalled"
	StateClosed     State = "closed"
)

// Degraded reports whether polling should run at its fast interval.
func (s State) Degraded() bool {
	return s != StateLive
}

// DefaultHeartbeat is the expected server heartbeat interval.
const DefaultHeartbeat = 15 * time.Second

// SubscriptionID identifies one consumer of a channel.
type SubscriptionID string

// Handler receives normalized events.
type Handler func(entity.ChangeEvent)

// Descriptor is the observable state of a channel.
type Descriptor struct {
	Kind         entity.Kind
	Filter       entity.Filter
	LastEventAt  time.Time
	State        State
	Consumers    int
	Resubscribes int
}

// Key returns the feed key of the channel.
func (d Descriptor) Key() string {
	return entity.FeedKey(d.Kind, d.Filter)
}

// Subscriber owns the physical channels.
type Subscriber struct {
	source     Source
	retry      *retry.Scheduler
	policy     retry.Policy
	clock      clock.Clock
	stallAfter time.Duration
	ids        ids.Generator
	logger     *slog.Logger
	onState    func(Descriptor)
	onResync   func(kind entity.Kind, filter entity.Filter)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	subs     map[SubscriptionID]*channel
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithClock sets the clock used for stall detection.
func WithClock(c clock.Clock) Option {
	return func(s *Subscriber) {
		s.clock = c
	}
}

// WithHeartbeat sets the expected heartbeat interval. The stall threshold
// becomes twice the interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.stallAfter = 2 * d
		}
	}
}

// WithStallThreshold sets the stall threshold directly.
func WithStallThreshold(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.stallAfter = d
		}
	}
}

// WithRetry sets the scheduler and policy used to resubscribe.
func WithRetry(r *retry.Scheduler, p retry.Policy) Option {
	return func(s *Subscriber) {
		s.retry = r
		s.policy = p
	}
}

// WithIDs sets the subscription id generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Subscriber) {
		s.ids = g
	}
}

// WithLogger sets the subscriber logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = l
	}
}

// WithStateListener is called on every channel state change.
func WithStateListener(fn func(Descriptor)) Option {
	return func(s *Subscriber) {
		s.onState = fn
	}
}

// WithResyncListener is called after every successful subscribe, before
// any event from the new stream is delivered.
func WithResyncListener(fn func(kind entity.Kind, filter entity.Filter)) Option {
	return func(s *Subscriber) {
		s.onResync = fn
	}
}

// NewSubscriber creates a subscriber over source.
func NewSubscriber(source Source, opts ...Option) *Subscriber {
	s := &Subscriber{
		source:     source,
		policy:     retry.ResubscribePolicy(),
		clock:      clock.Real{},
		stallAfter: 2 * DefaultHeartbeat,
		ids:        ids.UUIDv7Generator{},
		logger:     slog.Default(),
		channels:   make(map[string]*channel),
		subs:       make(map[SubscriptionID]*channel),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = retry.NewScheduler(retry.WithClock(s.clock), retry.WithLogger(s.logger))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// StallThreshold returns the silence tolerated before a channel stalls.
func (s *Subscriber) StallThreshold() time.Duration {
	return s.stallAfter
}

// Subscribe attaches handler to the channel for (kind, filter), opening the
// channel if this is its first consumer.
func (s *Subscriber) Subscribe(kind entity.Kind, filter entity.Filter, handler Handler) SubscriptionID {
	key := entity.FeedKey(kind, filter)
	id := SubscriptionID(s.ids.Generate())

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[key]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		ch = &channel{
			owner:    s,
			kind:     kind,
			filter:   filter.Clone(),
			key:      key,
			cancel:   cancel,
			handlers: make(map[SubscriptionID]Handler),
			state:    StateConnecting,
		}
		s.channels[key] = ch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ch.run(ctx)
		}()
	}
	ch.mu.Lock()
	ch.handlers[id] = handler
	ch.order = append(ch.order, id)
	ch.mu.Unlock()
	s.subs[id] = ch
	return id
}

// Unsubscribe detaches a consumer. The channel closes with its last
// consumer. Unknown ids are ignored.
func (s *Subscriber) Unsubscribe(id SubscriptionID) {
	s.mu.Lock()
	ch, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	ch.mu.Lock()
	delete(ch.handlers, id)
	ch.order = slices.DeleteFunc(ch.order, func(x SubscriptionID) bool { return x == id })
	remaining := len(ch.handlers)
	ch.mu.Unlock()
	if remaining == 0 {
		delete(s.channels, ch.key)
	}
	s.mu.Unlock()

	if remaining == 0 {
		ch.cancel()
	}
}

// State returns the descriptor of the channel for (kind, filter).
func (s *Subscriber) State(kind entity.Kind, filter entity.Filter) (Descriptor, bool) {
	s.mu.Lock()
	ch, ok := s.channels[entity.FeedKey(kind, filter)]
	s.mu.Unlock()
	if !ok {
		return Descriptor{Kind: kind, Filter: filter, State: StateClosed}, false
	}
	return ch.descriptor(), true
}

// Channels returns the descriptors of every open channel.
func (s *Subscriber) Channels() []Descriptor {
	s.mu.Lock()
	chans := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	out := make([]Descriptor, len(chans))
	for i, ch := range chans {
		out[i] = ch.descriptor()
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return out
}

// Close tears down every channel and waits for their goroutines.
func (s *Subscriber) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.channels = make(map[string]*channel)
	s.subs = make(map[SubscriptionID]*channel)
	s.mu.Unlock()
}

type channel struct {
	owner  *Subscriber
	kind   entity.Kind
	filter entity.Filter
	key    string
	cancel context.CancelFunc

	mu           sync.Mutex
	handlers     map[SubscriptionID]Handler
	order        []SubscriptionID
	state        State
	lastEventAt  time.Time
	resubscribes int
}

func (c *channel) descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Descriptor{
		Kind:         c.kind,
		Filter:       c.filter.Clone(),
		LastEventAt:  c.lastEventAt,
		State:        c.state,
		Consumers:    len(c.handlers),
		Resubscribes: c.resubscribes,
	}
}

func (c *channel) setState(st State) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = st
	c.mu.Unlock()

	c.owner.logger.Info("push channel state changed", "feed", c.key, "from", prev, "to", st)
	if c.owner.onState != nil {
		c.owner.onState(c.descriptor())
	}
}

func (c *channel) touch() {
	now := c.owner.clock.Now()
	c.mu.Lock()
	c.lastEventAt = now
	c.mu.Unlock()
}

func (c *channel) run(ctx context.Context) {
	s := c.owner
	drops := 0
	for {
		if drops > 0 {
			if err := c.wait(ctx, s.policy.Delay(drops)); err != nil {
				c.setState(StateClosed)
				return
			}
		}
		c.setState(StateConnecting)

		var stream Stream
		err := s.retry.Do(ctx, "subscribe "+c.key, func(actx context.Context, attempt int) error {
			st, err := s.source.Subscribe(actx, c.kind, c.filter)
			if err != nil {
				return err
			}
			stream = st
			return nil
		}, s.policy)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("push subscribe failed", "feed", c.key, "error", err)
			}
			c.setState(StateClosed)
			return
		}

		c.mu.Lock()
		if drops > 0 {
			c.resubscribes++
		}
		c.mu.Unlock()
		c.touch()
		c.setState(StateLive)
		if s.onResync != nil {
			s.onResync(c.kind, c.filter.Clone())
		}

		received, err := c.pump(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		s.logger.Warn("push stream ended", "feed", c.key, "error", err)
		c.setState(StateClosed)
		if received {
			drops = 1
		} else {
			drops++
		}
	}
}

type recvResult struct {
	raw RawChange
	err error
}

// pump delivers events until the stream fails. It reports whether anything
// was received.
func (c *channel) pump(ctx context.Context, stream Stream) (bool, error) {
	s := c.owner
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan recvResult)
	go func() {
		for {
			raw, err := stream.Recv(sctx)
			select {
			case results <- recvResult{raw: raw, err: err}:
			case <-sctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := s.clock.NewTimer(s.stallAfter)
	defer timer.Stop()
	received := false

	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case <-timer.C():
			c.setState(StateStalled)
		case r := <-results:
			if r.err != nil {
				return received, r.err
			}
			received = true
			c.touch()
			c.setState(StateLive)
			timer.Stop()
			timer.Reset(s.stallAfter)
			if r.raw.Heartbeat {
				continue
			}
			ev, err := Normalize(r.raw)
			if err != nil {
				s.logger.Warn("dropping malformed change", "feed", c.key, "table", r.raw.Table, "type", r.raw.Type, "error", err)
				continue
			}
			if !c.accepts(ev) {
				continue
			}
			c.deliver(ev)
		}
	}
}

// accepts filters events for other kinds or outside the channel filter.
// Deletes are always delivered: their images may not carry filter columns.
func (c *channel) accepts(ev entity.ChangeEvent) bool {
	if ev.Kind != c.kind {
		return false
	}
	if ev.Op == entity.OpDelete || len(c.filter) == 0 {
		return true
	}
	if ev.After != nil && c.filter.Match(*ev.After) {
		return true
	}
	return ev.Before != nil && c.filter.Match(*ev.Before)
}

func (c *channel) deliver(ev entity.ChangeEvent) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.order))
	for _, id := range c.order {
		hs = append(hs, c.handlers[id])
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *channel) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := c.owner.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// String implements fmt.Stringer for logs.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s]", d.Key(), d.State)
}
