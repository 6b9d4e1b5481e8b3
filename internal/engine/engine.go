package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/ids"
	"github.com/roach88/wolfpack/internal/merge"
	"github.com/roach88/wolfpack/internal/notify"
	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/poll"
	"github.com/roach88/wolfpack/internal/push"
	"github.com/roach88/wolfpack/internal/retry"
	"github.com/roach88/wolfpack/internal/store"
)

// DefaultExpiryInterval is how often unconfirmed overlay entries are checked
// against the TTL.
const DefaultExpiryInterval = 5 * time.Second

// Engine is the client state engine.
//
// Thread-safety model:
//   - API methods: safe from any goroutine; they post work to the loop
//   - Run: must be called from exactly one goroutine
//   - Snapshot, Get, Subscribe: read the store directly under its lock
type Engine struct {
	api    persist.API
	clock  clock.Clock
	logger *slog.Logger
	ids    ids.Generator
	policy retry.Policy

	pollInterval   time.Duration
	pollOpts       []poll.Option
	heartbeat      time.Duration
	ttl            time.Duration
	expiryInterval time.Duration

	store      *store.Store
	overlay    *overlay.Overlay
	merger     *merge.Merger
	dispatcher *notify.Dispatcher
	retry      *retry.Scheduler
	subscriber *push.Subscriber

	queue   *eventQueue
	started atomic.Bool
	stopped chan struct{}
	wg      sync.WaitGroup

	// Owned by the loop goroutine.
	runCtx  context.Context
	feeds   map[string]*feed
	nextGen uint64
	pending map[string]*submission
}

type feed struct {
	key         string
	kind        entity.Kind
	filter      entity.Filter
	gen         uint64
	watchers    int
	sub         push.SubscriptionID
	refresher   *poll.Refresher
	openedAt    time.Time
	lastPollAt  time.Time
	lastPollErr error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock shared by every timer in the engine.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIDs sets the generator for mutation and client order ids.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRetryPolicy sets the mutation submission policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithPollInterval sets the polling interval while push is live.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithDegradedInterval sets the polling interval while push is not live.
func WithDegradedInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollOpts = append(e.pollOpts, poll.WithDegradedInterval(d))
	}
}

// WithPageSize sets the poll page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		e.pollOpts = append(e.pollOpts, poll.WithPageSize(n))
	}
}

// WithMaxPages bounds a full resync.
func WithMaxPages(n int) Option {
	return func(e *Engine) {
		e.pollOpts = append(e.pollOpts, poll.WithMaxPages(n))
	}
}

// WithFetchTimeout bounds each poll request.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pollOpts = append(e.pollOpts, poll.WithFetchTimeout(d))
	}
}

// WithHeartbeat sets the expected push heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeat = d
		}
	}
}

// WithOverlayTTL sets how long an unconfirmed mutation stays displayed.
func WithOverlayTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithExpiryInterval sets how often the overlay TTL is enforced. Zero
// disables the expiry tick.
func WithExpiryInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.expiryInterval = d
	}
}

// New creates an engine over a persistence API and a push source. Nothing
// runs until Run is called.
func New(api persist.API, source push.Source, opts ...Option) *Engine {
	e := &Engine{
		api:            api,
		clock:          clock.Real{},
		logger:         slog.Default(),
		ids:            ids.UUIDv7Generator{},
		policy:         retry.DefaultPolicy(),
		pollInterval:   poll.DefaultInterval,
		heartbeat:      push.DefaultHeartbeat,
		ttl:            overlay.DefaultTTL,
		expiryInterval: DefaultExpiryInterval,
		queue:          newEventQueue(),
		stopped:        make(chan struct{}),
		feeds:          make(map[string]*feed),
		pending:        make(map[string]*submission),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = store.New()
	e.dispatcher = notify.NewDispatcher(notify.WithLogger(e.logger))
	e.overlay = overlay.New(e.store,
		overlay.WithReporter(e.dispatcher),
		overlay.WithIDs(e.ids),
		overlay.WithClock(e.clock),
		overlay.WithTTL(e.ttl),
		overlay.WithLogger(e.logger),
	)
	e.store.SetProjector(e.overlay)
	e.merger = merge.New(e.store, e.overlay,
		merge.WithNotifier(e.dispatcher),
		merge.WithClock(e.clock),
		merge.WithLogger(e.logger),
	)
	e.retry = retry.NewScheduler(retry.WithClock(e.clock), retry.WithLogger(e.logger))
	e.subscriber = push.NewSubscriber(source,
		push.WithClock(e.clock),
		push.WithHeartbeat(e.heartbeat),
		push.WithRetry(e.retry, retry.ResubscribePolicy()),
		push.WithLogger(e.logger),
		push.WithStateListener(func(d push.Descriptor) {
			e.queue.Enqueue(Event{Type: EventTypeChannelState, Feed: d.Key(), Channel: &d})
		}),
		push.WithResyncListener(func(kind entity.Kind, filter entity.Filter) {
			e.queue.Enqueue(Event{Type: EventTypeResync, Feed: entity.FeedKey(kind, filter)})
		}),
	)
	return e
}

// Run starts the single-writer event loop and blocks until ctx is
// cancelled or Stop is called. All feeds are torn down before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return &Error{Code: ErrCodeStopped, Message: "engine already started or stopped"}
	}
	ctx, cancel := context.WithCancel(ctx)
	e.runCtx = ctx
	defer e.shutdown(cancel)

	e.logger.Info("engine starting",
		"poll_interval", e.pollInterval, "heartbeat", e.heartbeat, "overlay_ttl", e.ttl)

	var (
		expiry <-chan time.Time
		timer  clock.Timer
	)
	if e.expiryInterval > 0 {
		timer = e.clock.NewTimer(e.expiryInterval)
		defer timer.Stop()
		expiry = timer.C()
	}
	return e.loop(ctx, expiry, timer)
}

func (e *Engine) loop(ctx context.Context, expiry <-chan time.Time, timer clock.Timer) error {
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.processEvent(ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-expiry:
			e.merger.Expire(e.clock.Now())
			timer.Reset(e.expiryInterval)

		case <-e.queue.Wait():
			// The signal channel is closed with the queue, so a closed and
			// drained queue ends the loop.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run processes what is already queued, then
// returns. Stop before Run makes Run return immediately.
func (e *Engine) Stop() {
	e.queue.Close()
	if e.started.CompareAndSwap(false, true) {
		close(e.stopped)
	}
}

// Done is closed once the engine has shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	e.queue.Close()
	for key, f := range e.feeds {
		f.refresher.Stop()
		delete(e.feeds, key)
	}
	e.subscriber.Close()
	cancel()
	e.retry.Close()
	e.wg.Wait()

	// Every retry handle has finished; settle what the loop did not see.
	e.queue.Drain()
	for _, s := range e.pending {
		e.handleOutcome(s.outcome())
	}
	e.merger.Close()
	close(e.stopped)
	e.logger.Info("engine stopped")
}

// processEvent routes an event to its handler. It runs only on the loop
// goroutine.
func (e *Engine) processEvent(ev Event) {
	switch ev.Type {
	case EventTypeCall:
		if ev.call.claim() {
			ev.call.fn()
		}
		close(ev.call.done)

	case EventTypePush:
		if e.current(ev) == nil {
			return
		}
		e.merger.ApplyEvent(*ev.Change)

	case EventTypePoll:
		f := e.current(ev)
		if f == nil {
			return
		}
		res := ev.Poll
		f.lastPollAt = res.At
		f.lastPollErr = res.Err
		if res.Err != nil {
			return
		}
		applied, removed := e.merger.ApplyResync(res.Kind, res.Filter, res.Items, res.Watermark, res.Complete)
		e.logger.Debug("poll merged", "feed", f.key, "items", len(res.Items), "applied", applied, "removed", removed)

	case EventTypeChannelState:
		f, ok := e.feeds[ev.Feed]
		if !ok {
			return
		}
		// A closing channel from an earlier generation can report after its
		// replacement; the subscriber holds the current state.
		d, open := e.subscriber.State(f.kind, f.filter)
		if !open {
			return
		}
		f.refresher.SetChannelState(d.State)

	case EventTypeResync:
		f, ok := e.feeds[ev.Feed]
		if !ok {
			return
		}
		if err := f.refresher.Resync(); err != nil {
			e.logger.Debug("resync skipped", "feed", f.key, "error", err)
		}

	case EventTypeOutcome:
		e.handleOutcome(ev.Outcome)

	case EventTypeRetrying:
		if s, ok := e.pending[ev.Outcome.MutationID]; ok {
			s.retrying = true
			s.attempt = ev.Outcome.Attempts
			s.lastErr = ev.Outcome.Err
		}

	default:
		e.logger.Error("unknown event type", "type", ev.Type)
	}
}

// current returns the feed an event belongs to, or nil when that
// generation was torn down.
func (e *Engine) current(ev Event) *feed {
	f, ok := e.feeds[ev.Feed]
	if !ok || f.gen != ev.Gen {
		return nil
	}
	return f
}

// do runs fn on the loop and waits for it. If ctx ends or the engine stops
// first, fn is abandoned and never runs.
func (e *Engine) do(ctx context.Context, fn func()) error {
	c := newCall(fn)
	if !e.queue.Enqueue(Event{Type: EventTypeCall, call: c}) {
		return errStopped()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		if c.claim() {
			return ctx.Err()
		}
	case <-e.stopped:
		if c.claim() {
			return errStopped()
		}
	}
	<-c.done
	return nil
}

// post queues fn without waiting.
func (e *Engine) post(fn func()) bool {
	return e.queue.Enqueue(Event{Type: EventTypeCall, call: newCall(fn)})
}

// Watch attaches to the feed for (kind, filter), opening its push
// subscription and poll refresher on first use. The returned function
// detaches; it is idempotent and never blocks.
func (e *Engine) Watch(ctx context.Context, kind entity.Kind, filter entity.Filter) (func(), error) {
	if _, err := entity.ParseKind(string(kind)); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Message: "watch", Err: err}
	}
	var (
		f    *feed
		ferr error
	)
	if err := e.do(ctx, func() { f, ferr = e.attach(kind, filter) }); err != nil {
		return nil, err
	}
	if ferr != nil {
		return nil, ferr
	}

	key, gen := f.key, f.gen
	var once sync.Once
	return func() {
		once.Do(func() {
			e.post(func() { e.detach(key, gen) })
		})
	}, nil
}

func (e *Engine) attach(kind entity.Kind, filter entity.Filter) (*feed, error) {
	key := entity.FeedKey(kind, filter)
	if f, ok := e.feeds[key]; ok {
		f.watchers++
		return f, nil
	}

	e.nextGen++
	gen := e.nextGen
	f := &feed{
		key:      key,
		kind:     kind,
		filter:   filter.Clone(),
		gen:      gen,
		watchers: 1,
		openedAt: e.clock.Now(),
	}
	opts := append([]poll.Option{
		poll.WithClock(e.clock),
		poll.WithLogger(e.logger),
		poll.WithWatermark(e.store.Watermark),
	}, e.pollOpts...)
	f.refresher = poll.New(e.api, func(res poll.Result) {
		e.queue.Enqueue(Event{Type: EventTypePoll, Feed: key, Gen: gen, Poll: &res})
	}, opts...)
	if _, err := f.refresher.Start(e.runCtx, kind, f.filter, e.pollInterval); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Message: "start refresher for " + key, Err: err}
	}
	e.feeds[key] = f
	f.sub = e.subscriber.Subscribe(kind, f.filter, func(ev entity.ChangeEvent) {
		e.queue.Enqueue(Event{Type: EventTypePush, Feed: key, Gen: gen, Change: &ev})
	})
	// Show server data without waiting for the push channel.
	if err := f.refresher.Resync(); err != nil {
		e.logger.Warn("initial resync failed", "feed", key, "error", err)
	}
	e.logger.Info("feed opened", "feed", key, "generation", gen)
	return f, nil
}

func (e *Engine) detach(key string, gen uint64) {
	f, ok := e.feeds[key]
	if !ok || f.gen != gen {
		return
	}
	f.watchers--
	if f.watchers > 0 {
		return
	}
	delete(e.feeds, key)
	e.subscriber.Unsubscribe(f.sub)
	f.refresher.Stop()
	e.logger.Info("feed closed", "feed", key, "generation", gen)
}

// Snapshot returns the displayed entities of a feed, newest first.
func (e *Engine) Snapshot(kind entity.Kind, filter entity.Filter) []entity.Entity {
	return e.store.Snapshot(kind, filter)
}

// Get returns the displayed view of one entity.
func (e *Engine) Get(kind entity.Kind, id string) (entity.Entity, bool) {
	return e.store.Get(kind, id)
}

// Subscribe registers a listener for view changes. Listeners run while the
// loop is applying a change and must not call blocking engine methods.
func (e *Engine) Subscribe(l store.Listener) func() {
	return e.store.Subscribe(l)
}

// Notifications returns the dispatcher for transition alerts and mutation
// failures.
func (e *Engine) Notifications() *notify.Dispatcher {
	return e.dispatcher
}
