// Package poll refreshes a feed by periodically fetching it from the
// persistence API. It is the fallback path when push is degraded and the
// repair path after a resubscribe.
package poll

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

// Defaults.
const (
	DefaultInterval         = 30 * time.Second
	DefaultDegradedInterval = 5 * time.Second
	DefaultPageSize         = 50
	DefaultMaxPages         = 20
	DefaultFetchTimeout     = 10 * time.Second
)

var (
	// ErrRunning is returned by Start on a refresher that is already running.
	ErrRunning = errors.New("refresher already running")

	// ErrNotRunning is returned by Resync on a stopped refresher.
	ErrNotRunning = errors.New("refresher not running")
)

// Result is the outcome of one fetch.
//
// A Complete result holds every entity matching the filter as of the fetch
// and may be used to prune. Watermark is the store write clock captured
// before the fetch started; entities written after it must not be pruned.
type Result struct {
	Kind      entity.Kind
	Filter    entity.Filter
	Items     []entity.Entity
	Complete  bool
	Watermark int64
	Token     uint64
	At        time.Time
	Err       error
}

// Sink receives results on the refresher goroutine. It must not call Stop.
type Sink func(Result)

// Refresher polls one (kind, filter) feed.
type Refresher struct {
	api          persist.API
	sink         Sink
	clock        clock.Clock
	logger       *slog.Logger
	degraded     time.Duration
	pageSize     int
	maxPages     int
	fetchTimeout time.Duration
	watermark    func() int64

	mu       sync.Mutex
	kind     entity.Kind
	filter   entity.Filter
	interval time.Duration
	state    push.State
	token    uint64
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	reset    chan struct{}
	resync   chan struct{}

	// deliverMu serializes delivery against Stop.
	deliverMu sync.Mutex
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithClock sets the clock driving the poll timer.
func WithClock(c clock.Clock) Option {
	return func(r *Refresher) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = l
	}
}

// WithDegradedInterval sets the interval used while push is not live.
func WithDegradedInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.degraded = d
		}
	}
}

// WithPageSize sets how many entities one tick fetches.
func WithPageSize(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxPages bounds the pages a resync follows.
func WithMaxPages(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

// WithFetchTimeout bounds each FetchCollection call.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithWatermark sets the function sampled before each resync.
func WithWatermark(fn func() int64) Option {
	return func(r *Refresher) {
		r.watermark = fn
	}
}

// New creates a stopped refresher delivering to sink.
func New(api persist.API, sink Sink, opts ...Option) *Refresher {
	r := &Refresher{
		api:          api,
		sink:         sink,
		clock:        clock.Real{},
		logger:       slog.Default(),
		degraded:     DefaultDegradedInterval,
		pageSize:     DefaultPageSize,
		maxPages:     DefaultMaxPages,
		fetchTimeout: DefaultFetchTimeout,
		watermark:    func() int64 { return 0 },
		interval:     DefaultInterval,
		state:        push.StateConnecting,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins polling kind/filter every interval while push is live, and
// at the degraded interval otherwise. A zero interval uses DefaultInterval.
// The returned token identifies results of this run.
func (r *Refresher) Start(ctx context.Context, kind entity.Kind, filter entity.Filter, interval time.Duration) (uint64, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.kind = kind
	r.filter = filter.Clone()
	r.interval = interval
	r.token++
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.reset = make(chan struct{}, 1)
	r.resync = make(chan struct{}, 1)
	token, done, reset, resync := r.token, r.done, r.reset, r.resync
	r.mu.Unlock()

	go r.loop(ctx, token, done, reset, resync)
	return token, nil
}

// Stop cancels polling and waits for the loop to exit. No result is
// delivered after Stop returns. Stopping a stopped refresher is a no-op.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.token++
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.deliverMu.Lock()
	r.deliverMu.Unlock()
}

// Token returns the liveness token of the current run.
func (r *Refresher) Token() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Running reports whether the refresher is polling.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Interval returns the current polling interval.
func (r *Refresher) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentInterval()
}

func (r *Refresher) currentInterval() time.Duration {
	if r.state.Degraded() {
		return r.degraded
	}
	return r.interval
}

// SetChannelState records the push channel health. A demotion from live
// restarts the pending wait so the next poll comes within the degraded
// interval.
func (r *Refresher) SetChannelState(st push.State) {
	r.mu.Lock()
	demoted := !r.state.Degraded() && st.Degraded()
	r.state = st
	reset := r.reset
	r.mu.Unlock()

	if demoted && reset != nil {
		select {
		case reset <- struct{}{}:
		default:
		}
	}
}

// Resync requests a full fetch. Concurrent requests coalesce.
func (r *Refresher) Resync() error {
	r.mu.Lock()
	running, resync := r.running, r.resync
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case resync <- struct{}{}:
	default:
	}
	return nil
}

func (r *Refresher) loop(ctx context.Context, token uint64, done, reset, resync chan struct{}) {
	defer close(done)
	timer := r.clock.NewTimer(r.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			timer.Reset(r.Interval())
		case <-resync:
			r.deliver(ctx, token, r.fetchAll(ctx, token))
			timer.Reset(r.Interval())
		case <-timer.C():
			r.deliver(ctx, token, r.fetchPage(ctx, token))
			timer.Reset(r.Interval())
		}
	}
}

func (r *Refresher) feed() (entity.Kind, entity.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kind, r.filter.Clone()
}

// fetchPage fetches the newest page. A feed that fits in one page yields a
// complete result.
func (r *Refresher) fetchPage(ctx context.Context, token uint64) Result {
	kind, filter := r.feed()
	res := Result{Kind: kind, Filter: filter, Token: token, Watermark: r.watermark()}
	page, err := r.fetch(ctx, kind, filter, "")
	res.At = r.clock.Now()
	if err != nil {
		res.Err = err
		return res
	}
	res.Items = page.Items
	res.Complete = page.NextCursor == ""
	return res
}

// fetchAll follows cursors up to maxPages. The result is complete only if
// the last page was reached.
func (r *Refresher) fetchAll(ctx context.Context, token uint64) Result {
	kind, filter := r.feed()
	res := Result{Kind: kind, Filter: filter, Token: token, Watermark: r.watermark()}
	cursor := ""
	for range r.maxPages {
		page, err := r.fetch(ctx, kind, filter, cursor)
		if err != nil {
			res.At = r.clock.Now()
			res.Err = err
			return res
		}
		res.Items = append(res.Items, page.Items...)
		if page.NextCursor == "" {
			res.Complete = true
			break
		}
		cursor = page.NextCursor
	}
	if !res.Complete {
		r.logger.Warn("resync truncated", "feed", entity.FeedKey(kind, filter), "pages", r.maxPages)
	}
	res.At = r.clock.Now()
	return res
}

func (r *Refresher) fetch(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string) (persist.Page, error) {
	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	page, err := r.api.FetchCollection(fctx, kind, filter, cursor, r.pageSize)
	if err != nil {
		return persist.Page{}, err
	}
	return page, nil
}

// deliver hands res to the sink unless the run it belongs to has ended.
func (r *Refresher) deliver(ctx context.Context, token uint64, res Result) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if ctx.Err() != nil || r.Token() != token {
		return
	}
	if res.Err != nil {
		r.logger.Warn("poll failed", "feed", entity.FeedKey(res.Kind, res.Filter), "error", res.Err)
	}
	r.sink(res)
}
