package push_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/push"
	"github.com/roach88/wolfpack/internal/testutil"
)

const waitFor = 2 * time.Second

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clock.Fake
	source  *testutil.ScriptedSource
	sub     *push.Subscriber
	states  chan push.Descriptor
	resyncs chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewFake(t0),
		source:  testutil.NewScriptedSource(),
		states:  make(chan push.Descriptor, 128),
		resyncs: make(chan string, 16),
	}
	f.sub = push.NewSubscriber(f.source,
		push.WithClock(f.clock),
		push.WithHeartbeat(15*time.Second),
		push.WithIDs(testutil.NewSequentialGenerator("sub")),
		push.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		push.WithStateListener(func(d push.Descriptor) { f.states <- d }),
		push.WithResyncListener(func(kind entity.Kind, filter entity.Filter) {
			f.resyncs <- entity.FeedKey(kind, filter)
		}),
	)
	t.Cleanup(f.sub.Close)
	return f
}

func (f *fixture) waitState(t *testing.T, want push.State) push.Descriptor {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case d := <-f.states:
			if d.State == want {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (f *fixture) waitResync(t *testing.T) string {
	t.Helper()
	select {
	case key := <-f.resyncs:
		return key
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for resync")
		return ""
	}
}

type collector struct {
	mu  sync.Mutex
	got []entity.ChangeEvent
	ch  chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) handle(ev entity.ChangeEvent) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []entity.ChangeEvent {
	t.Helper()
	for {
		c.mu.Lock()
		if len(c.got) >= n {
			out := append([]entity.ChangeEvent(nil), c.got...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func order(id string, version int64, status entity.Status) entity.Entity {
	return entity.Order{
		ID: id, Version: version, Status: status, UserID: "u-1", LocationID: "loc-1",
		Items:       []entity.OrderItem{{ItemID: "A", Qty: 1, UnitPrice: 500}},
		TotalAmount: 500, CreatedAt: t0, UpdatedAt: t0,
	}.Entity()
}

func TestSubscriber_ResyncBeforeFirstEvent(t *testing.T) {
	f := newFixture(t)
	c := newCollector()

	f.sub.Subscribe(entity.KindOrder, entity.Filter{"user_id": "u-1"}, c.handle)
	require.True(t, f.source.WaitStreams(1, waitFor))
	assert.Equal(t, "order?user_id=u-1", f.waitResync(t))
	f.waitState(t, push.StateLive)

	st := f.source.Current()
	assert.Equal(t, entity.Filter{"user_id": "u-1"}, st.Filter)
	st.Insert(order("o-1", 1, entity.OrderPending), "m-1")

	got := c.wait(t, 1)
	assert.Equal(t, "o-1", got[0].After.ID)
	assert.Equal(t, "m-1", got[0].MutationID)
}

func TestSubscriber_SilenceStallsAndHeartbeatRevives(t *testing.T) {
	f := newFixture(t)
	f.sub.Subscribe(entity.KindOrder, nil, func(entity.ChangeEvent) {})
	require.True(t, f.source.WaitStreams(1, waitFor))
	f.waitState(t, push.StateLive)
	assert.Equal(t, 30*time.Second, f.sub.StallThreshold())

	f.clock.BlockUntil(1)
	f.clock.Advance(29 * time.Second)
	d, ok := f.sub.State(entity.KindOrder, nil)
	require.True(t, ok)
	assert.Equal(t, push.StateLive, d.State)

	f.clock.Advance(time.Second)
	d = f.waitState(t, push.StateStalled)
	assert.True(t, d.State.Degraded())
	assert.Equal(t, t0, d.LastEventAt)

	f.source.Current().Heartbeat()
	d = f.waitState(t, push.StateLive)
	assert.Equal(t, t0.Add(30*time.Second), d.LastEventAt)
}

func TestSubscriber_ClosedStreamResubscribesWithResync(t *testing.T) {
	f := newFixture(t)
	c := newCollector()
	f.sub.Subscribe(entity.KindPost, nil, c.handle)
	require.True(t, f.source.WaitStreams(1, waitFor))
	f.waitResync(t)
	f.waitState(t, push.StateLive)

	f.source.Current().Kill(testutil.ErrScripted)
	f.waitState(t, push.StateClosed)
	assert.True(t, f.source.Stream(0).Closed())

	// Backoff before resubscribing runs on the clock.
	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	require.True(t, f.source.WaitStreams(2, waitFor))
	f.waitResync(t)
	d := f.waitState(t, push.StateLive)
	assert.Equal(t, 1, d.Resubscribes)

	f.source.Current().Insert(entity.Post{ID: "p-1", Version: 1, CreatedAt: t0}.Entity(), "")
	got := c.wait(t, 1)
	assert.Equal(t, "p-1", got[0].After.ID)
}

func TestSubscriber_SubscribeFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.source.FailNext(testutil.ErrScripted)
	f.sub.Subscribe(entity.KindPost, nil, func(entity.ChangeEvent) {})

	f.clock.BlockUntil(1)
	assert.Equal(t, 0, f.source.Streams())
	f.clock.Advance(time.Second)
	require.True(t, f.source.WaitStreams(1, waitFor))
	f.waitState(t, push.StateLive)
}

func TestSubscriber_SharesOneChannelPerFeed(t *testing.T) {
	f := newFixture(t)
	a, b := newCollector(), newCollector()

	idA := f.sub.Subscribe(entity.KindOrder, entity.Filter{"user_id": "u-1"}, a.handle)
	idB := f.sub.Subscribe(entity.KindOrder, entity.Filter{"user_id": "u-1"}, b.handle)
	assert.NotEqual(t, idA, idB)
	require.True(t, f.source.WaitStreams(1, waitFor))
	f.waitState(t, push.StateLive)

	d, ok := f.sub.State(entity.KindOrder, entity.Filter{"user_id": "u-1"})
	require.True(t, ok)
	assert.Equal(t, 2, d.Consumers)
	assert.Len(t, f.sub.Channels(), 1)

	f.source.Current().Insert(order("o-1", 1, entity.OrderPending), "")
	a.wait(t, 1)
	b.wait(t, 1)
	assert.Equal(t, 1, f.source.Streams())

	f.sub.Unsubscribe(idA)
	d, ok = f.sub.State(entity.KindOrder, entity.Filter{"user_id": "u-1"})
	require.True(t, ok)
	assert.Equal(t, 1, d.Consumers)

	f.sub.Unsubscribe(idB)
	f.sub.Unsubscribe(idB)
	_, ok = f.sub.State(entity.KindOrder, entity.Filter{"user_id": "u-1"})
	assert.False(t, ok)
	f.waitState(t, push.StateClosed)
}

func TestSubscriber_FiltersForeignEventsButKeepsDeletes(t *testing.T) {
	f := newFixture(t)
	c := newCollector()
	f.sub.Subscribe(entity.KindOrder, entity.Filter{"user_id": "u-1"}, c.handle)
	require.True(t, f.source.WaitStreams(1, waitFor))
	f.waitState(t, push.StateLive)

	other := order("o-9", 1, entity.OrderPending)
	other.Fields[entity.FieldUserID] = entity.String("u-2")

	st := f.source.Current()
	st.Insert(other, "")
	st.Insert(entity.Post{ID: "p-1", Version: 1, CreatedAt: t0}.Entity(), "")
	st.Emit(push.RawChange{Table: "orders", Type: "INSERT", New: map[string]any{"id": "o-bad", "status": "lost"}})
	st.Delete(entity.KindOrder, "o-9", 0)
	st.Insert(order("o-1", 1, entity.OrderPending), "")

	got := c.wait(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, entity.OpDelete, got[0].Op)
	assert.Equal(t, "o-9", got[0].Before.ID)
	assert.Equal(t, "o-1", got[1].After.ID)
}
