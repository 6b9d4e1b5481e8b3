package pgnotify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/push"
)

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

type fakeListener struct {
	mu        sync.Mutex
	channels  []string
	listenErr error
	pingErr   error
	closed    bool
	notes     chan *pq.Notification
}

func newFakeListener() *fakeListener {
	return &fakeListener{notes: make(chan *pq.Notification, 16)}
}

func (l *fakeListener) Listen(channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels = append(l.channels, channel)
	return l.listenErr
}

func (l *fakeListener) NotificationChannel() <-chan *pq.Notification { return l.notes }

func (l *fakeListener) Ping() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pingErr
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeListener) notify(payload string) {
	l.notes <- &pq.Notification{Channel: DefaultChannel, Extra: payload}
}

func newSource(l *fakeListener, c clock.Clock, heartbeat time.Duration) *Source {
	return New("postgres://unused",
		WithDialer(func(pq.EventCallbackType) Listener { return l }),
		WithClock(c),
		WithHeartbeat(heartbeat),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func recv(t *testing.T, s push.Stream) (push.RawChange, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.Recv(ctx)
}

const orderUpdate = `{"table":"orders","type":"UPDATE","new":{"id":"o-1","version":3,"status":"ready",` +
	`"created_at":"2026-03-14T13:00:00+00:00","updated_at":"2026-03-14T13:04:00.123456+00:00",` +
	`"user_id":"u-1","location_id":"loc-1","total_amount":1300,` +
	`"items":[{"item_id":"A","qty":2,"unit_price":450}],"last_mutation_id":"m-7"},` +
	`"commit_timestamp":"2026-03-14T13:04:00.2+00:00","mutation_id":"m-7"}`

func TestDecode_TriggerPayloadNormalizes(t *testing.T) {
	raw, err := Decode(orderUpdate)
	require.NoError(t, err)

	ev, err := push.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.OpUpdate, ev.Op)
	assert.Equal(t, "m-7", ev.MutationID)
	require.NotNil(t, ev.After)
	assert.Equal(t, int64(3), ev.After.Version)
	assert.Equal(t, entity.OrderReady, ev.After.Status)
	total, _ := ev.After.Fields.Int(entity.FieldTotalAmount)
	assert.Equal(t, int64(1300), total)
	_, hasMutation := ev.After.Fields["last_mutation_id"]
	assert.False(t, hasMutation)

	_, err = Decode(`{"type":"UPDATE"}`)
	assert.Error(t, err)
	_, err = Decode(`not json`)
	assert.Error(t, err)
}

func TestStream_FiltersByTableAndFilter(t *testing.T) {
	l := newFakeListener()
	src := newSource(l, clock.NewFake(t0), 0)
	s, err := src.Subscribe(context.Background(), entity.KindOrder, entity.Filter{"user_id": "u-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultChannel}, l.channels)

	l.notify(`{"table":"posts","type":"UPDATE","new":{"id":"p-1","version":2}}`)
	l.notify(`garbage`)
	l.notify(`{"table":"orders","type":"INSERT","new":{"id":"o-2","version":1,"user_id":"u-2"}}`)
	l.notify(orderUpdate)
	l.notify(`{"table":"orders","type":"DELETE","old":{"id":"o-9","version":4}}`)

	raw, err := recv(t, s)
	require.NoError(t, err)
	assert.Equal(t, "m-7", raw.MutationID)

	raw, err = recv(t, s)
	require.NoError(t, err)
	assert.Equal(t, "DELETE", raw.Type)
}

func TestStream_ReconnectEndsStream(t *testing.T) {
	l := newFakeListener()
	s, err := newSource(l, clock.NewFake(t0), 0).Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	l.notes <- nil
	_, err = recv(t, s)
	assert.ErrorIs(t, err, ErrReconnected)
}

func TestStream_HeartbeatPings(t *testing.T) {
	l := newFakeListener()
	fake := clock.NewFake(t0)
	s, err := newSource(l, fake, 15*time.Second).Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	fake.Advance(15 * time.Second)
	raw, err := recv(t, s)
	require.NoError(t, err)
	assert.True(t, raw.Heartbeat)
	assert.Equal(t, "posts", raw.Table)
	assert.Equal(t, t0.Add(15*time.Second), raw.CommitTimestamp)

	l.mu.Lock()
	l.pingErr = errors.New("connection reset")
	l.mu.Unlock()
	fake.Advance(15 * time.Second)
	_, err = recv(t, s)
	assert.ErrorContains(t, err, "connection reset")
}

func TestStream_CloseStopsRecv(t *testing.T) {
	l := newFakeListener()
	s, err := newSource(l, clock.NewFake(t0), time.Minute).Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, l.isClosed())

	_, err = recv(t, s)
	assert.ErrorIs(t, err, push.ErrStreamClosed)
}

func TestSource_ListenFailure(t *testing.T) {
	l := newFakeListener()
	l.listenErr = errors.New("permission denied")
	_, err := newSource(l, clock.NewFake(t0), 0).Subscribe(context.Background(), entity.KindPost, nil)
	assert.ErrorContains(t, err, "permission denied")
	assert.True(t, l.isClosed())
}
