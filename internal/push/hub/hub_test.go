package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/push"
)

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, s push.Stream) push.RawChange {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := s.Recv(ctx)
	require.NoError(t, err)
	return raw
}

func orderCommit(user string, status entity.Status) persist.Commit {
	o := entity.Order{ID: "o-1", Version: 2, Status: status, UserID: user, CreatedAt: t0, UpdatedAt: t0}.Entity()
	return persist.Commit{Op: entity.OpUpdate, After: &o, MutationID: "m-1", At: t0}
}

func TestHub_PublishRoutesByKindAndFilter(t *testing.T) {
	h := New(WithLogger(quiet()))
	ctx := context.Background()

	mine, err := h.Subscribe(ctx, entity.KindOrder, entity.Filter{"user_id": "u-1"})
	require.NoError(t, err)
	posts, err := h.Subscribe(ctx, entity.KindPost, nil)
	require.NoError(t, err)

	h.Publish(orderCommit("u-2", entity.OrderReady))
	h.Publish(orderCommit("u-1", entity.OrderReady))

	raw := recv(t, mine)
	assert.Equal(t, "orders", raw.Table)
	assert.Equal(t, "UPDATE", raw.Type)
	assert.Equal(t, "m-1", raw.MutationID)

	ev, err := push.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderReady, ev.After.Status)
	user, _ := ev.After.Fields.String(entity.FieldUserID)
	assert.Equal(t, "u-1", user)

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = posts.Recv(ctx2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_DeleteIsNormalizable(t *testing.T) {
	p := entity.Post{ID: "p-1", Version: 3, CreatedAt: t0}.Entity()
	raw := RawFromCommit(persist.Commit{Op: entity.OpDelete, Before: &p, At: t0})

	ev, err := push.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.OpDelete, ev.Op)
	assert.Equal(t, int64(3), ev.Version())
}

func TestHub_HeartbeatsOnClock(t *testing.T) {
	fc := clock.NewFake(t0)
	h := New(WithClock(fc), WithHeartbeat(15*time.Second), WithLogger(quiet()))
	s, err := h.Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	fc.BlockUntil(1)
	fc.Advance(15 * time.Second)
	assert.True(t, recv(t, s).Heartbeat)

	cancel()
	<-done
}

func TestHub_DisconnectAndDown(t *testing.T) {
	h := New(WithLogger(quiet()))
	s, err := h.Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	h.Disconnect()
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, push.ErrStreamClosed)
	assert.Zero(t, h.Streams())

	h.SetDown(true)
	_, err = h.Subscribe(context.Background(), entity.KindPost, nil)
	assert.Equal(t, persist.CodeUnavailable, persist.CodeOf(err))
	h.SetDown(false)
	_, err = h.Subscribe(context.Background(), entity.KindPost, nil)
	require.NoError(t, err)

	h.Close()
	_, err = h.Subscribe(context.Background(), entity.KindPost, nil)
	assert.ErrorIs(t, err, push.ErrStreamClosed)
}

func TestHub_SlowConsumerIsCutOff(t *testing.T) {
	h := New(WithBuffer(2), WithLogger(quiet()))
	s, err := h.Subscribe(context.Background(), entity.KindOrder, nil)
	require.NoError(t, err)

	for range 3 {
		h.Publish(orderCommit("u-1", entity.OrderPreparing))
	}
	recv(t, s)
	recv(t, s)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSlowConsumer)
}
