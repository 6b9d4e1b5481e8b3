package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/persist/memory"
	"github.com/roach88/wolfpack/internal/push"
)

func TestSequentialGenerator(t *testing.T) {
	g := NewSequentialGenerator("m")
	assert.Equal(t, "m-1", g.Generate())
	assert.Equal(t, "m-2", g.Generate())
	assert.Equal(t, 2, g.Issued())

	assert.Equal(t, "id-1", NewSequentialGenerator("").Generate())
}

func TestSequentialGenerator_ThreadSafe(t *testing.T) {
	g := NewSequentialGenerator("x")
	seen := sync.Map{}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, dup := seen.LoadOrStore(g.Generate(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, g.Issued())
}

func TestScriptedSource_DeliversThenKills(t *testing.T) {
	src := NewScriptedSource()
	ctx := context.Background()

	s, err := src.Subscribe(ctx, entity.KindPost, nil)
	require.NoError(t, err)
	st := src.Current()
	st.Heartbeat()
	st.Kill(nil)

	raw, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, raw.Heartbeat)

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, push.ErrStreamClosed)
}

func TestScriptedSource_FailNext(t *testing.T) {
	src := NewScriptedSource()
	src.FailNext(ErrScripted)

	_, err := src.Subscribe(context.Background(), entity.KindOrder, nil)
	assert.ErrorIs(t, err, ErrScripted)
	assert.Equal(t, 0, src.Streams())

	_, err = src.Subscribe(context.Background(), entity.KindOrder, nil)
	require.NoError(t, err)
	assert.True(t, src.WaitStreams(1, time.Second))
}

func TestFaultyAPI_HoldAndFail(t *testing.T) {
	api := NewFaultyAPI(memory.New())
	req := persist.Request{MutationID: "m-1", Kind: entity.KindPost, Op: persist.OpLike, EntityID: "p-1"}

	api.FailMutations(ErrScripted)
	_, err := api.CreateMutation(context.Background(), req)
	assert.ErrorIs(t, err, ErrScripted)

	release := api.Hold()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = api.CreateMutation(ctx, req)
	assert.Equal(t, persist.CodeTimeout, persist.CodeOf(err))
	release()
	release()

	_, err = api.CreateMutation(context.Background(), req)
	assert.True(t, persist.IsNotFound(err), "post p-1 does not exist")
	assert.Len(t, api.Mutations(), 3)
}
