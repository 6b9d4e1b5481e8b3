package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/persist"
)

type memRegistry struct {
	mu         sync.Mutex
	devices    map[string]persist.Device
	registered atomic.Int32
	fail       error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{devices: make(map[string]persist.Device)}
}

func (m *memRegistry) RegisterDevice(_ context.Context, d persist.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.registered.Add(1)
	m.devices[d.Token] = d
	return nil
}

func (m *memRegistry) UnregisterDevice(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, token)
	return nil
}

func (m *memRegistry) has(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[token]
	return ok
}

func TestRegistrar_RequiresInit(t *testing.T) {
	r := NewRegistrar("u-1", TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil }), newMemRegistry())
	_, err := r.EnsureRegistered(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRegistrar_ConcurrentCallsShareOneRegistration(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := TokenSourceFunc(func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "tok-1", nil
	})
	reg := newMemRegistry()
	r := NewRegistrar("u-1", src, reg)
	require.NoError(t, r.Init())
	require.NoError(t, r.Init())

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := r.EnsureRegistered(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), reg.registered.Load())
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}

	tok, err := r.EnsureRegistered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistrar_FailureIsRetried(t *testing.T) {
	reg := newMemRegistry()
	reg.fail = errors.New("messaging unavailable")
	r := NewRegistrar("u-1", TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil }), reg)
	require.NoError(t, r.Init())

	_, err := r.EnsureRegistered(context.Background())
	require.Error(t, err)
	assert.False(t, r.Registered())

	reg.mu.Lock()
	reg.fail = nil
	reg.mu.Unlock()

	tok, err := r.EnsureRegistered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestRegistrar_CallerContextBoundsWait(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewRegistrar("u-1", TokenSourceFunc(func(context.Context) (string, error) {
		<-block
		return "tok", nil
	}), newMemRegistry())
	require.NoError(t, r.Init())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.EnsureRegistered(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistrar_ShutdownUnregisters(t *testing.T) {
	reg := newMemRegistry()
	r := NewRegistrar("u-1", TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil }), reg,
		WithPlatform("ios"))
	require.NoError(t, r.Init())

	_, err := r.EnsureRegistered(context.Background())
	require.NoError(t, err)
	require.True(t, reg.has("tok"))
	assert.Equal(t, "ios", reg.devices["tok"].Platform)

	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, reg.has("tok"))

	_, err = r.EnsureRegistered(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, r.Init(), ErrShutdown)
}
