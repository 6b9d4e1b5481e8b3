package testutil

import (
	"context"
	"sync"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

// FaultyAPI wraps a persist.API with scripted failures and a gate that
// holds calls until the test releases them.
type FaultyAPI struct {
	inner persist.API

	mu          sync.Mutex
	mutateFails []error
	fetchFails  []error
	gate        chan struct{}
	mutations   []persist.Request
	fetches     int
	entered     chan struct{}
}

// NewFaultyAPI wraps inner.
func NewFaultyAPI(inner persist.API) *FaultyAPI {
	return &FaultyAPI{inner: inner, entered: make(chan struct{}, 64)}
}

// FailMutations makes the next CreateMutation calls fail in order. A nil
// entry lets that call through.
func (a *FaultyAPI) FailMutations(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutateFails = append(a.mutateFails, errs...)
}

// FailFetches makes the next FetchCollection calls fail in order.
func (a *FaultyAPI) FailFetches(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchFails = append(a.fetchFails, errs...)
}

// Hold blocks every CreateMutation call until release is called. Held
// calls still honor their context.
func (a *FaultyAPI) Hold() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.gate == gate {
				a.gate = nil
			}
			a.mu.Unlock()
			close(gate)
		})
	}
}

// Entered receives one value per CreateMutation call as it starts.
func (a *FaultyAPI) Entered() <-chan struct{} {
	return a.entered
}

// Mutations returns every request received, failed ones included.
func (a *FaultyAPI) Mutations() []persist.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]persist.Request, len(a.mutations))
	copy(out, a.mutations)
	return out
}

// Fetches returns how many FetchCollection calls were made.
func (a *FaultyAPI) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// CreateMutation implements persist.API.
func (a *FaultyAPI) CreateMutation(ctx context.Context, req persist.Request) (entity.Entity, error) {
	a.mu.Lock()
	a.mutations = append(a.mutations, req)
	gate := a.gate
	var fail error
	if len(a.mutateFails) > 0 {
		fail = a.mutateFails[0]
		a.mutateFails = a.mutateFails[1:]
	}
	a.mu.Unlock()

	select {
	case a.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return entity.Entity{}, persist.Wrap(persist.CodeTimeout, "create mutation", ctx.Err())
		}
	}
	if fail != nil {
		return entity.Entity{}, fail
	}
	return a.inner.CreateMutation(ctx, req)
}

// FetchCollection implements persist.API.
func (a *FaultyAPI) FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (persist.Page, error) {
	a.mu.Lock()
	a.fetches++
	var fail error
	if len(a.fetchFails) > 0 {
		fail = a.fetchFails[0]
		a.fetchFails = a.fetchFails[1:]
	}
	a.mu.Unlock()
	if fail != nil {
		return persist.Page{}, fail
	}
	return a.inner.FetchCollection(ctx, kind, filter, cursor, limit)
}
