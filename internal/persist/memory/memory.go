// Package memory is an in-process persistence backend. It backs the demo
// server and the scenario harness and applies the same mutation rules as
// the SQL backends.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

// Backend implements persist.API and persist.DeviceRegistry in memory.
type Backend struct {
	validator *persist.Validator
	now       func() time.Time

	mu        sync.Mutex
	entities  map[entity.Key]entity.Entity
	mutations map[string]entity.Entity
	devices   map[string]persist.Device
	listeners []persist.CommitListener
}

// Option configures a Backend.
type Option func(*Backend)

// WithNow sets the time source stamped on commits.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithValidator sets the payload validator.
func WithValidator(v *persist.Validator) Option {
	return func(b *Backend) {
		b.validator = v
	}
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		now:       time.Now,
		entities:  make(map[entity.Key]entity.Entity),
		mutations: make(map[string]entity.Entity),
		devices:   make(map[string]persist.Device),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.validator == nil {
		b.validator = persist.MustValidator()
	}
	return b
}

// OnCommit registers a listener. Listeners run synchronously after the
// write, outside the backend lock, in commit order.
func (b *Backend) OnCommit(l persist.CommitListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// CreateMutation implements persist.API.
func (b *Backend) CreateMutation(ctx context.Context, req persist.Request) (entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return entity.Entity{}, persist.Wrap(persist.CodeTimeout, "create mutation", err)
	}
	if err := b.validator.Validate(req); err != nil {
		return entity.Entity{}, err
	}

	b.mu.Lock()
	if prior, ok := b.mutations[req.MutationID]; ok {
		b.mu.Unlock()
		return prior.Clone(), nil
	}
	key := entity.Key{Kind: req.Kind, ID: req.EntityID}
	var current *entity.Entity
	if e, ok := b.entities[key]; ok {
		current = &e
	}
	next, err := persist.Apply(current, req, b.now())
	if err != nil {
		b.mu.Unlock()
		return entity.Entity{}, err
	}
	b.entities[key] = next
	b.mutations[req.MutationID] = next
	c := persist.Commit{Op: entity.OpUpdate, Before: current, After: ptr(next.Clone()), MutationID: req.MutationID, At: next.UpdatedAt}
	if current == nil {
		c.Op = entity.OpInsert
	}
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
	return next.Clone(), nil
}

// FetchCollection implements persist.API.
func (b *Backend) FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (persist.Page, error) {
	if err := ctx.Err(); err != nil {
		return persist.Page{}, persist.Wrap(persist.CodeTimeout, "fetch collection", err)
	}
	b.mu.Lock()
	items := make([]entity.Entity, 0, len(b.entities))
	for key, e := range b.entities {
		if key.Kind == kind && filter.Match(e) {
			items = append(items, e.Clone())
		}
	}
	b.mu.Unlock()
	slices.SortFunc(items, entity.CompareFeed)
	return persist.Paginate(items, cursor, limit)
}

// Put stores e as-is, bypassing mutation rules, and notifies listeners.
// It is how fixtures and server-side actors such as the kitchen write.
func (b *Backend) Put(e entity.Entity) {
	b.mu.Lock()
	key := e.Key()
	var before *entity.Entity
	if prev, ok := b.entities[key]; ok {
		before = &prev
	}
	b.entities[key] = e.Clone()
	c := persist.Commit{Op: entity.OpUpdate, Before: before, After: ptr(e.Clone()), At: e.UpdatedAt}
	if before == nil {
		c.Op = entity.OpInsert
	}
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
}

// Delete removes an entity and notifies listeners. It reports whether the
// entity existed.
func (b *Backend) Delete(kind entity.Kind, id string) bool {
	b.mu.Lock()
	key := entity.Key{Kind: kind, ID: id}
	prev, ok := b.entities[key]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.entities, key)
	c := persist.Commit{Op: entity.OpDelete, Before: &prev, At: b.now().UTC()}
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
	return true
}

// Get returns the stored entity.
func (b *Backend) Get(kind entity.Kind, id string) (entity.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[entity.Key{Kind: kind, ID: id}]
	return e.Clone(), ok
}

// RegisterDevice implements persist.DeviceRegistry. Registering an existing
// token moves it to the new user.
func (b *Backend) RegisterDevice(ctx context.Context, d persist.Device) error {
	if err := ctx.Err(); err != nil {
		return persist.Wrap(persist.CodeTimeout, "register device", err)
	}
	if d.Token == "" || d.UserID == "" {
		return persist.Errorf(persist.CodeValidation, "device requires user_id and token")
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = b.now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.Token] = d
	return nil
}

// UnregisterDevice implements persist.DeviceRegistry. Unknown tokens are
// not an error.
func (b *Backend) UnregisterDevice(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return persist.Wrap(persist.CodeTimeout, "unregister device", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, token)
	return nil
}

// Devices returns the registered devices of a user ordered by token.
func (b *Backend) Devices(userID string) []persist.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []persist.Device
	for _, d := range b.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b persist.Device) int {
		switch {
		case a.Token < b.Token:
			return -1
		case a.Token > b.Token:
			return 1
		}
		return 0
	})
	return out
}

func ptr(e entity.Entity) *entity.Entity {
	return &e
}
