// Package overlay tracks optimistic mutations that the server has not yet
// confirmed.
//
// Entries are never persisted. Each entry holds a forward delta, composed
// onto the store's base value to produce the displayed view, and a rollback
// delta that describes how to undo it. The overlay is the store's
// Projector: undoing an entry means removing it and recomputing the view
// from the base and the remaining entries, so rollback restores the exact
// pre-mutation view even if the base moved in the meantime.
//
// At most one entry may be outstanding per (entity, op kind): a second
// "like" while the first is in flight is rejected, never double-applied.
package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/ids"
	"github.com/roach88/wolfpack/internal/notify"
	"github.com/roach88/wolfpack/internal/persist"
)

// DefaultTTL bounds how long an unconfirmed entry is displayed.
const DefaultTTL = 90 * time.Second

var (
	// ErrInFlight is returned when an entry for the same entity and op kind
	// is still outstanding.
	ErrInFlight = errors.New("a mutation of this kind is already in flight for this entity")

	// ErrServerOwnedStatus is returned for optimistic status changes on
	// orders the server already knows about.
	ErrServerOwnedStatus = errors.New("order status is server-owned")
)

// Target is the store the overlay projects into.
type Target interface {
	Get(kind entity.Kind, id string) (entity.Entity, bool)
	Base(kind entity.Kind, id string) (entity.Entity, bool)
	Refresh(kind entity.Kind, id string)
}

// Reporter receives failures when an entry is rolled back.
type Reporter interface {
	MutationFailed(f notify.MutationFailure)
}

// Entry is one outstanding optimistic mutation.
type Entry struct {
	MutationID  string
	Kind        entity.Kind
	EntityID    string
	OpKind      string
	Forward     entity.Delta
	Rollback    entity.Delta
	IssuedAt    time.Time
	// BaseVersion is the server version the entry was issued against;
	// zero when the entity did not exist yet.
	BaseVersion int64
	Attempt     int
	seq         int64
}

// Key returns the entity the entry applies to.
func (e Entry) Key() entity.Key {
	return entity.Key{Kind: e.Kind, ID: e.EntityID}
}

type slot struct {
	key    entity.Key
	opKind string
}

// Overlay holds outstanding optimistic entries.
type Overlay struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	byEntity map[entity.Key][]*Entry
	inFlight map[slot]string
	seq      int64

	target   Target
	reporter Reporter
	ids      ids.Generator
	clock    clock.Clock
	ttl      time.Duration
	logger   *slog.Logger
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithReporter sets where rollback failures are reported.
func WithReporter(r Reporter) Option {
	return func(o *Overlay) {
		o.reporter = r
	}
}

// WithIDs sets the mutation id generator.
func WithIDs(g ids.Generator) Option {
	return func(o *Overlay) {
		o.ids = g
	}
}

// WithClock sets the clock used for issuance times and expiry.
func WithClock(c clock.Clock) Option {
	return func(o *Overlay) {
		o.clock = c
	}
}

// WithTTL sets how long unconfirmed entries survive.
func WithTTL(d time.Duration) Option {
	return func(o *Overlay) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithLogger sets the overlay logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = l
	}
}

// New creates an overlay projecting into target. The caller registers the
// overlay as the target's projector.
func New(target Target, opts ...Option) *Overlay {
	o := &Overlay{
		entries:  make(map[string]*Entry),
		byEntity: make(map[entity.Key][]*Entry),
		inFlight: make(map[slot]string),
		target:   target,
		ids:      ids.UUIDv7Generator{},
		clock:    clock.Real{},
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TTL returns the expiry horizon.
func (o *Overlay) TTL() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ttl
}

// SetTTL changes the expiry horizon for subsequent Expire calls.
func (o *Overlay) SetTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.ttl = d
	o.mu.Unlock()
}

// Apply records an optimistic mutation and recomputes the entity's view.
// When rollback is zero it is derived from forward and the current view.
func (o *Overlay) Apply(kind entity.Kind, id, opKind string, forward, rollback entity.Delta) (string, error) {
	return o.ApplyWithID("", kind, id, opKind, forward, rollback)
}

// ApplyWithID is Apply with a caller-chosen mutation id. An empty id is
// generated.
func (o *Overlay) ApplyWithID(mutationID string, kind entity.Kind, id, opKind string, forward, rollback entity.Delta) (string, error) {
	if id == "" {
		return "", fmt.Errorf("apply %s: missing entity id", opKind)
	}
	// The store is consulted before taking o.mu: the store calls Project
	// under its own lock.
	base, hasBase := o.target.Base(kind, id)
	if kind == entity.KindOrder && hasBase && forward.Touches(entity.StatusField) {
		return "", fmt.Errorf("apply %s to order %s: %w", opKind, id, ErrServerOwnedStatus)
	}
	if rollback.IsZero() && !forward.IsZero() {
		var before *entity.Entity
		if cur, ok := o.target.Get(kind, id); ok {
			before = &cur
		}
		rollback = forward.Invert(before)
	}
	if mutationID == "" {
		mutationID = o.ids.Generate()
	}

	key := entity.Key{Kind: kind, ID: id}
	s := slot{key: key, opKind: opKind}

	o.mu.Lock()
	if owner, busy := o.inFlight[s]; busy {
		o.mu.Unlock()
		return "", fmt.Errorf("apply %s to %s (pending %s): %w", opKind, key, owner, ErrInFlight)
	}
	if _, dup := o.entries[mutationID]; dup {
		o.mu.Unlock()
		return "", fmt.Errorf("apply %s to %s: duplicate mutation id %s", opKind, key, mutationID)
	}
	o.seq++
	e := &Entry{
		MutationID: mutationID,
		Kind:       kind,
		EntityID:   id,
		OpKind:     opKind,
		Forward:    forward,
		Rollback:   rollback,
		IssuedAt:   o.clock.Now(),
		seq:        o.seq,
	}
	if hasBase {
		e.BaseVersion = base.Version
	}
	o.entries[mutationID] = e
	o.byEntity[key] = append(o.byEntity[key], e)
	o.inFlight[s] = mutationID
	o.mu.Unlock()

	o.target.Refresh(kind, id)
	o.logger.Debug("optimistic mutation applied", "mutation_id", mutationID, "entity", key.String(), "op", opKind)
	return mutationID, nil
}

// Project composes the outstanding entries for an entity onto base in
// issuance order. It implements store.Projector.
func (o *Overlay) Project(kind entity.Kind, id string, base *entity.Entity) *entity.Entity {
	o.mu.Lock()
	pending := slices.Clone(o.byEntity[entity.Key{Kind: kind, ID: id}])
	o.mu.Unlock()

	if len(pending) == 0 {
		if base == nil {
			return nil
		}
		out := base.Clone()
		return &out
	}
	cur := base
	for _, e := range pending {
		cur = e.Forward.Apply(cur)
	}
	if cur != nil {
		cur.Pending = true
	}
	return cur
}

// Confirm discards the entry for mutationID: the server value now reflects
// it. It reports whether an entry was found.
func (o *Overlay) Confirm(mutationID string) (Entry, bool) {
	e, ok := o.remove(mutationID)
	if !ok {
		return Entry{}, false
	}
	o.target.Refresh(e.Kind, e.EntityID)
	o.logger.Debug("optimistic mutation confirmed", "mutation_id", mutationID, "entity", e.Key().String())
	return e, true
}

// Detach removes the entry for mutationID without recomputing the view.
// The caller must write or refresh the entity afterwards; the merger uses
// it to confirm and replace the base in a single view change.
func (o *Overlay) Detach(mutationID string) (Entry, bool) {
	return o.remove(mutationID)
}

// DetachSuperseded removes, without recomputing the view, every entry for
// an entity that was issued against a version older than version. A server
// copy at that version already includes them. Entries issued against
// version itself or later stay pending.
func (o *Overlay) DetachSuperseded(kind entity.Kind, id string, version int64) []Entry {
	o.mu.Lock()
	pending := slices.Clone(o.byEntity[entity.Key{Kind: kind, ID: id}])
	o.mu.Unlock()

	var out []Entry
	for _, e := range pending {
		if e.BaseVersion >= version {
			continue
		}
		if got, ok := o.remove(e.MutationID); ok {
			out = append(out, got)
		}
	}
	return out
}

// Rollback discards the entry for mutationID, restoring the view without
// it, and reports the failure. It reports whether an entry was found.
func (o *Overlay) Rollback(mutationID string, cause error) (Entry, bool) {
	e, ok := o.remove(mutationID)
	if !ok {
		return Entry{}, false
	}
	o.target.Refresh(e.Kind, e.EntityID)

	if o.reporter != nil {
		reason := "mutation failed"
		if cause != nil {
			reason = cause.Error()
		}
		o.reporter.MutationFailed(notify.MutationFailure{
			MutationID: e.MutationID,
			Kind:       e.Kind,
			EntityID:   e.EntityID,
			OpKind:     e.OpKind,
			Reason:     reason,
			Code:       string(persist.CodeOf(cause)),
			Attempts:   e.Attempt,
			Rollback:   e.Rollback,
			Err:        cause,
		})
	}
	return e, true
}

// Expire force-discards entries issued more than the TTL before now. No
// failure is reported: the mutation may well have succeeded, and the next
// poll or resync shows the server truth.
func (o *Overlay) Expire(now time.Time) []Entry {
	o.mu.Lock()
	var stale []string
	for id, e := range o.entries {
		if now.Sub(e.IssuedAt) >= o.ttl {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	slices.Sort(stale)
	var out []Entry
	for _, id := range stale {
		if e, ok := o.remove(id); ok {
			o.target.Refresh(e.Kind, e.EntityID)
			o.logger.Warn("optimistic mutation expired unconfirmed",
				"mutation_id", id, "entity", e.Key().String(), "op", e.OpKind, "age", now.Sub(e.IssuedAt))
			out = append(out, e)
		}
	}
	return out
}

// Settle confirms the entries for an entity whose forward delta no longer
// changes base: the server already reflects them. Entries that add to a
// counter never settle this way.
func (o *Overlay) Settle(kind entity.Kind, id string, base entity.Entity) []Entry {
	o.mu.Lock()
	pending := slices.Clone(o.byEntity[entity.Key{Kind: kind, ID: id}])
	o.mu.Unlock()

	var settled []Entry
	for _, e := range pending {
		after := e.Forward.Apply(&base)
		if after == nil || !after.Equal(base) {
			continue
		}
		if got, ok := o.Confirm(e.MutationID); ok {
			settled = append(settled, got)
		}
	}
	return settled
}

// SetAttempt records the submission attempt count of an entry.
func (o *Overlay) SetAttempt(mutationID string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[mutationID]; ok {
		e.Attempt = attempt
	}
}

// Get returns the entry for mutationID.
func (o *Overlay) Get(mutationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[mutationID]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Pending returns the outstanding entries for an entity in issuance order.
func (o *Overlay) Pending(kind entity.Kind, id string) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.byEntity[entity.Key{Kind: kind, ID: id}]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// Entries returns every outstanding entry in issuance order.
func (o *Overlay) Entries() []Entry {
	o.mu.Lock()
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	o.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		return int(a.seq - b.seq)
	})
	return out
}

// Len returns the number of outstanding entries.
func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *Overlay) remove(mutationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[mutationID]
	if !ok {
		return Entry{}, false
	}
	delete(o.entries, mutationID)
	key := e.Key()
	list := slices.DeleteFunc(o.byEntity[key], func(x *Entry) bool { return x == e })
	if len(list) == 0 {
		delete(o.byEntity, key)
	} else {
		o.byEntity[key] = list
	}
	s := slot{key: key, opKind: e.OpKind}
	if o.inFlight[s] == mutationID {
		delete(o.inFlight, s)
	}
	return *e, true
}
