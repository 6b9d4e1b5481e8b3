// Package merge reconciles server data with the local store.
//
// Every source of server truth goes through the Merger: push events,
// mutation responses, poll pages and full resyncs. Server values are
// written to the store only through its version gate, and the overlay's
// remaining optimistic deltas are recomposed on top by the store's
// projector. A server value newer than the version an optimistic entry was
// issued against confirms that entry. Order status changes observed in the
// displayed view are forwarded to the dispatcher.
package merge

import (
	"log/slog"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/notify"
	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/store"
)

// Notifier receives status transitions.
type Notifier interface {
	Transition(t notify.StatusTransition) bool
}

// Outcome summarizes what one merge did.
type Outcome struct {
	// Confirmed lists mutation ids whose overlay entries were discarded
	// because the server now reflects them.
	Confirmed []string
	// Applied is true when a base was written.
	Applied bool
	// Removed is true when a base was deleted.
	Removed bool
	// Dropped is true when the input was malformed and ignored.
	Dropped bool
}

// Merger applies server data to a store and its overlay.
type Merger struct {
	store    *store.Store
	overlay  *overlay.Overlay
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	cancel   func()
}

// Option configures a Merger.
type Option func(*Merger)

// WithNotifier sets where status transitions go.
func WithNotifier(n Notifier) Option {
	return func(m *Merger) {
		m.notifier = n
	}
}

// WithClock sets the clock used to timestamp transitions without a server
// timestamp.
func WithClock(c clock.Clock) Option {
	return func(m *Merger) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = l
	}
}

// New creates a merger and starts watching s for order status changes.
func New(s *store.Store, o *overlay.Overlay, opts ...Option) *Merger {
	m := &Merger{
		store:   s,
		overlay: o,
		clock:   clock.Real{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cancel = s.Subscribe(m.observe)
	return m
}

// Close stops watching the store.
func (m *Merger) Close() {
	m.cancel()
}

// ApplyEvent merges one push event. An event echoing a pending mutation id
// confirms that mutation in the same view change as the base write.
func (m *Merger) ApplyEvent(ev entity.ChangeEvent) Outcome {
	if err := ev.Validate(); err != nil {
		m.logger.Warn("dropping invalid change event", "kind", ev.Kind, "op", ev.Op, "error", err)
		return Outcome{Dropped: true}
	}

	switch ev.Op {
	case entity.OpDelete:
		out := m.remove(ev.Kind, ev.Before.ID, ev.Before.Version)
		if ev.MutationID != "" {
			if e, ok := m.overlay.Confirm(ev.MutationID); ok {
				out.Confirmed = append(out.Confirmed, e.MutationID)
			}
		}
		return out
	default:
		return m.upsert(*ev.After, store.OriginServer, ev.MutationID)
	}
}

// Confirm merges the server's response to one of our mutations.
func (m *Merger) Confirm(mutationID string, server entity.Entity) Outcome {
	return m.upsert(server, store.OriginServer, mutationID)
}

// Rollback discards a failed mutation and reports it.
func (m *Merger) Rollback(mutationID string, cause error) bool {
	_, ok := m.overlay.Rollback(mutationID, cause)
	return ok
}

// Expire force-discards overlay entries older than the TTL.
func (m *Merger) Expire(now time.Time) []overlay.Entry {
	return m.overlay.Expire(now)
}

// ApplyPoll merges a page of poll results. Poll data never wins a version
// tie against push data. It returns the number of bases written.
func (m *Merger) ApplyPoll(items []entity.Entity) int {
	applied := 0
	for _, e := range items {
		if err := entity.Validate(e); err != nil {
			m.logger.Warn("dropping invalid polled entity", "kind", e.Kind, "id", e.ID, "error", err)
			continue
		}
		if m.upsert(e, store.OriginPoll, "").Applied {
			applied++
		}
	}
	return applied
}

// ApplyResync merges a full fetch of (kind, filter). When complete, bases
// matching the filter that are absent from items and were not written
// after watermark are removed: they were deleted while we were not
// listening. It returns the number of bases written and removed.
func (m *Merger) ApplyResync(kind entity.Kind, filter entity.Filter, items []entity.Entity, watermark int64, complete bool) (applied, removed int) {
	applied = m.ApplyPoll(items)
	if !complete {
		return applied, 0
	}
	present := make(map[string]struct{}, len(items))
	for _, e := range items {
		present[e.ID] = struct{}{}
	}
	for _, base := range m.store.Bases(kind, filter) {
		if _, ok := present[base.ID]; ok {
			continue
		}
		if m.store.Touched(kind, base.ID) > watermark {
			continue
		}
		if m.remove(kind, base.ID, base.Version).Removed {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("resync pruned deleted entities", "feed", entity.FeedKey(kind, filter), "removed", removed)
	}
	return applied, removed
}

func (m *Merger) upsert(e entity.Entity, origin store.Origin, mutationID string) Outcome {
	var out Outcome
	detached := false
	if mutationID != "" {
		if entry, ok := m.overlay.Detach(mutationID); ok {
			detached = true
			out.Confirmed = append(out.Confirmed, entry.MutationID)
		}
	}
	for _, entry := range m.overlay.DetachSuperseded(e.Kind, e.ID, e.Version) {
		detached = true
		out.Confirmed = append(out.Confirmed, entry.MutationID)
	}
	out.Applied = m.store.Upsert(e, origin)
	if detached && !out.Applied {
		m.store.Refresh(e.Kind, e.ID)
	}
	base, ok := m.store.Base(e.Kind, e.ID)
	if ok {
		for _, settled := range m.overlay.Settle(e.Kind, e.ID, base) {
			out.Confirmed = append(out.Confirmed, settled.MutationID)
		}
	}
	if len(out.Confirmed) > 0 {
		m.logger.Debug("optimistic mutations confirmed", "entity", e.Key().String(), "mutations", out.Confirmed)
	}
	return out
}

// remove deletes a base. Version 0 means the delete carried no version and
// applies to whatever is stored. Optimistic entries on a deleted entity can
// no longer succeed and are rolled back.
func (m *Merger) remove(kind entity.Kind, id string, version int64) Outcome {
	if version == 0 {
		if base, ok := m.store.Base(kind, id); ok {
			version = base.Version
		}
	}
	out := Outcome{Removed: m.store.Remove(kind, id, version)}
	if !out.Removed {
		return out
	}
	key := entity.Key{Kind: kind, ID: id}
	for _, e := range m.overlay.Pending(kind, id) {
		// A pending create is settled by its own response.
		if e.Forward.Create != nil {
			continue
		}
		m.overlay.Rollback(e.MutationID, persist.Errorf(persist.CodeNotFound, "%s was deleted", key))
	}
	return out
}

// observe forwards order status changes of the displayed view.
func (m *Merger) observe(c store.Change) {
	if m.notifier == nil || c.Kind != entity.KindOrder || c.Before == nil || c.After == nil {
		return
	}
	from, to := c.Before.Status, c.After.Status
	if from == to {
		return
	}
	at := c.After.UpdatedAt
	if at.IsZero() {
		at = m.clock.Now()
	}
	t := notify.StatusTransition{
		Kind:     c.Kind,
		EntityID: c.ID,
		From:     from,
		To:       to,
		Version:  c.After.Version,
		Legal:    entity.CanTransition(from, to),
		At:       at,
	}
	m.notifier.Transition(t)
}
