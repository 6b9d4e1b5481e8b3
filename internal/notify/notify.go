// Package notify turns entity status transitions and failed mutations into
// user-facing alerts.
//
// The dispatcher is a pure observer: it never writes to the store. A
// transition into ready gets a high-salience alert (sound plus a persistent
// banner) because it opens a time-boxed pickup window; every other
// transition is a toast.
package notify

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
)

// Salience ranks how intrusive an alert is.
type Salience int

const (
	SalienceLow Salience = iota
	SalienceNormal
	SalienceHigh
)

func (s Salience) String() string {
	switch s {
	case SalienceHigh:
		return "high"
	case SalienceNormal:
		return "normal"
	default:
		return "low"
	}
}

// Alert is the presentation hint attached to a notification.
type Alert struct {
	Salience   Salience `json:"salience"`
	Sound      bool     `json:"sound"`
	Persistent bool     `json:"persistent"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
}

// StatusTransition is an observed change of an entity's status.
// Legal is false when the server moved the entity along an edge the order
// state machine does not define; it is still reported.
type StatusTransition struct {
	Kind     entity.Kind   `json:"kind"`
	EntityID string        `json:"entity_id"`
	From     entity.Status `json:"from"`
	To       entity.Status `json:"to"`
	Version  int64         `json:"version"`
	Legal    bool          `json:"legal"`
	At       time.Time     `json:"at"`
}

// TransitionNotice is what transition handlers receive.
type TransitionNotice struct {
	Transition StatusTransition `json:"transition"`
	Alert      Alert            `json:"alert"`
}

// MutationFailure reports an optimistic mutation that was rolled back.
type MutationFailure struct {
	MutationID string       `json:"mutation_id"`
	Kind       entity.Kind  `json:"kind"`
	EntityID   string       `json:"entity_id"`
	OpKind     string       `json:"op_kind"`
	Reason     string       `json:"reason"`
	Code       string       `json:"code,omitempty"`
	Attempts   int          `json:"attempts"`
	Rollback   entity.Delta `json:"-"`
	Err        error        `json:"-"`
}

// AlertFor returns the presentation for a transition.
func AlertFor(t StatusTransition) Alert {
	if t.Kind == entity.KindOrder && t.To == entity.OrderReady {
		return Alert{
			Salience:   SalienceHigh,
			Sound:      true,
			Persistent: true,
			Title:      "Order ready",
			Body:       fmt.Sprintf("Order %s is ready for pickup", shortID(t.EntityID)),
		}
	}
	return Alert{
		Salience: SalienceNormal,
		Title:    "Order update",
		Body:     fmt.Sprintf("Order %s is now %s", shortID(t.EntityID), t.To),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// dedupeWindow bounds the memory of delivered transitions.
const dedupeWindow = 4096

type transitionKey struct {
	key     entity.Key
	to      entity.Status
	version int64
}

// Dispatcher fans notifications out to registered handlers.
type Dispatcher struct {
	mu          sync.Mutex
	transitions map[int]func(TransitionNotice)
	failures    map[int]func(MutationFailure)
	nextID      int
	seen        map[transitionKey]struct{}
	order       []transitionKey
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transitions: make(map[int]func(TransitionNotice)),
		failures:    make(map[int]func(MutationFailure)),
		seen:        make(map[transitionKey]struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnTransition registers a transition handler and returns its unregister
// function.
func (d *Dispatcher) OnTransition(h func(TransitionNotice)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.transitions[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.transitions, id)
		d.mu.Unlock()
	}
}

// OnMutationFailure registers a failure handler and returns its unregister
// function.
func (d *Dispatcher) OnMutationFailure(h func(MutationFailure)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.failures[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.failures, id)
		d.mu.Unlock()
	}
}

// Transition delivers t unless the same (entity, to, version) was already
// delivered. It reports whether handlers were invoked.
func (d *Dispatcher) Transition(t StatusTransition) bool {
	k := transitionKey{key: entity.Key{Kind: t.Kind, ID: t.EntityID}, to: t.To, version: t.Version}

	d.mu.Lock()
	if _, dup := d.seen[k]; dup {
		d.mu.Unlock()
		return false
	}
	d.seen[k] = struct{}{}
	d.order = append(d.order, k)
	if len(d.order) > dedupeWindow {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	handlers := sortedHandlers(d.transitions)
	d.mu.Unlock()

	if !t.Legal {
		d.logger.Warn("unexpected status transition",
			"kind", t.Kind, "id", t.EntityID, "from", t.From, "to", t.To, "version", t.Version)
	}
	notice := TransitionNotice{Transition: t, Alert: AlertFor(t)}
	for _, h := range handlers {
		h(notice)
	}
	return true
}

// MutationFailed delivers a failure to every failure handler.
func (d *Dispatcher) MutationFailed(f MutationFailure) {
	d.mu.Lock()
	handlers := sortedHandlers(d.failures)
	d.mu.Unlock()

	d.logger.Info("mutation rolled back",
		"mutation_id", f.MutationID, "kind", f.Kind, "id", f.EntityID, "op", f.OpKind, "reason", f.Reason)
	for _, h := range handlers {
		h(f)
	}
}

func sortedHandlers[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}
