package store

import (
	"slices"
	"sync"

	"github.com/roach88/wolfpack/internal/entity"
)

// Origin ranks the source of a base write. Higher ranks win version ties.
type Origin int

const (
	OriginNone Origin = iota
	OriginPoll
	OriginServer
)

func (o Origin) String() string {
	switch o {
	case OriginPoll:
		return "poll"
	case OriginServer:
		return "server"
	default:
		return "none"
	}
}

// Projector composes pending optimistic state onto a base value.
// A nil base means no server copy exists; a nil result hides the entity.
type Projector interface {
	Project(kind entity.Kind, id string, base *entity.Entity) *entity.Entity
}

// Change describes a change to a displayed view. Before is nil for
// appearances and After is nil for disappearances.
type Change struct {
	Kind   entity.Kind
	ID     string
	Before *entity.Entity
	After  *entity.Entity
}

// Listener receives view changes.
type Listener func(Change)

type record struct {
	base    *entity.Entity
	origin  Origin
	view    *entity.Entity
	touched int64
}

// Store is the keyed entity cache.
type Store struct {
	mu         sync.Mutex
	records    map[entity.Key]*record
	tombstones map[entity.Key]int64
	projector  Projector
	clock      *Clock

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// Option configures a Store.
type Option func(*Store)

// WithProjector registers the overlay used to compute views.
func WithProjector(p Projector) Option {
	return func(s *Store) {
		s.projector = p
	}
}

// WithClock sets the logical write clock.
func WithClock(c *Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records:    make(map[entity.Key]*record),
		tombstones: make(map[entity.Key]int64),
		clock:      NewClock(),
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetProjector replaces the projector. Views are not recomputed until the
// next write or Refresh.
func (s *Store) SetProjector(p Projector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projector = p
}

// Get returns the displayed view of an entity.
func (s *Store) Get(kind entity.Kind, id string) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entity.Key{Kind: kind, ID: id}]
	if !ok || rec.view == nil {
		return entity.Entity{}, false
	}
	return rec.view.Clone(), true
}

// Base returns the canonical server value of an entity.
func (s *Store) Base(kind entity.Kind, id string) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entity.Key{Kind: kind, ID: id}]
	if !ok || rec.base == nil {
		return entity.Entity{}, false
	}
	return rec.base.Clone(), true
}

// Origin returns the origin of the stored base.
func (s *Store) Origin(kind entity.Kind, id string) Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[entity.Key{Kind: kind, ID: id}]; ok && rec.base != nil {
		return rec.origin
	}
	return OriginNone
}

// Upsert writes e as the new base if it passes the version gate.
// It reports whether the base changed.
func (s *Store) Upsert(e entity.Entity, origin Origin) bool {
	key := e.Key()
	s.mu.Lock()
	if t, ok := s.tombstones[key]; ok && e.Version <= t {
		s.mu.Unlock()
		return false
	}
	rec := s.records[key]
	if rec != nil && rec.base != nil {
		stored := rec.base
		switch {
		case e.Version < stored.Version:
			s.mu.Unlock()
			return false
		case e.Version == stored.Version:
			if origin < rec.origin {
				s.mu.Unlock()
				return false
			}
			incoming := e
			incoming.Pending = false
			if incoming.Equal(*stored) {
				rec.origin = origin
				s.mu.Unlock()
				return false
			}
		}
	}
	if rec == nil {
		rec = &record{}
		s.records[key] = rec
	}
	base := e.Clone()
	base.Pending = false
	rec.base = &base
	rec.origin = origin
	rec.touched = s.clock.Next()
	delete(s.tombstones, key)
	change, changed := s.reproject(key, rec)
	s.mu.Unlock()

	if changed {
		s.notify(change)
	}
	return true
}

// Remove deletes the base of an entity and leaves a tombstone at version.
// A version older than the stored base is ignored. It reports whether a
// base was removed.
func (s *Store) Remove(kind entity.Kind, id string, version int64) bool {
	key := entity.Key{Kind: kind, ID: id}
	s.mu.Lock()
	rec := s.records[key]
	if rec != nil && rec.base != nil && version < rec.base.Version {
		s.mu.Unlock()
		return false
	}
	if t, ok := s.tombstones[key]; !ok || version > t {
		s.tombstones[key] = version
	}
	if rec == nil || rec.base == nil {
		s.mu.Unlock()
		return false
	}
	rec.base = nil
	rec.origin = OriginNone
	rec.touched = s.clock.Next()
	change, changed := s.reproject(key, rec)
	s.mu.Unlock()

	if changed {
		s.notify(change)
	}
	return true
}

// Refresh recomputes the view of one entity through the projector.
// It is called by the overlay whenever its pending state changes.
func (s *Store) Refresh(kind entity.Kind, id string) {
	key := entity.Key{Kind: kind, ID: id}
	s.mu.Lock()
	rec := s.records[key]
	if rec == nil {
		rec = &record{}
		s.records[key] = rec
	}
	change, changed := s.reproject(key, rec)
	s.mu.Unlock()

	if changed {
		s.notify(change)
	}
}

// reproject recomputes rec.view. Caller holds s.mu.
func (s *Store) reproject(key entity.Key, rec *record) (Change, bool) {
	var next *entity.Entity
	if s.projector != nil {
		next = s.projector.Project(key.Kind, key.ID, rec.base)
	} else if rec.base != nil {
		v := rec.base.Clone()
		next = &v
	}
	prev := rec.view
	rec.view = next
	if rec.base == nil && rec.view == nil {
		delete(s.records, key)
	}
	if sameView(prev, next) {
		return Change{}, false
	}
	return Change{Kind: key.Kind, ID: key.ID, Before: clonePtr(prev), After: clonePtr(next)}, true
}

// Snapshot returns the views of kind matching filter, newest first with ids
// ascending as the tiebreaker.
func (s *Store) Snapshot(kind entity.Kind, filter entity.Filter) []entity.Entity {
	s.mu.Lock()
	out := make([]entity.Entity, 0, len(s.records))
	for key, rec := range s.records {
		if key.Kind != kind || rec.view == nil || !filter.Match(*rec.view) {
			continue
		}
		out = append(out, rec.view.Clone())
	}
	s.mu.Unlock()

	SortFeed(out)
	return out
}

// Bases returns the base values of kind matching filter, in feed order.
func (s *Store) Bases(kind entity.Kind, filter entity.Filter) []entity.Entity {
	s.mu.Lock()
	out := make([]entity.Entity, 0, len(s.records))
	for key, rec := range s.records {
		if key.Kind != kind || rec.base == nil || !filter.Match(*rec.base) {
			continue
		}
		out = append(out, rec.base.Clone())
	}
	s.mu.Unlock()

	SortFeed(out)
	return out
}

// SortFeed orders entities by CreatedAt descending, then ID ascending.
func SortFeed(es []entity.Entity) {
	slices.SortFunc(es, entity.CompareFeed)
}

// Touched returns the logical time of the last base write for an entity,
// or 0 if it was never written.
func (s *Store) Touched(kind entity.Kind, id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[entity.Key{Kind: kind, ID: id}]; ok {
		return rec.touched
	}
	return 0
}

// Watermark returns the logical time of the most recent base write.
func (s *Store) Watermark() int64 {
	return s.clock.Current()
}

// Len returns the number of displayed entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.view != nil {
			n++
		}
	}
	return n
}

// Subscribe registers a listener for view changes and returns a function
// that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, len(ids))
	for i, id := range ids {
		ls[i] = s.listeners[id]
	}
	s.lmu.Unlock()

	for _, l := range ls {
		l(c)
	}
}

func sameView(a, b *entity.Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func clonePtr(e *entity.Entity) *entity.Entity {
	if e == nil {
		return nil
	}
	c := e.Clone()
	return &c
}
