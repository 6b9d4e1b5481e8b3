package entity

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an entity collection.
type Kind string

const (
	KindOrder      Kind = "order"
	KindPost       Kind = "post"
	KindMembership Kind = "membership"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindOrder, KindPost, KindMembership}

// ParseKind validates a kind name. Plural forms are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "order", "orders":
		return KindOrder, nil
	case "post", "posts", "video", "videos":
		return KindPost, nil
	case "membership", "memberships", "wolfpack_memberships":
		return KindMembership, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// Status is the lifecycle state of an entity. Its domain depends on the kind.
type Status string

// Key identifies an entity across kinds.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Entity is the generic versioned record synchronized by the engine.
//
// Version is the server revision and only ever increases for a given id.
// Pending is a view-only flag: it is true when unconfirmed optimistic deltas
// are composed on top of the canonical value, and it is never persisted.
type Entity struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Fields    Fields    `json:"fields,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

// Key returns the entity's identity.
func (e Entity) Key() Key {
	return Key{Kind: e.Kind, ID: e.ID}
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = e.Fields.Clone()
	return out
}

// Equal reports whether two entities have identical content.
func (e Entity) Equal(o Entity) bool {
	return e.Kind == o.Kind &&
		e.ID == o.ID &&
		e.Version == o.Version &&
		e.Status == o.Status &&
		e.CreatedAt.Equal(o.CreatedAt) &&
		e.UpdatedAt.Equal(o.UpdatedAt) &&
		e.Pending == o.Pending &&
		FieldsEqual(e.Fields, o.Fields)
}

// Validate checks the kind-specific invariants of an entity.
func Validate(e Entity) error {
	if e.ID == "" {
		return fmt.Errorf("%s: missing id", e.Kind)
	}
	if e.Version < 0 {
		return fmt.Errorf("%s %s: negative version %d", e.Kind, e.ID, e.Version)
	}
	switch e.Kind {
	case KindOrder:
		_, err := OrderFrom(e)
		return err
	case KindPost:
		_, err := PostFrom(e)
		return err
	case KindMembership:
		m, err := MembershipFrom(e)
		if err != nil {
			return err
		}
		return m.Validate()
	default:
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	}
}

// ptr returns a pointer to a copy of e.
func ptr(e Entity) *Entity {
	return &e
}

// CompareFeed orders entities newest first, breaking ties by ascending id.
// It is the ordering of every snapshot and collection page.
func CompareFeed(a, b Entity) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
