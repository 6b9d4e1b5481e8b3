package entity

import (
	"fmt"
	"time"
)

// Op is the kind of change a ChangeEvent describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is the normalized form of every push notification.
//
// Insert and update events carry After; delete events carry Before. A
// delete image may be reduced to its id, in which case its version is 0 and
// the delete applies to whatever version is stored. When the
// change was produced by one of our own mutations the server echoes its id in
// MutationID, which lets the merger confirm the matching optimistic entry.
type ChangeEvent struct {
	Kind            Kind
	Op              Op
	Before          *Entity
	After           *Entity
	MutationID      string
	ServerTimestamp time.Time
}

// Subject returns the entity the event is about: After for inserts and
// updates, Before for deletes.
func (ev ChangeEvent) Subject() *Entity {
	if ev.Op == OpDelete {
		return ev.Before
	}
	return ev.After
}

// Key returns the identity of the subject entity.
func (ev ChangeEvent) Key() Key {
	if s := ev.Subject(); s != nil {
		return s.Key()
	}
	return Key{Kind: ev.Kind}
}

// Version returns the subject's version.
func (ev ChangeEvent) Version() int64 {
	if s := ev.Subject(); s != nil {
		return s.Version
	}
	return 0
}

// Validate checks the event is well formed.
func (ev ChangeEvent) Validate() error {
	switch ev.Op {
	case OpInsert, OpUpdate:
		if ev.After == nil {
			return fmt.Errorf("%s event without after image", ev.Op)
		}
	case OpDelete:
		if ev.Before == nil {
			return fmt.Errorf("delete event without before image")
		}
	default:
		return fmt.Errorf("unknown op %q", ev.Op)
	}
	s := ev.Subject()
	if s.Kind != ev.Kind {
		return fmt.Errorf("event kind %q does not match entity kind %q", ev.Kind, s.Kind)
	}
	if ev.Op == OpDelete {
		// Delete images often carry only the primary key.
		if s.ID == "" {
			return fmt.Errorf("delete event without id")
		}
		return nil
	}
	return Validate(*s)
}
