// Package persist defines the persistence API the engine consumes, the
// error taxonomy shared by every backend, and payload validation.
package persist

import (
	"context"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
)

// MutationOp names a business operation on an entity.
type MutationOp string

const (
	OpCreateOrder MutationOp = "create"
	OpCancelOrder MutationOp = "cancel"
	OpSetStatus   MutationOp = "set_status"
	OpLike        MutationOp = "like"
	OpUnlike      MutationOp = "unlike"
	OpComment     MutationOp = "comment"
	OpJoin        MutationOp = "join"
	OpLeave       MutationOp = "leave"
)

// Request is one mutation submitted to the backend.
//
// MutationID is the idempotency key: resubmitting a request with the same
// id returns the original result instead of applying it twice. For order
// creation EntityID is the client-generated order id.
type Request struct {
	MutationID string        `json:"mutation_id"`
	Kind       entity.Kind   `json:"kind"`
	Op         MutationOp    `json:"op"`
	EntityID   string        `json:"entity_id,omitempty"`
	Payload    entity.Fields `json:"payload,omitempty"`
}

// Page is one page of a collection, newest first.
type Page struct {
	Items      []entity.Entity `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// API is the persistence contract consumed by the engine.
type API interface {
	// CreateMutation applies a mutation and returns the resulting server
	// entity. Failures are reported as *Error.
	CreateMutation(ctx context.Context, req Request) (entity.Entity, error)

	// FetchCollection returns up to limit entities of kind matching filter,
	// ordered by created_at descending then id ascending, starting after
	// cursor. An empty cursor starts from the newest entity.
	FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (Page, error)
}

// Device is a registered push-notification endpoint.
type Device struct {
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	Platform     string    `json:"platform,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DeviceRegistry stores notification device tokens.
type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, d Device) error
	UnregisterDevice(ctx context.Context, token string) error
}

// Commit describes one durable change. Backends report commits to their
// listeners after the write is visible to readers; push transports turn
// them into change notifications.
type Commit struct {
	Op         entity.Op      `json:"op"`
	Before     *entity.Entity `json:"before,omitempty"`
	After      *entity.Entity `json:"after,omitempty"`
	MutationID string         `json:"mutation_id,omitempty"`
	At         time.Time      `json:"at"`
}

// Subject returns After, or Before for deletes.
func (c Commit) Subject() *entity.Entity {
	if c.Op == entity.OpDelete {
		return c.Before
	}
	return c.After
}

// CommitListener receives commits in commit order.
type CommitListener func(Commit)

// Change is a commit recorded in a backend's change log.
type Change struct {
	Seq int64 `json:"seq"`
	Commit
}

// ChangeLog is implemented by backends that keep an ordered log of
// commits. Readers use it to catch up after a disconnect.
type ChangeLog interface {
	// Changes returns up to limit changes with Seq greater than after,
	// oldest first.
	Changes(ctx context.Context, after int64, limit int) ([]Change, error)
}
