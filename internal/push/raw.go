package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
)

// ErrStreamClosed is returned by Stream.Recv after the transport closed.
var ErrStreamClosed = errors.New("push stream closed")

// RawChange is a change notification as transports deliver it: a table
// name, an upper-case change type and untyped row images.
type RawChange struct {
	Table           string         `json:"table" msgpack:"table"`
	Type            string         `json:"type" msgpack:"type"`
	New             map[string]any `json:"new,omitempty" msgpack:"new,omitempty"`
	Old             map[string]any `json:"old,omitempty" msgpack:"old,omitempty"`
	CommitTimestamp time.Time      `json:"commit_timestamp" msgpack:"commit_timestamp"`
	MutationID      string         `json:"mutation_id,omitempty" msgpack:"mutation_id,omitempty"`
	Heartbeat       bool           `json:"heartbeat,omitempty" msgpack:"heartbeat,omitempty"`
}

// Source is the push-subscription API.
type Source interface {
	// Subscribe opens a change stream for kind restricted to filter.
	Subscribe(ctx context.Context, kind entity.Kind, filter entity.Filter) (Stream, error)
}

// Stream delivers raw changes until closed. Transports send heartbeats as
// RawChange values with Heartbeat set.
type Stream interface {
	Recv(ctx context.Context) (RawChange, error)
	Close() error
}

// Row column names with envelope meaning.
const (
	colID        = "id"
	colVersion   = "version"
	colStatus    = "status"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
	colMutation  = "last_mutation_id"
)

// Normalize converts a raw change into a ChangeEvent. Heartbeats are not
// changes and are rejected.
func Normalize(raw RawChange) (entity.ChangeEvent, error) {
	if raw.Heartbeat {
		return entity.ChangeEvent{}, errors.New("heartbeat is not a change")
	}
	kind, err := entity.ParseKind(raw.Table)
	if err != nil {
		return entity.ChangeEvent{}, err
	}

	ev := entity.ChangeEvent{
		Kind:            kind,
		MutationID:      raw.MutationID,
		ServerTimestamp: raw.CommitTimestamp,
	}
	switch strings.ToUpper(raw.Type) {
	case "INSERT":
		ev.Op = entity.OpInsert
	case "UPDATE":
		ev.Op = entity.OpUpdate
	case "DELETE":
		ev.Op = entity.OpDelete
	default:
		return entity.ChangeEvent{}, fmt.Errorf("unknown change type %q", raw.Type)
	}

	if len(raw.New) > 0 && ev.Op != entity.OpDelete {
		after, err := EntityFromRow(kind, raw.New)
		if err != nil {
			return entity.ChangeEvent{}, fmt.Errorf("new row: %w", err)
		}
		ev.After = &after
		if ev.MutationID == "" {
			ev.MutationID, _ = raw.New[colMutation].(string)
		}
	}
	if len(raw.Old) > 0 {
		before, err := EntityFromRow(kind, raw.Old)
		if err != nil && ev.Op != entity.OpDelete {
			// A partial old image on an update is informational only.
			before, err = entity.Entity{}, nil
		}
		if err != nil {
			return entity.ChangeEvent{}, fmt.Errorf("old row: %w", err)
		}
		if before.ID != "" {
			ev.Before = &before
		}
	}

	if err := ev.Validate(); err != nil {
		return entity.ChangeEvent{}, fmt.Errorf("%s %s: %w", raw.Table, raw.Type, err)
	}
	return ev, nil
}

// EntityFromRow converts a database row image into an entity. Envelope
// columns map onto the entity; every other column becomes a field. Rows
// without a version column are versioned by updated_at in microseconds.
func EntityFromRow(kind entity.Kind, row map[string]any) (entity.Entity, error) {
	e := entity.Entity{Kind: kind, Fields: entity.Fields{}}
	for col, raw := range row {
		switch col {
		case colID:
			id, err := rowString(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("id: %w", err)
			}
			e.ID = id
		case colVersion:
			v, err := entity.FromAny(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("version: %w", err)
			}
			n, ok := v.(entity.Int)
			if !ok {
				return entity.Entity{}, fmt.Errorf("version: expected integer, got %T", v)
			}
			e.Version = int64(n)
		case colStatus:
			s, err := rowString(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("status: %w", err)
			}
			e.Status = entity.Status(s)
		case colCreatedAt:
			ts, err := rowTime(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("created_at: %w", err)
			}
			e.CreatedAt = ts
		case colUpdatedAt:
			ts, err := rowTime(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("updated_at: %w", err)
			}
			e.UpdatedAt = ts
		case colMutation:
		default:
			v, err := entity.FromAny(raw)
			if err != nil {
				return entity.Entity{}, fmt.Errorf("%s: %w", col, err)
			}
			e.Fields[col] = v
		}
	}
	if e.ID == "" {
		return entity.Entity{}, errors.New("row without id")
	}
	if _, ok := row[colVersion]; !ok && !e.UpdatedAt.IsZero() {
		e.Version = e.UpdatedAt.UnixMicro()
	}
	if kind == entity.KindOrder && e.Status != "" {
		s, err := entity.NormalizeOrderStatus(e.Status)
		if err != nil {
			return entity.Entity{}, err
		}
		e.Status = s
	}
	return e, nil
}

// RowFromEntity is the inverse of EntityFromRow, used by transports that
// publish entities as rows.
func RowFromEntity(e entity.Entity) map[string]any {
	row := entity.FieldsToMap(e.Fields)
	row[colID] = e.ID
	row[colVersion] = e.Version
	if e.Status != "" {
		row[colStatus] = string(e.Status)
	}
	if !e.CreatedAt.IsZero() {
		row[colCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.UpdatedAt.IsZero() {
		row[colUpdatedAt] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

// TableFor returns the table name used on the wire for kind.
func TableFor(kind entity.Kind) string {
	switch kind {
	case entity.KindOrder:
		return "orders"
	case entity.KindPost:
		return "posts"
	case entity.KindMembership:
		return "wolfpack_memberships"
	default:
		return string(kind)
	}
}

func rowString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func rowTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05.999999Z07:00", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("expected timestamp, got %T", v)
	}
}
