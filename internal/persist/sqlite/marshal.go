package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// marshalFields converts fields to canonical JSON TEXT for storage.
func marshalFields(f entity.Fields) (string, error) {
	if f == nil {
		f = entity.Fields{}
	}
	data, err := entity.MarshalCanonical(entity.Object(f))
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(data string) (entity.Fields, error) {
	if data == "" || data == "{}" {
		return entity.Fields{}, nil
	}
	var f entity.Fields
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return f, nil
}

// marshalEntity stores a whole entity image, as kept in the mutation and
// change tables.
func marshalEntity(e *entity.Entity) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal entity: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalEntity(data sql.NullString) (*entity.Entity, error) {
	if !data.Valid {
		return nil, nil
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(data.String), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	if e.Fields == nil {
		e.Fields = entity.Fields{}
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const entityColumns = "kind, id, version, status, created_at, updated_at, fields"

func scanEntity(row scanner) (entity.Entity, error) {
	var (
		e                entity.Entity
		kind, status     string
		created, updated string
		fields           string
	)
	if err := row.Scan(&kind, &e.ID, &e.Version, &status, &created, &updated, &fields); err != nil {
		return entity.Entity{}, err
	}
	e.Kind = entity.Kind(kind)
	e.Status = entity.Status(status)
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return entity.Entity{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return entity.Entity{}, err
	}
	if e.Fields, err = unmarshalFields(fields); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

// dbError maps a driver failure onto the persistence taxonomy. Lock
// contention and cancellation are retryable; everything else is internal.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *persist.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return persist.Wrap(persist.CodeTimeout, op, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return persist.Wrap(persist.CodeUnavailable, op, err)
		case sqlite3.ErrConstraint:
			return persist.Wrap(persist.CodeConflict, op, err)
		}
	}
	return persist.Wrap(persist.CodeInternal, op, err)
}
