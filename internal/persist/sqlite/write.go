package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

// CreateMutation implements persist.API.
//
// The mutation id is the idempotency key: a resubmitted mutation returns
// the result stored on its first application and writes nothing.
func (s *Store) CreateMutation(ctx context.Context, req persist.Request) (entity.Entity, error) {
	if err := s.validator.Validate(req); err != nil {
		return entity.Entity{}, err
	}
	payload, err := marshalFields(req.Payload)
	if err != nil {
		return entity.Entity{}, persist.Wrap(persist.CodeValidation, "encode payload", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, dbError("create mutation: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	var prior sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT result FROM mutations WHERE mutation_id = ?`, req.MutationID).Scan(&prior)
	switch {
	case err == nil:
		e, err := unmarshalEntity(prior)
		if err != nil {
			return entity.Entity{}, dbError("create mutation: stored result", err)
		}
		s.logger.Debug("mutation replayed", "mutation_id", req.MutationID)
		return *e, nil
	case !errors.Is(err, sql.ErrNoRows):
		return entity.Entity{}, dbError("create mutation: lookup", err)
	}

	current, err := getEntity(ctx, tx, req.Kind, req.EntityID)
	if err != nil {
		return entity.Entity{}, err
	}
	next, err := persist.Apply(current, req, s.now())
	if err != nil {
		return entity.Entity{}, err
	}
	if err := putEntity(ctx, tx, next); err != nil {
		return entity.Entity{}, err
	}

	result, err := marshalEntity(&next)
	if err != nil {
		return entity.Entity{}, dbError("create mutation", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutations
		(mutation_id, kind, op, entity_id, payload, result, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		req.MutationID,
		string(req.Kind),
		string(req.Op),
		req.EntityID,
		payload,
		result,
		formatTime(next.UpdatedAt),
	)
	if err != nil {
		return entity.Entity{}, dbError("create mutation: record", err)
	}

	c := persist.Commit{Op: entity.OpUpdate, Before: current, After: &next, MutationID: req.MutationID, At: next.UpdatedAt}
	if current == nil {
		c.Op = entity.OpInsert
	}
	if _, err := appendChange(ctx, tx, c); err != nil {
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, dbError("create mutation: commit", err)
	}

	s.notify(cloneCommit(c))
	return next.Clone(), nil
}

// Put stores e as-is, bypassing mutation rules, and records the change.
// A zero version is replaced by the next version of the stored entity.
// It is how fixtures and server-side actors such as the kitchen write.
func (s *Store) Put(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.Kind == "" || e.ID == "" {
		return entity.Entity{}, persist.Errorf(persist.CodeValidation, "put requires kind and id")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, dbError("put: begin tx", err)
	}
	defer tx.Rollback()

	current, err := getEntity(ctx, tx, e.Kind, e.ID)
	if err != nil {
		return entity.Entity{}, err
	}
	next := e.Clone()
	next.Pending = false
	now := s.now().UTC()
	if next.Version == 0 {
		next.Version = 1
		if current != nil {
			next.Version = current.Version + 1
		}
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
		if current != nil {
			next.CreatedAt = current.CreatedAt
		}
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	if next.Fields == nil {
		next.Fields = entity.Fields{}
	}
	if err := putEntity(ctx, tx, next); err != nil {
		return entity.Entity{}, err
	}

	c := persist.Commit{Op: entity.OpUpdate, Before: current, After: &next, At: next.UpdatedAt}
	if current == nil {
		c.Op = entity.OpInsert
	}
	if _, err := appendChange(ctx, tx, c); err != nil {
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, dbError("put: commit", err)
	}

	s.notify(cloneCommit(c))
	return next.Clone(), nil
}

// Delete removes an entity and records the change. It reports whether the
// entity existed.
func (s *Store) Delete(ctx context.Context, kind entity.Kind, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, dbError("delete: begin tx", err)
	}
	defer tx.Rollback()

	current, err := getEntity(ctx, tx, kind, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return false, dbError("delete", err)
	}
	c := persist.Commit{Op: entity.OpDelete, Before: current, At: s.now().UTC()}
	if _, err := appendChange(ctx, tx, c); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, dbError("delete: commit", err)
	}

	s.notify(cloneCommit(c))
	return true, nil
}

func getEntity(ctx context.Context, tx *sql.Tx, kind entity.Kind, id string) (*entity.Entity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get entity", err)
	}
	return &e, nil
}

func putEntity(ctx context.Context, tx *sql.Tx, e entity.Entity) error {
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return dbError("put entity", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities
		(kind, id, version, status, created_at, updated_at, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			version    = excluded.version,
			status     = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			fields     = excluded.fields
	`,
		string(e.Kind),
		e.ID,
		e.Version,
		string(e.Status),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
		fields,
	)
	if err != nil {
		return dbError("put entity", err)
	}
	return nil
}

// appendChange records c in the change log and returns its sequence number.
func appendChange(ctx context.Context, tx *sql.Tx, c persist.Commit) (int64, error) {
	before, err := marshalEntity(c.Before)
	if err != nil {
		return 0, dbError("append change", err)
	}
	after, err := marshalEntity(c.After)
	if err != nil {
		return 0, dbError("append change", err)
	}
	subject := c.Subject()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes
		(kind, entity_id, op, version, mutation_id, before, after, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(subject.Kind),
		subject.ID,
		string(c.Op),
		subject.Version,
		c.MutationID,
		before,
		after,
		formatTime(c.At),
	)
	if err != nil {
		return 0, dbError("append change", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, dbError("append change", err)
	}
	return seq, nil
}

func cloneCommit(c persist.Commit) persist.Commit {
	if c.Before != nil {
		b := c.Before.Clone()
		c.Before = &b
	}
	if c.After != nil {
		a := c.After.Clone()
		c.After = &a
	}
	return c
}
