package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FetchCollection implements persist.API.
//
// Results are ordered by created_at DESC, id ASC. Filter terms on "id"
// and "status" address columns; other terms match string fields.
func (s *Store) FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (persist.Page, error) {
	if limit <= 0 {
		return persist.Page{}, persist.Errorf(persist.CodeValidation, "limit must be positive, got %d", limit)
	}
	c, err := persist.DecodeCursor(cursor)
	if err != nil {
		return persist.Page{}, err
	}

	var (
		where = []string{"kind = ?"}
		args  = []any{string(kind)}
	)
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		switch k {
		case "id", entity.StatusField:
			where = append(where, k+" = ?")
		default:
			if !fieldName.MatchString(k) {
				return persist.Page{}, persist.Errorf(persist.CodeValidation, "invalid filter field %q", k)
			}
			where = append(where, "json_extract(fields, ?) = ?")
			args = append(args, "$."+k)
		}
		args = append(args, filter[k])
	}
	if !c.IsZero() {
		at := formatTime(c.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, c.ID)
	}
	// One extra row tells whether another page exists.
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id COLLATE BINARY ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return persist.Page{}, dbError("fetch collection", err)
	}
	defer rows.Close()

	page := persist.Page{Items: make([]entity.Entity, 0, limit)}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return persist.Page{}, dbError("fetch collection: scan", err)
		}
		if len(page.Items) == limit {
			page.NextCursor = persist.EncodeCursor(page.Items[limit-1])
			break
		}
		page.Items = append(page.Items, e)
	}
	if err := rows.Err(); err != nil {
		return persist.Page{}, dbError("fetch collection: iterate", err)
	}
	return page, nil
}

// Get returns the stored entity, or persist.ErrNotFound.
func (s *Store) Get(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, persist.Errorf(persist.CodeNotFound, "%s %s", kind, id)
	}
	if err != nil {
		return entity.Entity{}, dbError("get", err)
	}
	return e, nil
}

// Changes implements persist.ChangeLog.
func (s *Store) Changes(ctx context.Context, after int64, limit int) ([]persist.Change, error) {
	if limit <= 0 {
		return nil, persist.Errorf(persist.CodeValidation, "limit must be positive, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op, mutation_id, before, after, committed_at
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, dbError("changes", err)
	}
	defer rows.Close()

	var out []persist.Change
	for rows.Next() {
		var (
			ch            persist.Change
			op, committed string
			before, aft   sql.NullString
		)
		if err := rows.Scan(&ch.Seq, &op, &ch.MutationID, &before, &aft, &committed); err != nil {
			return nil, dbError("changes: scan", err)
		}
		ch.Op = entity.Op(op)
		if ch.Before, err = unmarshalEntity(before); err != nil {
			return nil, dbError("changes: before", err)
		}
		if ch.After, err = unmarshalEntity(aft); err != nil {
			return nil, dbError("changes: after", err)
		}
		if ch.At, err = parseTime(committed); err != nil {
			return nil, dbError("changes: time", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("changes: iterate", err)
	}
	return out, nil
}
