// Package postgres is a persistence backend on PostgreSQL.
//
// Every write to wolfpack_entities fires a trigger that publishes the row
// image on the wolfpack_changes channel; push/pgnotify turns those
// notifications into change streams.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

//go:embed schema.sql
var schemaSQL string

// Channel is the NOTIFY channel the change trigger publishes on.
const Channel = "wolfpack_changes"

const operationTimeout = 5 * time.Second

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements persist.API and persist.DeviceRegistry on PostgreSQL.
type Store struct {
	db        *sql.DB
	validator *persist.Validator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time source stamped on writes.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithValidator sets the payload validator.
func WithValidator(v *persist.Validator) Option {
	return func(s *Store) {
		s.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = persist.MustValidator()
	}
	return s, nil
}

// clock returns the current time at the column precision.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateMutation implements persist.API.
func (s *Store) CreateMutation(ctx context.Context, req persist.Request) (entity.Entity, error) {
	if err := s.validator.Validate(req); err != nil {
		return entity.Entity{}, err
	}
	payload, err := json.Marshal(orEmpty(req.Payload))
	if err != nil {
		return entity.Entity{}, persist.Wrap(persist.CodeValidation, "encode payload", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, dbError("create mutation: begin tx", err)
	}
	defer tx.Rollback()

	if prior, ok, err := storedResult(ctx, tx, req.MutationID); err != nil || ok {
		if ok {
			s.logger.Debug("mutation replayed", "mutation_id", req.MutationID)
		}
		return prior, err
	}

	current, err := lockEntity(ctx, tx, req.Kind, req.EntityID)
	if err != nil {
		return entity.Entity{}, err
	}
	next, err := persist.Apply(current, req, s.clock())
	if err != nil {
		return entity.Entity{}, err
	}
	if err := writeEntity(ctx, tx, current, next, req.MutationID); err != nil {
		return entity.Entity{}, err
	}

	result, err := json.Marshal(next)
	if err != nil {
		return entity.Entity{}, dbError("create mutation", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wolfpack_mutations
		(mutation_id, kind, op, entity_id, payload, result, applied_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		ON CONFLICT (mutation_id) DO NOTHING
	`, req.MutationID, string(req.Kind), string(req.Op), req.EntityID, string(payload), string(result), next.UpdatedAt)
	if err != nil {
		return entity.Entity{}, dbError("create mutation: record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent submission of the same id won.
		tx.Rollback()
		prior, _, err := storedResult(ctx, s.db, req.MutationID)
		return prior, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, dbError("create mutation: commit", err)
	}
	return next, nil
}

// FetchCollection implements persist.API.
func (s *Store) FetchCollection(ctx context.Context, kind entity.Kind, filter entity.Filter, cursor string, limit int) (persist.Page, error) {
	if limit <= 0 {
		return persist.Page{}, persist.Errorf(persist.CodeValidation, "limit must be positive, got %d", limit)
	}
	c, err := persist.DecodeCursor(cursor)
	if err != nil {
		return persist.Page{}, err
	}

	var (
		where = []string{"kind = $1"}
		args  = []any{string(kind)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		switch k {
		case "id", entity.StatusField:
			where = append(where, k+" = "+arg(filter[k]))
		default:
			if !fieldName.MatchString(k) {
				return persist.Page{}, persist.Errorf(persist.CodeValidation, "invalid filter field %q", k)
			}
			where = append(where, "fields->>"+arg(k)+" = "+arg(filter[k]))
		}
	}
	if !c.IsZero() {
		at := arg(c.CreatedAt)
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id > %s))", at, at, arg(c.ID)))
	}
	lim := arg(limit + 1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM wolfpack_entities
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id COLLATE "C" ASC
		LIMIT `+lim, args...)
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

// Put stores e as-is, bypassing mutation rules. A zero version becomes the
// next version of the stored entity.
func (s *Store) Put(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.Kind == "" || e.ID == "" {
		return entity.Entity{}, persist.Errorf(persist.CodeValidation, "put requires kind and id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, dbError("put: begin tx", err)
	}
	defer tx.Rollback()

	current, err := lockEntity(ctx, tx, e.Kind, e.ID)
	if err != nil {
		return entity.Entity{}, err
	}
	next := e.Clone()
	next.Pending = false
	now := s.clock()
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
	if err := writeEntity(ctx, tx, current, next, ""); err != nil {
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, dbError("put: commit", err)
	}
	return next, nil
}

// Delete removes an entity. It reports whether the entity existed.
func (s *Store) Delete(ctx context.Context, kind entity.Kind, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wolfpack_entities WHERE kind = $1 AND id = $2`, string(kind), id)
	if err != nil {
		return false, dbError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("delete", err)
	}
	return n > 0, nil
}

// RegisterDevice implements persist.DeviceRegistry.
func (s *Store) RegisterDevice(ctx context.Context, d persist.Device) error {
	if d.Token == "" || d.UserID == "" {
		return persist.Errorf(persist.CodeValidation, "device requires user_id and token")
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wolfpack_devices (token, user_id, platform, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET
			user_id       = EXCLUDED.user_id,
			platform      = EXCLUDED.platform,
			registered_at = EXCLUDED.registered_at
	`, d.Token, d.UserID, d.Platform, d.RegisteredAt.UTC())
	return dbError("register device", err)
}

// UnregisterDevice implements persist.DeviceRegistry.
func (s *Store) UnregisterDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wolfpack_devices WHERE token = $1`, token)
	return dbError("unregister device", err)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storedResult(ctx context.Context, q queryer, mutationID string) (entity.Entity, bool, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT result FROM wolfpack_mutations WHERE mutation_id = $1`, mutationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, false, nil
	}
	if err != nil {
		return entity.Entity{}, false, dbError("lookup mutation", err)
	}
	var e entity.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return entity.Entity{}, false, dbError("decode stored result", err)
	}
	return e, true, nil
}

const entityColumns = "kind, id, version, status, created_at, updated_at, fields"

func lockEntity(ctx context.Context, tx *sql.Tx, kind entity.Kind, id string) (*entity.Entity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM wolfpack_entities WHERE kind = $1 AND id = $2 FOR UPDATE`, string(kind), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("lock entity", err)
	}
	return &e, nil
}

// writeEntity inserts next, or updates current in place when its version
// is unchanged since it was read.
func writeEntity(ctx context.Context, tx *sql.Tx, current *entity.Entity, next entity.Entity, mutationID string) error {
	fields, err := json.Marshal(orEmpty(next.Fields))
	if err != nil {
		return dbError("encode fields", err)
	}
	if current == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wolfpack_entities
			(kind, id, version, status, created_at, updated_at, fields, last_mutation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		`, string(next.Kind), next.ID, next.Version, string(next.Status), next.CreatedAt.UTC(), next.UpdatedAt.UTC(), string(fields), mutationID)
		return dbError("insert entity", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE wolfpack_entities SET
			version = $3, status = $4, created_at = $5, updated_at = $6,
			fields = $7::jsonb, last_mutation_id = $8
		WHERE kind = $1 AND id = $2 AND version = $9
	`, string(next.Kind), next.ID, next.Version, string(next.Status), next.CreatedAt.UTC(), next.UpdatedAt.UTC(), string(fields), mutationID, current.Version)
	if err != nil {
		return dbError("update entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persist.Errorf(persist.CodeUnavailable, "%s %s changed concurrently", next.Kind, next.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (entity.Entity, error) {
	var (
		e            entity.Entity
		kind, status string
		fields       []byte
	)
	if err := row.Scan(&kind, &e.ID, &e.Version, &status, &e.CreatedAt, &e.UpdatedAt, &fields); err != nil {
		return entity.Entity{}, err
	}
	e.Kind = entity.Kind(kind)
	e.Status = entity.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return entity.Entity{}, fmt.Errorf("decode fields: %w", err)
	}
	if e.Fields == nil {
		e.Fields = entity.Fields{}
	}
	return e, nil
}

func orEmpty(f entity.Fields) entity.Fields {
	if f == nil {
		return entity.Fields{}
	}
	return f
}

// dbError maps a driver failure onto the persistence taxonomy.
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
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return persist.Wrap(persist.CodeConflict, op, err)
		case pqErr.Code == "57014":
			return persist.Wrap(persist.CodeTimeout, op, err)
		case pqErr.Code.Class() == "40", pqErr.Code.Class() == "08", pqErr.Code.Class() == "53":
			return persist.Wrap(persist.CodeUnavailable, op, err)
		case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23":
			return persist.Wrap(persist.CodeValidation, op, err)
		}
	}
	return persist.Wrap(persist.CodeInternal, op, err)
}
