package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries into <schema>.audit_log.
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "careline").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed audit Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return st, nil
}

// Append inserts entries in one batch inside a transaction, preserving order.
func (s *PostgresStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	table := pgutil.Ident(s.schema, "audit_log")
	batch := &pgx.Batch{}
	for _, e := range entries {
		var details *string
		if len(e.Details) > 0 {
			if b, err := json.Marshal(e.Details); err == nil {
				v := string(b)
				details = &v
			}
		}
		batch.Queue(`
			INSERT INTO `+table+` (
				id, user_id, action, resource_type, resource_id, details, created_at
			) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, trimOrNil(e.UserID), e.Action, e.ResourceType, e.ResourceID, details, e.Timestamp,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List returns matching entries ordered by commit time.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, coalesce(user_id, ''), action, resource_type, resource_id, details, created_at
		  FROM `+pgutil.Ident(s.schema, "audit_log")+`
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2 = '' OR action = $2)
		   AND ($3 = '' OR resource_type = $3)
		   AND ($4 = '' OR resource_id = $4)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5`,
		q.UserID, q.Action, q.ResourceType, q.ResourceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &raw, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
