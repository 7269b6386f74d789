package smartreply

import (
	"context"
	"errors"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps suggestions in <schema>.smart_replies. Expired rows are
// left for storage housekeeping. The pool is owned by the caller.
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

// NewPostgresStore constructs a Postgres-backed Store.
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
		return nil, errors.New("smartreply: nil pool")
	}
	return st, nil
}

const columns = `id, conversation_id, user_id, text, confidence, context_hash, is_used, used_at, created_at, expires_at`

func (s *PostgresStore) Insert(ctx context.Context, in []Suggestion) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	table := pgutil.Ident(s.schema, "smart_replies")
	batch := &pgx.Batch{}
	for _, sg := range in {
		batch.Queue(`
			INSERT INTO `+table+` (`+columns+`)
			VALUES ($1, $2, $3, $4, $5, $6, false, NULL, $7, $8)
			ON CONFLICT (conversation_id, user_id, context_hash, text) DO NOTHING`,
			sg.ID, sg.ConversationID, sg.UserID, sg.Text, sg.Confidence, sg.ContextHash, sg.CreatedAt, sg.ExpiresAt,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	n := 0
	for range in {
		tag, err := br.Exec()
		if err != nil {
			return n, err
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Suggestion, error) {
	sg, err := scan(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM `+pgutil.Ident(s.schema, "smart_replies")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Suggestion{}, apperr.E("smartreply.store.Get", apperr.ErrNotFound, "")
	}
	return sg, err
}

func (s *PostgresStore) Active(ctx context.Context, conversationID, userID, contextHash string, now time.Time, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+` FROM `+pgutil.Ident(s.schema, "smart_replies")+`
		WHERE conversation_id = $1 AND user_id = $2 AND context_hash = $3
		  AND NOT is_used AND expires_at > $4
		ORDER BY confidence DESC, created_at DESC
		LIMIT $5`,
		conversationID, userID, contextHash, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkUsed(ctx context.Context, id string, at time.Time) (Suggestion, bool, error) {
	sg, err := scan(s.pool.QueryRow(ctx, `
		UPDATE `+pgutil.Ident(s.schema, "smart_replies")+`
		SET is_used = true, used_at = $2
		WHERE id = $1 AND NOT is_used
		RETURNING `+columns, id, at))
	if err == nil {
		return sg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Suggestion{}, false, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Suggestion{}, false, err
	}
	return cur, false, nil
}

func scan(row pgx.Row) (Suggestion, error) {
	var sg Suggestion
	err := row.Scan(&sg.ID, &sg.ConversationID, &sg.UserID, &sg.Text, &sg.Confidence, &sg.ContextHash,
		&sg.IsUsed, &sg.UsedAt, &sg.CreatedAt, &sg.ExpiresAt)
	return sg, err
}
