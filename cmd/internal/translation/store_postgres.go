package translation

import (
	"context"
	"errors"

	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps translations in <schema>.translations.
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
		return nil, errors.New("translation: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Get(ctx context.Context, k Key) (Translation, bool, error) {
	var t Translation
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, edit_version, target_language, source_language, text, provider, created_at
		FROM `+pgutil.Ident(s.schema, "translations")+`
		WHERE message_id = $1 AND edit_version = $2 AND target_language = $3`,
		k.MessageID, k.EditVersion, k.TargetLanguage,
	).Scan(&t.MessageID, &t.EditVersion, &t.TargetLanguage, &t.SourceLanguage, &t.Text, &t.Provider, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Translation{}, false, nil
	}
	if err != nil {
		return Translation{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, t Translation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+pgutil.Ident(s.schema, "translations")+`
			(message_id, edit_version, target_language, source_language, text, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id, edit_version, target_language) DO NOTHING`,
		t.MessageID, t.EditVersion, t.TargetLanguage, t.SourceLanguage, t.Text, t.Provider, t.CreatedAt,
	)
	return err
}
