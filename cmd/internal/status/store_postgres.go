package status

import (
	"context"
	"errors"
	"sort"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps statuses in <schema>.message_status and watermarks in
// <schema>.read_watermarks. The pool is owned by the caller.
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
		return nil, errors.New("status: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Init(ctx context.Context, rows []Status) error {
	if len(rows) == 0 {
		return nil
	}
	table := s.table("message_status")
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO `+table+` (message_id, user_id, conversation_id, seq, state, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (message_id, user_id) DO NOTHING`,
			r.MessageID, r.UserID, r.ConversationID, r.Seq, string(r.State), r.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// Transition locks the row, compares ranks and writes only forward moves.
func (s *PostgresStore) Transition(ctx context.Context, next Status) (State, error) {
	table := s.table("message_status")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevRaw string
	err = tx.QueryRow(ctx,
		`SELECT state FROM `+table+` WHERE message_id = $1 AND user_id = $2 FOR UPDATE`,
		next.MessageID, next.UserID,
	).Scan(&prevRaw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+table+` (message_id, user_id, conversation_id, seq, state, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			next.MessageID, next.UserID, next.ConversationID, next.Seq, string(next.State), next.UpdatedAt,
		)
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() == 0 {
			// Lost an insert race; retry against the committed row.
			_ = tx.Rollback(ctx)
			return s.Transition(ctx, next)
		}
		return "", tx.Commit(ctx)
	case err != nil:
		return "", err
	}

	prev := State(prevRaw)
	if next.State.Rank() < prev.Rank() {
		return prev, apperr.Ef("status.store.Transition", apperr.ErrInvalidTransition, "%s -> %s", prev, next.State)
	}
	if next.State.Rank() == prev.Rank() {
		return prev, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+table+` SET state = $3, updated_at = $4 WHERE message_id = $1 AND user_id = $2`,
		next.MessageID, next.UserID, string(next.State), next.UpdatedAt,
	); err != nil {
		return "", err
	}
	return prev, tx.Commit(ctx)
}

func (s *PostgresStore) ReadUpTo(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) ([]Status, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.table("message_status")+`
		    SET state = 'read', updated_at = $4
		  WHERE conversation_id = $1 AND user_id = $2 AND seq <= $3 AND state <> 'read'
		RETURNING message_id, user_id, conversation_id, seq, state, updated_at`,
		conversationID, userID, uptoSeq, at,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectStatuses(rows)
	if err != nil {
		return nil, err
	}
	sortBySeq(out)
	return out, nil
}

func (s *PostgresStore) ListForMessage(ctx context.Context, messageID string) ([]Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, conversation_id, seq, state, updated_at
		   FROM `+s.table("message_status")+`
		  WHERE message_id = $1
		  ORDER BY user_id`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	return collectStatuses(rows)
}

func (s *PostgresStore) Watermark(ctx context.Context, conversationID, userID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_seq FROM `+s.table("read_watermarks")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *PostgresStore) AdvanceWatermark(ctx context.Context, conversationID, userID string, seq int64, at time.Time) (bool, error) {
	table := s.table("read_watermarks")
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (conversation_id, user_id, last_read_seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE
		    SET last_read_seq = EXCLUDED.last_read_seq, updated_at = EXCLUDED.updated_at
		  WHERE `+table+`.last_read_seq < EXCLUDED.last_read_seq`,
		conversationID, userID, seq, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) table(name string) string {
	return pgutil.Ident(s.schema, name)
}

func collectStatuses(rows pgx.Rows) ([]Status, error) {
	defer rows.Close()
	out := make([]Status, 0)
	for rows.Next() {
		var (
			st    Status
			state string
		)
		if err := rows.Scan(&st.MessageID, &st.UserID, &st.ConversationID, &st.Seq, &state, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.State = State(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

func sortBySeq(rows []Status) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
}
