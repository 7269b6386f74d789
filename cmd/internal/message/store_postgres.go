package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/attachment"
	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Append takes a per-conversation transactional advisory lock and allocates
//     seq from <schema>.conversation_cursors, so seqs stay gapless and strictly
//     increasing even across careline instances.
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
		return nil, errors.New("message: nil pool")
	}
	return st, nil
}

const cursorColumns = `conversation_id, next_seq, updated_at`

const messageColumns = `id, conversation_id, seq, sender_id, type, content, priority, reply_to,
	metadata, attachments, is_edited, edit_version, is_deleted, expires_at, created_at, updated_at`

// Append allocates the next seq and inserts m in one transaction.
func (s *PostgresStore) Append(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" || m.ConversationID == "" {
		return Message{}, apperr.E("message.store.Append", apperr.ErrValidation, "missing id")
	}

	metadata, attachments, err := encodeJSONColumns(m)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	cursors := s.table("conversation_cursors")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (`+cursorColumns+`)
		 VALUES ($1, 1, now())
		 ON CONFLICT (conversation_id) DO NOTHING`,
		m.ConversationID,
	); err != nil {
		return Message{}, err
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		m.ConversationID,
	).Scan(&m.Seq); err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.ConversationID, m.Seq, m.SenderID, string(m.Type), m.Content, string(m.Priority), nullable(m.ReplyTo),
		metadata, attachments, m.IsEdited, m.EditVersion, m.IsDeleted, m.ExpiresAt, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		if pgutil.IsUniqueViolation(err, "") {
			return Message{}, apperr.E("message.store.Append", apperr.ErrConflict, "duplicate id")
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, apperr.E("message.store.Get", apperr.ErrNotFound, "")
	}
	return m, err
}

// History returns messages ordered by seq ASC, paged by AfterSeq.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	limit := clampLimit(q.Limit)
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		    AND seq > $2
		    AND ($3::bigint = 0 OR seq < $3::bigint)
		    AND ($4::boolean OR (NOT is_deleted AND (expires_at IS NULL OR expires_at > $5)))
		  ORDER BY seq ASC
		  LIMIT $6`,
		q.ConversationID, q.AfterSeq, q.BeforeSeq, q.IncludeHidden, now, limit+1,
	)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

// UpdateContent replaces content if the message is still at fromVersion.
func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, fromVersion int, at time.Time) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("messages")+`
		    SET content = $2, edit_version = edit_version + 1, is_edited = true, updated_at = $4
		  WHERE id = $1 AND edit_version = $3 AND NOT is_deleted
		RETURNING `+messageColumns,
		id, content, fromVersion, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return Message{}, gerr
		}
		return Message{}, apperr.E("message.store.UpdateContent", apperr.ErrConflict, "message changed concurrently")
	}
	return m, err
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string, at time.Time) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("messages")+`
		    SET is_deleted = true, updated_at = $2
		  WHERE id = $1 AND NOT is_deleted
		RETURNING `+messageColumns,
		id, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return Message{}, gerr
		}
		return Message{}, apperr.E("message.store.SoftDelete", apperr.ErrConflict, "already deleted")
	}
	return m, err
}

func (s *PostgresStore) CountVisibleAfter(ctx context.Context, conversationID string, afterSeq int64, excludeSender string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		    AND seq > $2
		    AND sender_id <> $3
		    AND NOT is_deleted
		    AND (expires_at IS NULL OR expires_at > $4)`,
		conversationID, afterSeq, excludeSender, now,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_seq - 1 FROM `+s.table("conversation_cursors")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *PostgresStore) table(name string) string {
	return pgutil.Ident(s.schema, name)
}

func encodeJSONColumns(m Message) (metadata, attachments *string, err error) {
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
		v := string(b)
		metadata = &v
	}
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, nil, fmt.Errorf("encode attachments: %w", err)
		}
		v := string(b)
		attachments = &v
	}
	return metadata, attachments, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m                     Message
		typ, priority         string
		replyTo               *string
		metadata, attachments []byte
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &typ, &m.Content, &priority, &replyTo,
		&metadata, &attachments, &m.IsEdited, &m.EditVersion, &m.IsDeleted, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	m.Type = Type(typ)
	m.Priority = Priority(priority)
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(attachments) > 0 {
		var as []attachment.Attachment
		if err := json.Unmarshal(attachments, &as); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
		m.Attachments = as
	}
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
