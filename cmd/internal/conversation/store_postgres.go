package conversation

import (
	"context"
	"errors"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const activeParticipantConstraint = "conversation_participants_active_uq"

// PostgresStore is a Store backed by <schema>.conversations and
// <schema>.conversation_participants. The pool is owned by the caller.
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
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

const conversationColumns = `id, kind, title, description, created_by, encryption_enabled, retention_days, is_active, created_at, updated_at`

const participantColumns = `conversation_id, user_id, role, joined_at, left_at, is_active`

func (s *PostgresStore) Create(ctx context.Context, c Conversation, members []Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, string(c.Kind), c.Title, c.Description, c.CreatedBy,
		c.EncryptionEnabled, c.RetentionDays, c.IsActive, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		if pgutil.IsUniqueViolation(err, "") {
			return apperr.E("conversation.store.Create", apperr.ErrConflict, "conversation exists")
		}
		return err
	}

	// Cursor row for message sequencing is created with the conversation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_cursors")+` (conversation_id, next_seq)
		 VALUES ($1, 1) ON CONFLICT (conversation_id) DO NOTHING`,
		c.ID,
	); err != nil {
		return err
	}

	for _, p := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("conversation_participants")+` (`+participantColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ConversationID, p.UserID, string(p.Role), p.JoinedAt, p.LeftAt, p.IsActive,
		); err != nil {
			if pgutil.IsUniqueViolation(err, activeParticipantConstraint) {
				return apperr.E("conversation.store.Create", apperr.ErrConflict, "duplicate participant")
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+` WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.E("conversation.store.Get", apperr.ErrNotFound, "")
	}
	return c, err
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.title, c.description, c.created_by, c.encryption_enabled,
		        c.retention_days, c.is_active, c.created_at, c.updated_at
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("conversation_participants")+` p
		     ON p.conversation_id = c.id AND p.is_active
		  WHERE p.user_id = $1
		  ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Participants(ctx context.Context, conversationID string, activeOnly bool) ([]Participant, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+`
		   FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = $1 AND ($2::boolean = false OR is_active)
		  ORDER BY joined_at ASC, user_id ASC`,
		conversationID, activeOnly,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveParticipant(ctx context.Context, conversationID, userID string) (Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+`
		   FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = $1 AND user_id = $2 AND is_active`,
		conversationID, userID,
	)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, apperr.E("conversation.store.ActiveParticipant", apperr.ErrNotFound, "")
	}
	return p, err
}

func (s *PostgresStore) AddParticipant(ctx context.Context, p Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversation_participants")+` (`+participantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ConversationID, p.UserID, string(p.Role), p.JoinedAt, p.LeftAt, p.IsActive,
	)
	if pgutil.IsUniqueViolation(err, activeParticipantConstraint) {
		return apperr.E("conversation.store.AddParticipant", apperr.ErrConflict, "already an active participant")
	}
	return err
}

func (s *PostgresStore) LeaveParticipant(ctx context.Context, conversationID, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET is_active = false, left_at = $3
		  WHERE conversation_id = $1 AND user_id = $2 AND is_active`,
		conversationID, userID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E("conversation.store.LeaveParticipant", apperr.ErrNotFound, "")
	}
	return nil
}

func (s *PostgresStore) SetRole(ctx context.Context, conversationID, userID string, role Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET role = $3
		  WHERE conversation_id = $1 AND user_id = $2 AND is_active`,
		conversationID, userID, string(role),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E("conversation.store.SetRole", apperr.ErrNotFound, "")
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, conversationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET is_active = false, updated_at = GREATEST(updated_at, $2)
		  WHERE id = $1`,
		conversationID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E("conversation.store.Deactivate", apperr.ErrNotFound, "")
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, conversationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET updated_at = GREATEST(updated_at, $2)
		  WHERE id = $1`,
		conversationID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E("conversation.store.Touch", apperr.ErrNotFound, "")
	}
	return nil
}

func (s *PostgresStore) table(name string) string {
	return pgutil.Ident(s.schema, name)
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c    Conversation
		kind string
	)
	err := row.Scan(&c.ID, &kind, &c.Title, &c.Description, &c.CreatedBy,
		&c.EncryptionEnabled, &c.RetentionDays, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	c.Kind = Kind(kind)
	return c, err
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p    Participant
		role string
	)
	err := row.Scan(&p.ConversationID, &p.UserID, &role, &p.JoinedAt, &p.LeftAt, &p.IsActive)
	p.Role = Role(role)
	return p, err
}
