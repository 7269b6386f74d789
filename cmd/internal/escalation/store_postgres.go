package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps events in <schema>.escalation_events and attempts in
// <schema>.escalation_attempts. Dedup relies on the partial unique index
// escalation_events_active_dedup (dedup_key) WHERE state <> 'expired'.
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
		return nil, errors.New("escalation: nil pool")
	}
	return st, nil
}

const eventColumns = `id, dedup_key, conversation_id, triggering_message_id, message_ids, rule_id, priority,
	state, attempts, targets, last_error, acknowledged_by, acknowledged_at, created_at, updated_at`

func (s *PostgresStore) CreateOrAttach(ctx context.Context, ev Event) (Event, bool, error) {
	table := s.table("escalation_events")

	ids := ev.MessageIDs
	if len(ids) == 0 {
		ids = []string{ev.TriggeringMessageID}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO `+table+` AS e (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, '', '', NULL, $10, $10)
		ON CONFLICT (dedup_key) WHERE state <> 'expired' DO UPDATE SET
			message_ids = CASE
				WHEN $4 = ANY(e.message_ids) THEN e.message_ids
				ELSE array_append(e.message_ids, $4)
			END,
			updated_at = GREATEST(e.updated_at, EXCLUDED.updated_at)
		RETURNING `+eventColumns+`, (xmax = 0) AS inserted`,
		ev.ID, ev.DedupKey, ev.ConversationID, ev.TriggeringMessageID, ids, ev.RuleID, ev.Priority,
		string(ev.State), ev.Targets, ev.CreatedAt,
	)

	var inserted bool
	out, err := scanEvent(row, &inserted)
	if err != nil {
		return Event{}, false, err
	}
	return out, inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM `+s.table("escalation_events")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, apperr.E("escalation.store.Get", apperr.ErrNotFound, "")
	}
	return ev, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to State, note string, at time.Time) (Event, error) {
	const op = "escalation.store.Transition"

	from := make([]string, 0, 2)
	for _, st := range fromStates(to) {
		from = append(from, string(st))
	}

	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		UPDATE `+s.table("escalation_events")+` SET
			state = $2,
			last_error = CASE WHEN $3 = '' THEN last_error ELSE $3 END,
			updated_at = GREATEST(updated_at, $4)
		WHERE id = $1 AND state = ANY($5)
		RETURNING `+eventColumns,
		id, string(to), note, at, from,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return Event{}, gerr
		}
		return cur, apperr.Ef(op, apperr.ErrInvalidTransition, "%s -> %s", cur.State, to)
	}
	return ev, err
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, a Attempt) (Event, Attempt, error) {
	results, err := json.Marshal(a.Results)
	if err != nil {
		return Event{}, Attempt{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, Attempt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev, err := scanEvent(tx.QueryRow(ctx, `
		UPDATE `+s.table("escalation_events")+` SET
			attempts = attempts + 1,
			updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
		RETURNING `+eventColumns,
		a.EventID, a.At,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, Attempt{}, apperr.E("escalation.store.RecordAttempt", apperr.ErrNotFound, "")
	}
	if err != nil {
		return Event{}, Attempt{}, err
	}
	a.N = ev.Attempts

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+s.table("escalation_attempts")+` (event_id, n, results, error, at)
		VALUES ($1, $2, $3::jsonb, $4, $5)`,
		a.EventID, a.N, string(results), a.Error, a.At,
	); err != nil {
		return Event{}, Attempt{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, Attempt{}, err
	}
	return ev, a, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, eventID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, n, results, error, at
		FROM `+s.table("escalation_attempts")+`
		WHERE event_id = $1
		ORDER BY n ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a   Attempt
			raw []byte
		)
		if err := rows.Scan(&a.EventID, &a.N, &raw, &a.Error, &a.At); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Results); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Acknowledge(ctx context.Context, id, userID string, at time.Time) (Event, bool, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		UPDATE `+s.table("escalation_events")+` SET
			acknowledged_by = $2,
			acknowledged_at = $3,
			updated_at = GREATEST(updated_at, $3)
		WHERE id = $1 AND acknowledged_at IS NULL AND state <> 'expired'
		RETURNING `+eventColumns,
		id, userID, at,
	))
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, err
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return Event{}, false, err
	}
	if cur.State == StateExpired && !cur.Acknowledged() {
		return cur, false, apperr.E("escalation.store.Acknowledge", apperr.ErrInvalidTransition, "event expired")
	}
	return cur, false, nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM `+s.table("escalation_events")+`
		WHERE state IN ('pending', 'failed') AND acknowledged_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, clampLimit(limit))
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Event, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM `+s.table("escalation_events")+`
		WHERE state = 'pending' AND acknowledged_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, clampLimit(limit))
}

func (s *PostgresStore) ListForConversation(ctx context.Context, conversationID string, limit int) ([]Event, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM `+s.table("escalation_events")+`
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, clampLimit(limit))
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) table(name string) string {
	return pgutil.Ident(s.schema, name)
}

func scanEvent(row pgx.Row, extra ...any) (Event, error) {
	var (
		ev    Event
		state string
	)
	dest := []any{
		&ev.ID, &ev.DedupKey, &ev.ConversationID, &ev.TriggeringMessageID, &ev.MessageIDs, &ev.RuleID, &ev.Priority,
		&state, &ev.Attempts, &ev.Targets, &ev.LastError, &ev.AcknowledgedBy, &ev.AcknowledgedAt, &ev.CreatedAt, &ev.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Event{}, err
	}
	ev.State = State(state)
	return ev, nil
}
