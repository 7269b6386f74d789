package app

import (
	"context"
	"fmt"
	"io"

	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/escalation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/smartreply"
	"careline/cmd/internal/status"
	"careline/cmd/internal/translation"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stores groups the persistence backends of every component.
// The app owns the pool; the Postgres stores never close it.
type stores struct {
	pool *pgxpool.Pool

	conversations conversation.Store
	messages      message.Store
	statuses      status.Store
	escalations   escalation.Store
	smartReplies  smartreply.Store
	translations  translation.Store
	audit         audit.Store

	closers []io.Closer
}

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("db.disabled.inmemory_store", "hint", "data is lost on restart")
		st := &stores{
			conversations: conversation.NewInMemoryStore(),
			messages:      message.NewInMemoryStore(),
			statuses:      status.NewInMemoryStore(),
			escalations:   escalation.NewInMemoryStore(),
			smartReplies:  smartreply.NewInMemoryStore(),
			audit:         audit.NewInMemoryStore(),
		}
		if err := st.openTranslations(cfg); err != nil {
			return nil, err
		}
		return st, nil
	}

	pool, err := NewDBPool(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	st := &stores{pool: pool}
	if err := st.openPostgres(cfg); err != nil {
		pool.Close()
		return nil, err
	}
	if err := st.openTranslations(cfg); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, nil
}

func (s *stores) openPostgres(cfg Config) error {
	schema := cfg.DBSchema

	convs, err := conversation.NewPostgresStore(s.pool, conversation.WithSchema(schema))
	if err != nil {
		return err
	}
	msgs, err := message.NewPostgresStore(s.pool, message.WithSchema(schema))
	if err != nil {
		return err
	}
	statuses, err := status.NewPostgresStore(s.pool, status.WithSchema(schema))
	if err != nil {
		return err
	}
	escs, err := escalation.NewPostgresStore(s.pool, escalation.WithSchema(schema))
	if err != nil {
		return err
	}
	replies, err := smartreply.NewPostgresStore(s.pool, smartreply.WithSchema(schema))
	if err != nil {
		return err
	}
	auditStore, err := audit.NewPostgresStore(s.pool, audit.WithSchema(schema))
	if err != nil {
		return err
	}

	s.conversations = convs
	s.messages = msgs
	s.statuses = statuses
	s.escalations = escs
	s.smartReplies = replies
	s.audit = auditStore
	return nil
}

func (s *stores) openTranslations(cfg Config) error {
	switch cfg.TranslationStore {
	case "pebble":
		ps, err := translation.OpenPebbleStore(cfg.TranslationCacheDir)
		if err != nil {
			return fmt.Errorf("translation cache: %w", err)
		}
		s.translations = ps
		s.closers = append(s.closers, ps)
	case "postgres":
		if s.pool == nil {
			return fmt.Errorf("translation cache: postgres store needs a database")
		}
		ps, err := translation.NewPostgresStore(s.pool, translation.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		s.translations = ps
	default:
		s.translations = translation.NewInMemoryStore()
	}
	return nil
}

// Close releases store resources. The pool goes last.
func (s *stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return first
}
