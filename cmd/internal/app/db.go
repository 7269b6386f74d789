package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbApplicationName = "careline"

// poolConfig maps careline's database settings onto a pgxpool config. Every
// connection carries an application_name and the configured statement timeout.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse CARELINE_DATABASE_URL: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	params := pcfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = dbApplicationName
	}
	if cfg.DBStatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.DBStatementTimeout.Milliseconds(), 10)
	}
	return pcfg, nil
}

// NewDBPool connects to Postgres and checks that the careline schema has been
// applied. The schema itself is applied out of band from infra/db/schema.sql.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	if err := requireSchema(ctx, pool, cfg.DBSchema); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("app.db.connect",
		"host", pcfg.ConnConfig.Host,
		"database", pcfg.ConnConfig.Database,
		"schema", cfg.DBSchema,
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
	)
	return pool, nil
}

func requireSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	var ok bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'messages')`,
		schema).Scan(&ok)
	if err != nil {
		return fmt.Errorf("check schema %q: %w", schema, err)
	}
	if !ok {
		return fmt.Errorf("schema %q has no careline tables; apply infra/db/schema.sql", schema)
	}
	return nil
}

// PingDB checks that a connection can be acquired within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
