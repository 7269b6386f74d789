// Package pgtest provisions throwaway Postgres schemas for integration tests.
//
// Tests are enabled when CARELINE_DATABASE_URL is set and skip otherwise, so
// "go test ./..." stays fast without a database.
package pgtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvDatabaseURL names the variable that enables integration tests.
const EnvDatabaseURL = "CARELINE_DATABASE_URL"

// Open connects to CARELINE_DATABASE_URL, creates a fresh schema, applies
// infra/db/schema.sql inside it and drops it on cleanup.
func Open(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if raw == "" {
		t.Skip("integration test skipped: " + EnvDatabaseURL + " is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "careline_it_" + randomHex(t, 6)
	ddl, err := schemaSQL(schema)
	if err != nil {
		t.Fatalf("load schema.sql: %v", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return pool, schema
}

// schemaSQL returns infra/db/schema.sql retargeted at schema.
func schemaSQL(schema string) (string, error) {
	path, err := findSchemaFile()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	quoted := pgx.Identifier{schema}.Sanitize()
	s := strings.Replace(string(b), "CREATE SCHEMA IF NOT EXISTS careline;", "CREATE SCHEMA "+quoted+";", 1)
	s = strings.Replace(s, "SET search_path TO careline;", "SET LOCAL search_path TO "+quoted+";", 1)
	return s, nil
}

// Columns returns the columns infra/db/schema.sql declares for table. It needs
// no database, so store column lists can be checked on every test run.
func Columns(t *testing.T, table string) map[string]bool {
	t.Helper()

	path, err := findSchemaFile()
	if err != nil {
		t.Fatalf("locate schema.sql: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema.sql: %v", err)
	}

	_, body, ok := strings.Cut(string(b), "CREATE TABLE IF NOT EXISTS "+table+" (")
	if !ok {
		t.Fatalf("schema.sql has no table %q", table)
	}
	body, _, _ = strings.Cut(body, "\n);")

	cols := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "CONSTRAINT", "PRIMARY", "UNIQUE", "CHECK", "FOREIGN":
			continue
		}
		cols[fields[0]] = true
	}
	return cols
}

// RequireColumns fails t when a comma-separated column list names a column
// table does not declare.
func RequireColumns(t *testing.T, table, list string) {
	t.Helper()

	have := Columns(t, table)
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if c != "" && !have[c] {
			t.Errorf("%s: column %q missing from schema.sql", table, c)
		}
	}
}

func findSchemaFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(dir, "infra", "db", "schema.sql")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

func randomHex(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
