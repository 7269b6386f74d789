// Package pgutil holds the small PostgreSQL helpers shared by careline's stores.
package pgutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is the schema every store uses unless configured otherwise.
const DefaultSchema = "careline"

// ErrInvalidSchema is returned for blank or unsafe schema identifiers.
var ErrInvalidSchema = errors.New("pgutil: invalid schema identifier")

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain, unquoted-safe identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// NormalizeSchema trims and validates a schema name.
func NormalizeSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" || !ValidIdent(schema) {
		return "", ErrInvalidSchema
	}
	return schema, nil
}

// Ident returns the quoted schema-qualified table name.
// pgx.Identifier quotes identifiers, preventing SQL injection.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// IsUniqueViolation reports whether err is a unique_violation (23505), optionally
// restricted to a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
