package pgutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeSchema(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "careline", want: "careline"},
		{in: "  it_schema_1 ", want: "it_schema_1"},
		{in: "", wantErr: true},
		{in: "bad-name", wantErr: true},
		{in: "x; DROP TABLE", wantErr: true},
	}

	for _, tc := range cases {
		got, err := NormalizeSchema(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidSchema) {
				t.Fatalf("NormalizeSchema(%q): expected ErrInvalidSchema, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("NormalizeSchema(%q)=%q,%v want=%q", tc.in, got, err, tc.want)
		}
	}
}

func TestIdentQuotes(t *testing.T) {
	t.Parallel()

	if got := Ident("careline", "messages"); got != `"careline"."messages"` {
		t.Fatalf("Ident=%s", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "escalation_events_active_dedup"})
	if !IsUniqueViolation(err, "") || !IsUniqueViolation(err, "escalation_events_active_dedup") {
		t.Fatalf("expected unique violation")
	}
	if IsUniqueViolation(err, "other") {
		t.Fatalf("constraint filter ignored")
	}
	if IsUniqueViolation(errors.New("x"), "") {
		t.Fatalf("plain error is not a unique violation")
	}
}
