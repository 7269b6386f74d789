package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil/pgtest"
)

func TestPostgresStoreParticipantLifecycle(t *testing.T) {
	pool, schema := pgtest.Open(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()

	c := Conversation{ID: ids.New(now), Kind: KindGroup, Title: "Ward 4", CreatedBy: "doctor", IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := st.Create(ctx, c, []Participant{
		{ConversationID: c.ID, UserID: "doctor", Role: RoleAdmin, JoinedAt: now, IsActive: true},
		{ConversationID: c.ID, UserID: "nurse", Role: RoleParticipant, JoinedAt: now, IsActive: true},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := Participant{ConversationID: c.ID, UserID: "nurse", Role: RoleParticipant, JoinedAt: now, IsActive: true}
	if err := st.AddParticipant(ctx, dup); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second active row: got %v want conflict", err)
	}

	if err := st.LeaveParticipant(ctx, c.ID, "nurse", now.Add(time.Minute)); err != nil {
		t.Fatalf("LeaveParticipant: %v", err)
	}
	if _, err := st.ActiveParticipant(ctx, c.ID, "nurse"); !apperr.IsNotFound(err) {
		t.Fatalf("departed participant still active: %v", err)
	}

	dup.JoinedAt = now.Add(2 * time.Minute)
	if err := st.AddParticipant(ctx, dup); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	all, err := st.Participants(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	rows := 0
	for _, p := range all {
		if p.UserID == "nurse" {
			rows++
		}
	}
	if rows != 2 {
		t.Fatalf("nurse rows=%d want 2 (departed + active)", rows)
	}
	active, err := st.Participants(ctx, c.ID, true)
	if err != nil || len(active) != 2 {
		t.Fatalf("active participants=%d err=%v", len(active), err)
	}

	if err := st.Touch(ctx, c.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := st.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UpdatedAt.Before(now.Truncate(time.Microsecond)) {
		t.Fatalf("Touch moved updated_at backwards: %s", got.UpdatedAt)
	}
}
