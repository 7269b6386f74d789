package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
)

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captureSink) count(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type staticRules bool

func (r staticRules) CoversEmergencyConversations() bool { return bool(r) }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	opts = append([]ServiceOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc, err := NewService(NewInMemoryStore(), sink, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, sink
}

func TestCreateValidatesKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		rules   EmergencyRules
		in      CreateInput
		wantErr error
	}{
		{
			name: "direct ok",
			in:   CreateInput{Kind: KindDirect, CreatedBy: "doc", Participants: []Member{{UserID: "pat"}}},
		},
		{
			name:    "direct with three",
			in:      CreateInput{Kind: KindDirect, CreatedBy: "doc", Participants: []Member{{UserID: "a"}, {UserID: "b"}}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "direct with self only",
			in:      CreateInput{Kind: KindDirect, CreatedBy: "doc", Participants: []Member{{UserID: "doc"}}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "emergency without rules",
			in:      CreateInput{Kind: KindEmergency, CreatedBy: "doc"},
			wantErr: apperr.ErrValidation,
		},
		{
			name:  "emergency with rules",
			rules: staticRules(true),
			in:    CreateInput{Kind: KindEmergency, CreatedBy: "doc"},
		},
		{
			name:    "unknown kind",
			in:      CreateInput{Kind: "town_hall", CreatedBy: "doc"},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "missing creator",
			in:      CreateInput{Kind: KindGroup},
			wantErr: apperr.ErrValidation,
		},
	}

	for _, tc := range cases {
		var opts []ServiceOption
		if tc.rules != nil {
			opts = append(opts, WithEmergencyRules(tc.rules))
		}
		svc, sink := newTestService(t, opts...)

		_, members, err := svc.Create(context.Background(), tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
			}
			if sink.count(audit.ActionConversationCreated) != 0 {
				t.Fatalf("%s: rejected create must not be audited", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if members[0].UserID != "doc" || members[0].Role != RoleAdmin {
			t.Fatalf("%s: creator must be admin, got %+v", tc.name, members[0])
		}
		if sink.count(audit.ActionConversationCreated) != 1 {
			t.Fatalf("%s: expected one conversation_created entry", tc.name)
		}
	}
}

func TestMembershipLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sink := newTestService(t)

	c, _, err := svc.Create(ctx, CreateInput{
		Kind:         KindGroup,
		CreatedBy:    "admin",
		Participants: []Member{{UserID: "nurse", Role: RoleModerator}, {UserID: "viewer", Role: RoleReadOnly}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.AddParticipant(ctx, "viewer", c.ID, "intruder", RoleParticipant); !apperr.IsUnauthorized(err) {
		t.Fatalf("read_only must not add members, got %v", err)
	}
	if sink.count(audit.ActionAccessDenied) != 1 {
		t.Fatalf("expected access_denied entry")
	}

	if _, err := svc.AddParticipant(ctx, "nurse", c.ID, "patient", ""); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if _, err := svc.AddParticipant(ctx, "nurse", c.ID, "patient", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on duplicate active row, got %v", err)
	}

	if err := svc.RemoveParticipant(ctx, "patient", c.ID, "patient"); err != nil {
		t.Fatalf("self leave: %v", err)
	}
	if _, err := svc.ActiveParticipant(ctx, c.ID, "patient"); !apperr.IsNotFound(err) {
		t.Fatalf("expected departed user to be inactive, got %v", err)
	}

	// Re-adding creates a fresh active row; the old one is kept.
	if _, err := svc.AddParticipant(ctx, "admin", c.ID, "patient", RoleParticipant); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	all, _ := svc.ListParticipants(ctx, c.ID, false)
	active, _ := svc.ListParticipants(ctx, c.ID, true)
	if len(all) != 5 || len(active) != 4 {
		t.Fatalf("expected 5 rows / 4 active, got %d / %d", len(all), len(active))
	}

	if err := svc.ChangeRole(ctx, "nurse", c.ID, "viewer", RoleParticipant); !apperr.IsUnauthorized(err) {
		t.Fatalf("moderator must not change roles, got %v", err)
	}
	if err := svc.ChangeRole(ctx, "admin", c.ID, "viewer", RoleParticipant); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}

	if err := svc.Deactivate(ctx, "admin", c.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, _, err := svc.Authorize(ctx, "test", c.ID, "viewer", PermWrite); !errors.Is(err, apperr.ErrConversationInactive) {
		t.Fatalf("expected inactive conversation, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, "test", c.ID, "viewer", PermRead); err != nil {
		t.Fatalf("reads stay allowed on inactive conversations: %v", err)
	}
}

func TestDirectConversationMembershipIsFixed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t)

	c, _, err := svc.Create(ctx, CreateInput{Kind: KindDirect, CreatedBy: "doc", Participants: []Member{{UserID: "pat"}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.AddParticipant(ctx, "doc", c.ID, "third", ""); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error adding to direct, got %v", err)
	}
	if err := svc.RemoveParticipant(ctx, "pat", c.ID, "pat"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error leaving direct, got %v", err)
	}
	active, _ := svc.ListParticipants(ctx, c.ID, true)
	if len(active) != 2 {
		t.Fatalf("direct conversation must keep 2 active participants, got %d", len(active))
	}
}

func TestListForUserOrdersByActivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t)

	a, _, _ := svc.Create(ctx, CreateInput{Kind: KindGroup, CreatedBy: "u"})
	b, _, _ := svc.Create(ctx, CreateInput{Kind: KindGroup, CreatedBy: "u"})
	if err := svc.Touch(ctx, a.ID, a.UpdatedAt.Add(time.Second)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := svc.ListForUser(ctx, "u")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
}
