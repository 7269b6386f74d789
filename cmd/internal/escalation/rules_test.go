package escalation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
)

const sampleRules = `
defaults:
  channels: [push, sms]
rules:
  - id: cardiac
    description: cardiac keywords in any care conversation
    priorities: [high, emergency]
    keywords: [Chest Pain, cardiac arrest]
    targets:
      rosters: [cardiology-oncall]
  - id: emergency-room
    conversation_kinds: [emergency]
    targets:
      roles: [admin, moderator]
      users: [er-lead]
    channels: [push, sms, email]
rosters:
  cardiology-oncall: [dr-heart, dr-valve]
contacts:
  dr-heart:
    push_token: ExponentPushToken[heart]
    phone: "+15550100"
  er-lead:
    email: er@example.com
`

func TestParseRules(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rs.Rules) != 2 || rs.Rules[0].Keywords[0] != "chest pain" {
		t.Fatalf("unexpected rules: %+v", rs.Rules)
	}
	if got := rs.Contact("dr-heart"); got.UserID != "dr-heart" || got.Phone != "+15550100" {
		t.Fatalf("contact=%+v", got)
	}
	if got := rs.Contact("nobody"); got.UserID != "nobody" || got.PushToken != "" {
		t.Fatalf("unknown contact=%+v", got)
	}
	if !rs.CoversEmergencyConversations() {
		t.Fatalf("rule set should cover emergency conversations")
	}

	empty, err := ParseRules(nil)
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if empty.CoversEmergencyConversations() {
		t.Fatalf("empty rule set must not cover emergency conversations")
	}
}

func TestParseRulesRejectsBadDocuments(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown roster",
			doc:  "rules:\n  - id: a\n    targets: {rosters: [ghosts]}\n",
			want: `unknown roster "ghosts"`,
		},
		{
			name: "duplicate id",
			doc:  "rules:\n  - id: a\n    targets: {users: [u]}\n  - id: a\n    targets: {users: [u]}\n",
			want: "duplicate id",
		},
		{
			name: "no targets",
			doc:  "rules:\n  - id: a\n",
			want: "no targets",
		},
		{
			name: "reserved id",
			doc:  "rules:\n  - id: fallback_emergency\n    targets: {users: [u]}\n",
			want: "reserved",
		},
		{
			name: "bad channel",
			doc:  "rules:\n  - id: a\n    channels: [pager]\n    targets: {users: [u]}\n",
			want: "oneof",
		},
		{
			name: "low priority",
			doc:  "rules:\n  - id: a\n    priorities: [low]\n    targets: {users: [u]}\n",
			want: "oneof",
		},
		{
			name: "unknown field",
			doc:  "rules:\n  - id: a\n    target: {users: [u]}\n",
			want: "decode",
		},
	}

	for _, tc := range cases {
		_, err := ParseRules([]byte(tc.doc))
		if !apperr.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	group := conversation.Conversation{ID: "c1", Kind: conversation.KindGroup}
	emergency := conversation.Conversation{ID: "c2", Kind: conversation.KindEmergency}

	cases := []struct {
		name   string
		msg    message.Message
		conv   conversation.Conversation
		want   string
		wantOK bool
	}{
		{
			name:   "keyword wins first",
			msg:    message.Message{Priority: message.PriorityHigh, Content: "sudden CHEST PAIN"},
			conv:   emergency,
			want:   "cardiac",
			wantOK: true,
		},
		{
			name:   "kind rule",
			msg:    message.Message{Priority: message.PriorityHigh, Content: "fall in ward 3"},
			conv:   emergency,
			want:   "emergency-room",
			wantOK: true,
		},
		{
			name:   "emergency falls back",
			msg:    message.Message{Priority: message.PriorityEmergency, Content: "help"},
			conv:   group,
			want:   FallbackRuleID,
			wantOK: true,
		},
		{
			name: "high without match is not escalated",
			msg:  message.Message{Priority: message.PriorityHigh, Content: "refill please"},
			conv: group,
		},
	}

	for _, tc := range cases {
		rule, ok := rs.Match(tc.msg, tc.conv)
		if ok != tc.wantOK || rule.ID != tc.want {
			t.Fatalf("%s: Match=%q,%v want=%q,%v", tc.name, rule.ID, ok, tc.want, tc.wantOK)
		}
	}

	rule, _ := rs.Match(message.Message{Priority: message.PriorityHigh, Content: "chest pain"}, group)
	if strings.Join(rule.Channels, ",") != "push,sms" {
		t.Fatalf("default channels not applied: %v", rule.Channels)
	}
}

func TestSourceReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := NewSource(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if len(src.Current().Rules) != 2 {
		t.Fatalf("rules=%d want=2", len(src.Current().Rules))
	}

	changed, err := src.Reload()
	if err != nil || changed {
		t.Fatalf("unchanged file reloaded: %v %v", changed, err)
	}

	next := "rules:\n  - id: only\n    targets: {users: [u1]}\n"
	if err := os.WriteFile(path, []byte(next), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	changed, err = src.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload=%v,%v want changed", changed, err)
	}
	if got := src.Current().Rules[0].ID; got != "only" {
		t.Fatalf("rule=%q want=only", got)
	}

	if err := os.WriteFile(path, []byte("rules: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	later := future.Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, err := src.Reload(); err == nil {
		t.Fatalf("expected error for broken file")
	}
	if got := src.Current().Rules[0].ID; got != "only" {
		t.Fatalf("broken edit replaced rules: %q", got)
	}
}
