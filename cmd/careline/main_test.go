package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
rules:
  - id: er
    conversation_kinds: [emergency]
    targets:
      rosters: [er-oncall]
    channels: [push]
rosters:
  er-oncall: [dr-a, dr-b]
contacts:
  dr-a:
    push_token: ExponentPushToken[a]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := run(t, "rules", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"rules: 1", "er channels=[push]", "rosters: [er-oncall]", "contacts: 1", "covers emergency conversations: true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRulesValidateRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - id: x\n    pager: yes\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "rules", "validate", path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestTokenKeygenThenIssue(t *testing.T) {
	out, err := run(t, "token", "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || v == "" {
			t.Fatalf("bad keygen line %q", line)
		}
		t.Setenv(k, v)
	}

	out, err = run(t, "token", "issue", "dr-a", "--session", "s1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(out, "v4.public.") {
		t.Fatalf("unexpected token output %q", out)
	}
}
