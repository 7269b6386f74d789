package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandlerRendersRequestFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "info", "pretty"))

	log.Warn("http.request",
		"method", "post",
		"path", "/v1/conversations",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=http.request",
		"method=POST",
		"path=/v1/conversations",
		"status=404",
		"class=4xx",
		"duration=12ms",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("colour codes written to a non-terminal: %q", line)
	}
}

func TestPrettyHandlerColorizesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	log := slog.New(newPrettyHandler(&buf, opts, true))
	log.Error("http.request", "status", 503)

	line := buf.String()
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("expected red status in %q", line)
	}
	if got := stripANSI(line); !strings.Contains(got, "lvl=[ERROR]") {
		t.Fatalf("unexpected plain line %q", got)
	}
}

func TestLoggersRedactSensitiveKeys(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"json", "pretty"} {
		var buf bytes.Buffer
		log := slog.New(newHandler(&buf, "debug", format))
		log.Info("message.send.rejected", "content", "chest pain since noon", "token", "v4.public.x", "conversation_id", "c1")

		out := buf.String()
		if strings.Contains(out, "chest pain") || strings.Contains(out, "v4.public") {
			t.Fatalf("%s: sensitive value leaked: %q", format, out)
		}
		if !strings.Contains(out, "c1") {
			t.Fatalf("%s: non-sensitive attribute dropped: %q", format, out)
		}
		if format == "json" {
			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("json: %v", err)
			}
			if rec["content"] != "[redacted]" {
				t.Fatalf("json content=%v", rec["content"])
			}
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", "pretty"))
	log.Info("audit.flush.done")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	log.Warn("audit.flush.retry")
	if !strings.Contains(buf.String(), "audit.flush.retry") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

func TestPrettyHandlerHighlightsEscalationFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))
	log.Error("escalation.event.failed", "priority", "emergency", "state", "failed", "attempts", 5)

	line := buf.String()
	for _, want := range []string{
		ansiRed + "escalation" + ansiReset,
		"priority=" + ansiRed + "emergency" + ansiReset,
		"state=" + ansiRed + "failed" + ansiReset,
		"attempts=5",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if got := stripANSI(line); !strings.Contains(got, "msg=escalation.event.failed") {
		t.Fatalf("event name mangled: %q", got)
	}
}
