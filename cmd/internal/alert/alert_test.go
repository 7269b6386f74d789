package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type captureAlerter struct {
	mu  sync.Mutex
	got []Alert
}

func (c *captureAlerter) Raise(_ context.Context, a Alert) {
	c.mu.Lock()
	c.got = append(c.got, a)
	c.mu.Unlock()
}

func TestMultiForwardsToAll(t *testing.T) {
	t.Parallel()

	a, b := &captureAlerter{}, &captureAlerter{}
	Multi{a, nil, b}.Raise(context.Background(), Alert{Kind: KindEscalationFailed})

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both alerters to receive the alert: a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestLogAlerterWritesError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogAlerter{Log: log}.Raise(context.Background(), Alert{
		Kind:    KindAuditFailing,
		Summary: "audit store unreachable",
		Details: map[string]any{"failures": 5},
	})

	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, "alert.raised") {
		t.Fatalf("unexpected log output: %s", out)
	}
	if !strings.Contains(out, `"detail.failures":5`) {
		t.Fatalf("expected details in log output: %s", out)
	}
}

func TestSlackAlerterPostsWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &SlackAlerter{WebhookURL: srv.URL, HTTP: srv.Client()}
	s.Raise(context.Background(), Alert{Kind: KindEscalationFailed, Summary: "page did not go out", ConversationID: "c1"})

	text, _ := got["text"].(string)
	if !strings.Contains(text, KindEscalationFailed) || !strings.Contains(text, "c1") {
		t.Fatalf("unexpected slack payload: %v", got)
	}
}
