package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.MessageSent("emergency")
	m.MessageRejected("unauthorized")
	m.EscalationOutcome("created")
	m.EscalationAttempt(false)
	m.EscalationFailed()
	m.TranslationCall(true)
	m.TranslationHit()
	m.AuditQueueDepth(3)
	m.SubscriberAdded()
	m.AlertRaised("escalation_failed")

	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.MessageSent("normal")
	m.MessageSent("normal")
	m.EscalationFailed()

	if got := testutil.ToFloat64(m.messagesSent.WithLabelValues("normal")); got != 2 {
		t.Fatalf("messages sent=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.escalationFailures); got != 1 {
		t.Fatalf("escalation failures=%v want=1", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "careline_messages_sent_total") {
		t.Fatalf("expected exposition to contain careline_messages_sent_total")
	}
}
