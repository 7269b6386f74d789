// Package alert is the operator-facing channel for failures that must reach a human.
//
// Escalations that could not be delivered and audit writes that keep failing are raised
// here in addition to being logged; nothing in this package may swallow an alert silently.
package alert

import (
	"context"
	"log/slog"
	"time"

	"careline/cmd/internal/metrics"
)

// Kind values for raised alerts.
const (
	KindEscalationFailed      = "escalation_failed"
	KindEscalationConfigError = "escalation_config_error"
	KindEscalationExpired     = "escalation_expired_undelivered"
	KindAuditFailing          = "audit_failing"
)

// Alert is a single operator notification.
type Alert struct {
	Kind           string
	Summary        string
	ConversationID string
	ResourceID     string
	Details        map[string]any
	At             time.Time
}

// Alerter raises operator alerts. Implementations must not block for long and
// must report their own delivery failures through logs.
type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// LogAlerter writes alerts at ERROR level.
type LogAlerter struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Raise logs the alert.
func (l LogAlerter) Raise(ctx context.Context, a Alert) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	l.Metrics.AlertRaised(a.Kind)

	attrs := []any{
		"kind", a.Kind,
		"summary", a.Summary,
		"conversation_id", a.ConversationID,
		"resource_id", a.ResourceID,
		"at", a.At,
	}
	for k, v := range a.Details {
		attrs = append(attrs, "detail."+k, v)
	}
	log.ErrorContext(ctx, "alert.raised", attrs...)
}

// Multi fans an alert out to several alerters in order.
type Multi []Alerter

// Raise forwards a to every non-nil alerter.
func (m Multi) Raise(ctx context.Context, a Alert) {
	for _, al := range m {
		if al == nil {
			continue
		}
		al.Raise(ctx, a)
	}
}
