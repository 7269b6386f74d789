// Package metrics owns careline's Prometheus collectors.
//
// Collectors live on a private registry so tests can build as many instances as they like.
// Every method is safe on a nil *Metrics, which is how components run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "careline"

// Metrics groups all careline collectors.
type Metrics struct {
	reg *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec

	escalationEvents   *prometheus.CounterVec
	escalationAttempts *prometheus.CounterVec
	escalationFailures prometheus.Counter

	translationCalls  *prometheus.CounterVec
	translationHits   prometheus.Counter
	translationShared prometheus.Counter

	auditQueueDepth prometheus.Gauge
	auditFailures   prometheus.Counter

	realtimeSubscribers prometheus.Gauge
	realtimeEvictions   prometheus.Counter

	alertsRaised *prometheus.CounterVec
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "sent_total",
			Help: "Messages persisted by the pipeline, by priority.",
		}, []string{"priority"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "rejected_total",
			Help: "Send attempts rejected before persistence, by error kind.",
		}, []string{"kind"}),
		escalationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "events_total",
			Help: "Escalation evaluations by outcome (created, attached, no_match, config_error).",
		}, []string{"outcome"}),
		escalationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "attempts_total",
			Help: "Notification delivery attempts by result.",
		}, []string{"result"}),
		escalationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "failed_total",
			Help: "Escalation events that exhausted all delivery attempts.",
		}),
		translationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "translation", Name: "provider_calls_total",
			Help: "Translation provider calls by result.",
		}, []string{"result"}),
		translationHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "translation", Name: "cache_hits_total",
			Help: "Translations served from cache.",
		}),
		translationShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "translation", Name: "coalesced_total",
			Help: "Translation misses that joined an in-flight provider call.",
		}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "audit", Name: "queue_depth",
			Help: "Audit entries waiting to be persisted.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "write_failures_total",
			Help: "Failed audit batch writes (each retried).",
		}),
		realtimeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "subscribers",
			Help: "Active realtime subscriptions.",
		}),
		realtimeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "evictions_total",
			Help: "Subscriptions closed because their queue overflowed.",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "raised_total",
			Help: "Operator alerts raised, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.messagesSent, m.messagesRejected,
		m.escalationEvents, m.escalationAttempts, m.escalationFailures,
		m.translationCalls, m.translationHits, m.translationShared,
		m.auditQueueDepth, m.auditFailures,
		m.realtimeSubscribers, m.realtimeEvictions,
		m.alertsRaised,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests use it with testutil).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MessageSent(priority string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(priority).Inc()
}

func (m *Metrics) MessageRejected(kind string) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) EscalationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.escalationEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EscalationAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.escalationAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) EscalationFailed() {
	if m == nil {
		return
	}
	m.escalationFailures.Inc()
}

func (m *Metrics) TranslationCall(ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.translationCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) TranslationHit() {
	if m == nil {
		return
	}
	m.translationHits.Inc()
}

func (m *Metrics) TranslationCoalesced() {
	if m == nil {
		return
	}
	m.translationShared.Inc()
}

func (m *Metrics) AuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(n))
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.realtimeSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.realtimeSubscribers.Dec()
}

func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.realtimeEvictions.Inc()
}

func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(kind).Inc()
}
