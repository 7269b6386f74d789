// Package escalation decides whether high and emergency messages need an
// out-of-band page and delivers it reliably.
//
// Each page is a durable Event with a forward-only state machine:
//
//	pending -> delivered
//	pending -> failed -> pending (re-armed by a new triggering message)
//	pending/failed -> expired (escalation window elapsed unacknowledged)
//
// Events are deduplicated per (conversation, rule, time bucket). A target
// counts as reached once any of its channels accepted the page; retries only
// go to targets not yet reached.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/alert"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/metrics"
	"careline/cmd/internal/notify"
	"careline/cmd/internal/realtime"

	"github.com/google/uuid"
)

// Rules supplies the rule set in force.
type Rules interface {
	Current() *RuleSet
}

// Notifier delivers pages. *notify.Dispatcher implements it.
type Notifier interface {
	Names() []string
	Reachable(c notify.Contact, channels []string) bool
	Dispatch(ctx context.Context, targets []notify.Contact, channels []string, n notify.Notification) ([]notify.Outcome, error)
}

// Conversations is the slice of the conversation service the engine needs.
type Conversations interface {
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]conversation.Participant, error)
}

// Publisher receives escalation.updated events.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Config holds the engine tunables.
type Config struct {
	DedupWindow time.Duration
	Window      time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Workers     int
	QueueSize   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow: 5 * time.Minute,
		Window:      5 * time.Minute,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Workers:     4,
		QueueSize:   256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

type job struct {
	msg  message.Message
	conv conversation.Conversation
}

// Engine evaluates rules and drives delivery.
type Engine struct {
	store     Store
	rules     Rules
	notifier  Notifier
	convs     Conversations
	audit     audit.Sink
	publisher Publisher
	alerter   alert.Alerter
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	cfg       Config

	jobs   chan job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithAlerter(a alert.Alerter) Option { return func(e *Engine) { e.alerter = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine starts the evaluation workers. Close stops them.
func NewEngine(store Store, rules Rules, notifier Notifier, convs Conversations, sink audit.Sink, opts ...Option) (*Engine, error) {
	if store == nil || rules == nil || notifier == nil || convs == nil {
		return nil, errors.New("escalation: store, rules, notifier and conversations are required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	e := &Engine{
		store:    store,
		rules:    rules,
		notifier: notifier,
		convs:    convs,
		audit:    sink,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.alerter == nil {
		e.alerter = alert.LogAlerter{Log: e.log, Metrics: e.metrics}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.jobs = make(chan job, e.cfg.QueueSize)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// Submit queues m for evaluation and returns immediately. When the queue is
// full the evaluation runs on its own goroutine; work is never dropped.
func (e *Engine) Submit(m message.Message, c conversation.Conversation) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.log.Error("escalation.submit.closed", "conversation_id", m.ConversationID, "message_id", m.ID)
		e.alerter.Raise(context.Background(), alert.Alert{
			Kind:           alert.KindEscalationFailed,
			Summary:        "escalation submitted after engine shutdown",
			ConversationID: m.ConversationID,
			ResourceID:     m.ID,
			At:             e.now(),
		})
		return
	}

	j := job{msg: m, conv: c}
	select {
	case e.jobs <- j:
	default:
		e.log.Warn("escalation.queue.spill", "conversation_id", m.ConversationID, "message_id", m.ID)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.process(e.ctx, j)
		}()
	}
}

// Close stops accepting work and waits for evaluations and deliveries.
// When ctx ends first, in-flight deliveries are cancelled and left pending
// for the expiry sweep.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.jobs {
		e.process(e.ctx, j)
	}
}

func (e *Engine) process(ctx context.Context, j job) {
	rs := e.rules.Current()
	rule, ok := rs.Match(j.msg, j.conv)
	if !ok {
		e.log.Debug("escalation.rule.none",
			"conversation_id", j.msg.ConversationID, "message_id", j.msg.ID, "priority", string(j.msg.Priority))
		return
	}
	if len(rule.Channels) == 0 {
		rule.Channels = e.notifier.Names()
	}

	targets, unreachable, resolveErr := e.resolve(ctx, rs, rule, j.msg)
	now := e.now()

	ev := Event{
		ID:                  ids.New(now),
		DedupKey:            DedupKey(j.msg.ConversationID, rule.ID, now, e.cfg.DedupWindow),
		ConversationID:      j.msg.ConversationID,
		TriggeringMessageID: j.msg.ID,
		MessageIDs:          []string{j.msg.ID},
		RuleID:              rule.ID,
		Priority:            string(j.msg.Priority),
		State:               StatePending,
		Targets:             contactIDs(targets),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	ev, created, err := e.store.CreateOrAttach(ctx, ev)
	if err != nil {
		e.log.Error("escalation.event.create.fail",
			"conversation_id", j.msg.ConversationID, "message_id", j.msg.ID, "rule_id", rule.ID, "err", err)
		e.alerter.Raise(ctx, alert.Alert{
			Kind:           alert.KindEscalationFailed,
			Summary:        "escalation event could not be persisted",
			ConversationID: j.msg.ConversationID,
			ResourceID:     j.msg.ID,
			Details:        map[string]any{"rule_id": rule.ID, "err": err.Error()},
			At:             now,
		})
		return
	}

	if !created {
		e.metrics.EscalationOutcome("attached")
		e.log.Info("escalation.event.attached",
			"event_id", ev.ID, "message_id", j.msg.ID, "conversation_id", ev.ConversationID, "state", string(ev.State))
		e.record(ctx, audit.ActionEscalationAttached, ev, map[string]any{"message_id": j.msg.ID})
		if ev.State != StateFailed {
			return
		}
		rearmed, err := e.store.Transition(ctx, ev.ID, StatePending, "", now)
		if err != nil {
			if !apperr.IsInvalidTransition(err) {
				e.log.Error("escalation.event.rearm.fail", "event_id", ev.ID, "err", err)
			}
			return
		}
		ev = rearmed
		e.log.Info("escalation.event.rearmed", "event_id", ev.ID, "message_id", j.msg.ID)
	} else {
		e.metrics.EscalationOutcome("created")
		e.log.Info("escalation.event.created",
			"event_id", ev.ID, "conversation_id", ev.ConversationID, "message_id", j.msg.ID,
			"rule_id", rule.ID, "targets", len(targets))
		e.record(ctx, audit.ActionEscalationCreated, ev, map[string]any{
			"rule_id":  rule.ID,
			"priority": ev.Priority,
			"targets":  ev.Targets,
		})
	}
	e.publish(ev)

	if len(targets) == 0 {
		reason := "no reachable escalation target"
		if resolveErr != nil {
			reason = fmt.Sprintf("resolve targets: %v", resolveErr)
		}
		e.configError(ctx, ev, rule, reason, unreachable)
		return
	}

	n := notify.Notification{
		EventID:        ev.ID,
		ConversationID: ev.ConversationID,
		MessageID:      j.msg.ID,
		RuleID:         rule.ID,
		Priority:       ev.Priority,
		Title:          fmt.Sprintf("Careline %s escalation", ev.Priority),
		Body:           notificationBody(j.conv, rule),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(ctx, ev, rule.Channels, targets, n, 1)
	}()
}

// Resume re-drives unacknowledged pending events left by an earlier process,
// typically one stopped between delivery attempts. Targets a recorded attempt
// already reached are not paged again. Call it once at startup, before any
// message is submitted. It reports how many events it took up.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	events, err := e.store.ListPending(ctx, 500)
	if err != nil {
		return 0, err
	}
	rs := e.rules.Current()

	resumed := 0
	for _, ev := range events {
		rule, ok := rs.Rule(ev.RuleID)
		if !ok {
			// The rule was removed since; page the same people on default channels.
			rule = Rule{ID: ev.RuleID, Channels: rs.fallback().Channels}
		}
		if len(rule.Channels) == 0 {
			rule.Channels = e.notifier.Names()
		}

		attempts, err := e.store.Attempts(ctx, ev.ID)
		if err != nil {
			return resumed, err
		}
		reached := map[string]bool{}
		for _, a := range attempts {
			for _, r := range a.Results {
				if r.OK {
					reached[r.UserID] = true
				}
			}
		}

		var targets []notify.Contact
		var unreachable []string
		for _, id := range ev.Targets {
			if reached[id] {
				continue
			}
			if c := rs.Contact(id); e.notifier.Reachable(c, rule.Channels) {
				targets = append(targets, c)
			} else {
				unreachable = append(unreachable, id)
			}
		}

		e.log.Warn("escalation.event.resume",
			"event_id", ev.ID, "conversation_id", ev.ConversationID, "attempts", ev.Attempts, "targets", len(targets))
		resumed++

		switch {
		case len(targets) == 0 && len(unreachable) == 0 && len(ev.Targets) > 0:
			e.delivered(ctx, ev)
			continue
		case len(targets) == 0:
			e.configError(ctx, ev, rule, "no reachable escalation target on resume", unreachable)
			continue
		case ev.Attempts >= e.cfg.MaxAttempts:
			e.fail(ctx, ev, "delivery interrupted after the final attempt", ev.Attempts)
			continue
		}

		conv, err := e.convs.Get(ctx, ev.ConversationID)
		if err != nil {
			conv = conversation.Conversation{ID: ev.ConversationID}
		}
		n := notify.Notification{
			EventID:        ev.ID,
			ConversationID: ev.ConversationID,
			MessageID:      ev.TriggeringMessageID,
			RuleID:         rule.ID,
			Priority:       ev.Priority,
			Title:          fmt.Sprintf("Careline %s escalation", ev.Priority),
			Body:           notificationBody(conv, rule),
		}

		if !e.spawn(func(ctx context.Context) { e.deliver(ctx, ev, rule.Channels, targets, n, ev.Attempts+1) }) {
			return resumed, errors.New("escalation: engine closed")
		}
	}
	return resumed, nil
}

// spawn runs fn on a tracked goroutine bound to the engine lifetime.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// resolve expands rule targets to reachable contacts. The sender is never paged.
func (e *Engine) resolve(ctx context.Context, rs *RuleSet, rule Rule, m message.Message) ([]notify.Contact, []string, error) {
	seen := map[string]bool{m.SenderID: true}
	var order []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	for _, u := range rule.Targets.Users {
		add(u)
	}
	for _, name := range rule.Targets.Rosters {
		for _, u := range rs.Roster(name) {
			add(u)
		}
	}

	var err error
	if len(rule.Targets.Roles) > 0 {
		var parts []conversation.Participant
		parts, err = e.convs.ListParticipants(ctx, m.ConversationID, true)
		for _, p := range parts {
			for _, r := range rule.Targets.Roles {
				if p.Role == r {
					add(p.UserID)
					break
				}
			}
		}
	}

	var targets []notify.Contact
	var unreachable []string
	for _, id := range order {
		c := rs.Contact(id)
		if e.notifier.Reachable(c, rule.Channels) {
			targets = append(targets, c)
		} else {
			unreachable = append(unreachable, id)
		}
	}
	return targets, unreachable, err
}

func (e *Engine) deliver(ctx context.Context, ev Event, channels []string, targets []notify.Contact, n notify.Notification, first int) {
	pending := targets
	backoff := e.cfg.BackoffBase

	for attempt := first; ; attempt++ {
		outcomes, err := e.notifier.Dispatch(ctx, pending, channels, n)
		if err != nil {
			e.log.Warn("escalation.delivery.abort", "event_id", ev.ID, "err", err)
			return
		}

		results, remaining := summarize(outcomes, pending)
		a := Attempt{EventID: ev.ID, Results: results, At: e.now()}
		if len(remaining) > 0 {
			a.Error = fmt.Sprintf("%d of %d targets unreached", len(remaining), len(pending))
		}
		if _, stored, err := e.store.RecordAttempt(ctx, a); err != nil {
			e.log.Error("escalation.attempt.persist.fail", "event_id", ev.ID, "attempt", attempt, "err", err)
		} else {
			a = stored
		}

		ok := len(remaining) == 0
		e.metrics.EscalationAttempt(ok)
		if ok {
			e.log.Info("escalation.attempt.ok", "event_id", ev.ID, "attempt", attempt, "n", a.N)
			e.delivered(ctx, ev)
			return
		}
		e.log.Warn("escalation.attempt.fail",
			"event_id", ev.ID, "attempt", attempt, "n", a.N, "unreached", contactIDs(remaining))

		if attempt >= e.cfg.MaxAttempts {
			e.fail(ctx, ev, a.Error, attempt)
			return
		}
		pending = remaining

		select {
		case <-ctx.Done():
			e.log.Warn("escalation.delivery.abort", "event_id", ev.ID, "err", ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}

		if cur, err := e.store.Get(ctx, ev.ID); err == nil && (cur.Acknowledged() || cur.State != StatePending) {
			e.log.Info("escalation.delivery.stop",
				"event_id", ev.ID, "state", string(cur.State), "acknowledged", cur.Acknowledged())
			return
		}
	}
}

func (e *Engine) delivered(ctx context.Context, ev Event) {
	cur, err := e.store.Transition(ctx, ev.ID, StateDelivered, "", e.now())
	if err != nil {
		e.log.Warn("escalation.event.deliver.transition.fail", "event_id", ev.ID, "err", err)
		return
	}
	e.metrics.EscalationOutcome("delivered")
	e.log.Info("escalation.event.delivered", "event_id", cur.ID, "attempts", cur.Attempts)
	e.record(ctx, audit.ActionEscalationDelivered, cur, map[string]any{"attempts": cur.Attempts})
	e.publish(cur)
}

// fail marks an exhausted event failed. Only the caller that wins the
// pending -> failed transition raises the failure signal.
func (e *Engine) fail(ctx context.Context, ev Event, reason string, attempts int) {
	cur, err := e.store.Transition(ctx, ev.ID, StateFailed, reason, e.now())
	if err != nil {
		e.log.Warn("escalation.event.fail.transition.fail", "event_id", ev.ID, "err", err)
		return
	}
	e.metrics.EscalationOutcome("failed")
	e.metrics.EscalationFailed()
	e.log.Error("escalation.event.failed",
		"event_id", cur.ID, "conversation_id", cur.ConversationID, "attempts", attempts, "reason", reason)
	e.record(ctx, audit.ActionEscalationFailed, cur, map[string]any{
		"attempts": cur.Attempts,
		"reason":   reason,
	})
	e.alerter.Raise(ctx, alert.Alert{
		Kind:           alert.KindEscalationFailed,
		Summary:        fmt.Sprintf("escalation %s was not delivered after %d attempts", cur.ID, attempts),
		ConversationID: cur.ConversationID,
		ResourceID:     cur.ID,
		Details:        map[string]any{"rule_id": cur.RuleID, "reason": reason},
		At:             cur.UpdatedAt,
	})
	e.publish(cur)
}

func (e *Engine) configError(ctx context.Context, ev Event, rule Rule, reason string, unreachable []string) {
	cur, err := e.store.Transition(ctx, ev.ID, StateFailed, "config: "+reason, e.now())
	if err != nil {
		e.log.Warn("escalation.event.config.transition.fail", "event_id", ev.ID, "err", err)
		return
	}
	e.metrics.EscalationOutcome("config_error")
	e.metrics.EscalationFailed()
	e.log.Error("escalation.config.error",
		"event_id", cur.ID, "conversation_id", cur.ConversationID, "rule_id", rule.ID,
		"reason", reason, "unreachable", unreachable)
	e.record(ctx, audit.ActionEscalationConfigError, cur, map[string]any{
		"rule_id":     rule.ID,
		"reason":      reason,
		"unreachable": unreachable,
	})
	e.alerter.Raise(ctx, alert.Alert{
		Kind:           alert.KindEscalationConfigError,
		Summary:        fmt.Sprintf("rule %s has no reachable target: %s", rule.ID, reason),
		ConversationID: cur.ConversationID,
		ResourceID:     cur.ID,
		Details:        map[string]any{"rule_id": rule.ID, "unreachable": unreachable},
		At:             cur.UpdatedAt,
	})
	e.publish(cur)
}

// Sweep expires pending or failed events older than the escalation window
// that nobody acknowledged.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.now()
	events, err := e.store.ListExpirable(ctx, now.Add(-e.cfg.Window), 500)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, ev := range events {
		cur, err := e.store.Transition(ctx, ev.ID, StateExpired, "", now)
		if err != nil {
			if apperr.IsInvalidTransition(err) {
				continue
			}
			return expired, err
		}
		expired++
		e.metrics.EscalationOutcome("expired")
		e.record(ctx, audit.ActionEscalationExpired, cur, map[string]any{"from": string(ev.State)})
		e.publish(cur)

		// Failed events were alerted when they failed. A pending one never got
		// through and nobody has been told yet.
		if ev.State != StatePending {
			e.log.Warn("escalation.event.expired",
				"event_id", cur.ID, "conversation_id", cur.ConversationID, "from", string(ev.State))
			continue
		}
		e.metrics.EscalationFailed()
		e.log.Error("escalation.event.expired.undelivered",
			"event_id", cur.ID, "conversation_id", cur.ConversationID, "attempts", cur.Attempts)
		e.alerter.Raise(ctx, alert.Alert{
			Kind:           alert.KindEscalationExpired,
			Summary:        fmt.Sprintf("escalation %s expired before it was delivered (%d attempts)", cur.ID, cur.Attempts),
			ConversationID: cur.ConversationID,
			ResourceID:     cur.ID,
			Details:        map[string]any{"rule_id": cur.RuleID, "last_error": cur.LastError},
			At:             now,
		})
	}
	return expired, nil
}

// Acknowledge records that userID took the page. Targets and conversation
// admins or moderators may acknowledge.
func (e *Engine) Acknowledge(ctx context.Context, eventID, userID string) (Event, error) {
	const op = "escalation.Acknowledge"

	ev, err := e.store.Get(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if !contains(ev.Targets, userID) {
		if _, _, err := e.convs.Authorize(ctx, op, ev.ConversationID, userID, conversation.PermManage); err != nil {
			return Event{}, err
		}
	}

	cur, changed, err := e.store.Acknowledge(ctx, eventID, userID, e.now())
	if err != nil {
		return Event{}, err
	}
	if !changed {
		return cur, nil
	}
	e.log.Info("escalation.event.acknowledged", "event_id", cur.ID, "user_id", userID, "state", string(cur.State))
	e.audit.Record(ctx, audit.Entry{
		UserID:       userID,
		Action:       audit.ActionEscalationAcknowledged,
		ResourceType: audit.ResourceEscalation,
		ResourceID:   cur.ID,
		Details:      map[string]any{"conversation_id": cur.ConversationID, "state": string(cur.State)},
	})
	e.publish(cur)
	return cur, nil
}

// Get returns an event visible to actorID.
func (e *Engine) Get(ctx context.Context, actorID, eventID string) (Event, error) {
	ev, err := e.store.Get(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if !contains(ev.Targets, actorID) {
		if _, _, err := e.convs.Authorize(ctx, "escalation.Get", ev.ConversationID, actorID, conversation.PermRead); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// Attempts lists delivery rounds of an event visible to actorID.
func (e *Engine) Attempts(ctx context.Context, actorID, eventID string) ([]Attempt, error) {
	if _, err := e.Get(ctx, actorID, eventID); err != nil {
		return nil, err
	}
	return e.store.Attempts(ctx, eventID)
}

// ListForConversation returns the newest events of a conversation.
func (e *Engine) ListForConversation(ctx context.Context, actorID, conversationID string, limit int) ([]Event, error) {
	if _, _, err := e.convs.Authorize(ctx, "escalation.List", conversationID, actorID, conversation.PermRead); err != nil {
		return nil, err
	}
	return e.store.ListForConversation(ctx, conversationID, limit)
}

func (e *Engine) record(ctx context.Context, action string, ev Event, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["conversation_id"] = ev.ConversationID
	details["state"] = string(ev.State)
	e.audit.Record(ctx, audit.Entry{
		UserID:       audit.SystemUser,
		Action:       action,
		ResourceType: audit.ResourceEscalation,
		ResourceID:   ev.ID,
		Details:      details,
	})
}

func (e *Engine) publish(ev Event) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(realtime.Event{
		Type:           realtime.EventEscalationUpdated,
		ConversationID: ev.ConversationID,
		At:             ev.UpdatedAt,
		Payload:        ev,
	})
}

var dedupNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:careline:escalation-dedup"))

// DedupKey is a UUIDv5 over conversation, rule and the time bucket containing at.
func DedupKey(conversationID, ruleID string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultConfig().DedupWindow
	}
	bucket := at.UnixNano() / int64(window)
	name := conversationID + "|" + ruleID + "|" + strconv.FormatInt(bucket, 10)
	return uuid.NewSHA1(dedupNamespace, []byte(name)).String()
}

func summarize(outcomes []notify.Outcome, pending []notify.Contact) ([]ChannelResult, []notify.Contact) {
	reached := make(map[string]bool, len(outcomes))
	var results []ChannelResult
	for _, o := range outcomes {
		if o.Reached {
			reached[o.UserID] = true
		}
		for _, a := range o.Attempts {
			r := ChannelResult{UserID: a.UserID, Channel: a.Channel, OK: a.Err == nil}
			if a.Err != nil {
				r.Error = a.Err.Error()
			}
			results = append(results, r)
		}
	}
	var remaining []notify.Contact
	for _, c := range pending {
		if !reached[c.UserID] {
			remaining = append(remaining, c)
		}
	}
	return results, remaining
}

func contactIDs(cs []notify.Contact) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.UserID)
	}
	return out
}

// notificationBody never carries message content.
func notificationBody(c conversation.Conversation, rule Rule) string {
	title := c.Title
	if title == "" {
		title = string(c.Kind) + " conversation"
	}
	if rule.Description != "" {
		return fmt.Sprintf("%s needs attention: %s", title, rule.Description)
	}
	return fmt.Sprintf("%s needs attention (rule %s)", title, rule.ID)
}
