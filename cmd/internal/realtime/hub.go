// Package realtime is careline's in-process publish/subscribe fanout.
//
// Each conversation has a topic with a bounded buffer of recent message.new
// events. Subscribers may ask for everything after a sequence number; events
// older than the buffer are fetched through a Backfill function. Delivery is
// at-least-once: a subscriber that cannot keep up is evicted and must
// resubscribe from the last sequence it saw. Topics without subscribers are
// dropped after an idle period; their history stays reachable through Backfill.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"careline/cmd/internal/metrics"
)

const (
	defaultReplayBuffer = 256
	defaultQueueSize    = 64
	defaultIdleTTL      = 10 * time.Minute
)

// Backfill loads message.new events for seq in (afterSeq, beforeSeq) from durable
// storage, ascending. beforeSeq == 0 means no upper bound.
type Backfill func(ctx context.Context, conversationID string, afterSeq, beforeSeq int64) ([]Event, error)

// Hub owns per-conversation topics.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	backfill Backfill

	replayBuffer int
	queueSize    int
	idleTTL      time.Duration
	now          func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithBackfill sets the loader used when a replay reaches past the buffer.
func WithBackfill(fn Backfill) Option {
	return func(h *Hub) { h.backfill = fn }
}

// WithReplayBuffer sets how many message.new events are kept per conversation.
func WithReplayBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.replayBuffer = n
		}
	}
}

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithIdleTTL sets how long a topic with no subscribers is kept.
func WithIdleTTL(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.idleTTL = d
		}
	}
}

// WithClock overrides the time source used for topic idleness.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...Option) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:          log,
		replayBuffer: defaultReplayBuffer,
		queueSize:    defaultQueueSize,
		idleTTL:      defaultIdleTTL,
		now:          time.Now,
		topics:       make(map[string]*topic),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetBackfill installs the backfill loader after construction.
// The message pipeline and the hub depend on each other only through this function.
func (h *Hub) SetBackfill(fn Backfill) {
	h.mu.Lock()
	h.backfill = fn
	h.mu.Unlock()
}

func (h *Hub) topic(conversationID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[conversationID]; ok {
		return t
	}
	t := newTopic(conversationID, h.replayBuffer, h.now)
	h.topics[conversationID] = t
	return t
}

// Publish fans ev out to every current subscriber of its conversation. It never blocks.
func (h *Hub) Publish(ev Event) {
	if h == nil || ev.ConversationID == "" {
		return
	}
	var evicted []*Subscription
	for {
		var ok bool
		if evicted, ok = h.topic(ev.ConversationID).publish(ev); ok {
			break
		}
	}
	for _, sub := range evicted {
		h.log.Warn("realtime.subscriber.evicted",
			"conversation_id", ev.ConversationID, "user_id", sub.UserID, "subscription_id", sub.id)
		h.metrics.SubscriberEvicted()
		h.metrics.SubscriberRemoved()
	}
}

// SubscribeRequest describes a subscription.
type SubscribeRequest struct {
	ConversationID string
	UserID         string
	// SinceSeq requests replay of message.new events with Seq > *SinceSeq.
	// Nil means live events only.
	SinceSeq *int64
}

// Subscribe registers a subscriber. Replay events (if requested) are delivered
// first, followed by live events, in sequence order without duplicates.
func (h *Hub) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	backfill := h.backfill
	h.mu.Unlock()

	var since int64 = -1
	if req.SinceSeq != nil {
		since = *req.SinceSeq
		if since < 0 {
			since = 0
		}
	}

	var (
		t        *topic
		sub      *Subscription
		buffered []Event
		oldest   int64
	)
	for {
		t = h.topic(req.ConversationID)
		sub = newSubscription(id, req.ConversationID, req.UserID, h.queueSize, t)
		var ok bool
		if buffered, oldest, ok = t.register(sub, since); ok {
			break
		}
	}

	if since >= 0 {
		var replay []Event
		// The buffer does not reach back to since+1: load the gap from storage.
		if backfill != nil && (oldest == 0 || oldest > since+1) {
			loaded, err := backfill(ctx, req.ConversationID, since, oldest)
			if err != nil {
				t.unregister(sub.id)
				return nil, err
			}
			replay = append(replay, loaded...)
		}
		replay = append(replay, buffered...)
		sub.replay = replay
		sub.delivered = since
	}

	h.log.Info("realtime.subscribe",
		"conversation_id", req.ConversationID, "user_id", req.UserID, "subscription_id", id,
		"since_seq", since, "replay", len(sub.replay))
	h.metrics.SubscriberAdded()
	return sub, nil
}

// Unsubscribe removes sub. Equivalent to sub.Close.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if sub.Close() {
		h.metrics.SubscriberRemoved()
	}
}

// SubscriberCount returns the number of live subscribers of a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.Lock()
	t, ok := h.topics[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return t.count()
}

// Prune drops topics that have no subscribers and have been idle longer than
// the idle TTL. It returns how many topics were dropped.
func (h *Hub) Prune() int {
	cutoff := h.now().Add(-h.idleTTL)

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, t := range h.topics {
		if t.retireIfIdle(cutoff) {
			delete(h.topics, id)
			n++
		}
	}
	return n
}

// RunJanitor prunes idle topics every half idle TTL until ctx ends.
func (h *Hub) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(h.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Prune(); n > 0 {
				h.mu.Lock()
				left := len(h.topics)
				h.mu.Unlock()
				h.log.Debug("realtime.topics.pruned", "pruned", n, "topics", left)
			}
		}
	}
}
