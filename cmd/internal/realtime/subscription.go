package realtime

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEvicted means the subscriber fell behind and was dropped.
	// Resubscribe with SinceSeq set to the last delivered sequence.
	ErrEvicted = errors.New("realtime: subscriber evicted")
	// ErrClosed means the subscription was closed by its owner.
	ErrClosed = errors.New("realtime: subscription closed")
)

// Subscription is one subscriber's view of a conversation stream.
//
// Next must be called from a single goroutine. Close is idempotent and safe
// from any goroutine.
type Subscription struct {
	id             uint64
	ConversationID string
	UserID         string

	topic *topic
	queue chan Event

	// consumer-owned
	replay    []Event
	delivered int64

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newSubscription(id uint64, conversationID, userID string, queueSize int, t *topic) *Subscription {
	return &Subscription{
		id:             id,
		ConversationID: conversationID,
		UserID:         userID,
		topic:          t,
		queue:          make(chan Event, queueSize),
		delivered:      -1,
		done:           make(chan struct{}),
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended (ErrEvicted or ErrClosed), or nil while live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Delivered is the highest message sequence handed to the consumer, or -1.
func (s *Subscription) Delivered() int64 { return s.delivered }

// Close ends the subscription. It reports whether this call closed it.
func (s *Subscription) Close() bool {
	closed := s.finish(ErrClosed)
	s.topic.unregister(s.id)
	return closed
}

func (s *Subscription) evict() { s.finish(ErrEvicted) }

func (s *Subscription) finish(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

// Next returns the next event, skipping message.new events at or below the
// delivered watermark. Queued events are drained before an eviction is reported.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		ev, err := s.pull(ctx)
		if err != nil {
			return Event{}, err
		}
		if ev.replayable() {
			if ev.Seq <= s.delivered {
				continue
			}
			s.delivered = ev.Seq
		}
		return ev, nil
	}
}

func (s *Subscription) pull(ctx context.Context) (Event, error) {
	if len(s.replay) > 0 {
		ev := s.replay[0]
		s.replay = s.replay[1:]
		return ev, nil
	}

	select {
	case ev := <-s.queue:
		return ev, nil
	default:
	}

	select {
	case ev := <-s.queue:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.queue:
			return ev, nil
		default:
		}
		return Event{}, s.Err()
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Run calls handler for every event until ctx ends, the subscription ends,
// or handler returns an error.
func (s *Subscription) Run(ctx context.Context, handler func(Event) error) error {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}
