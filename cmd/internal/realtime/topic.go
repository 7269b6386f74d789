package realtime

import (
	"sort"
	"sync"
	"time"
)

// topic is one conversation's fanout point and replay buffer.
//
// Concurrency guarantees:
//   - register snapshots the buffer and joins the subscriber set atomically, so
//     every later publish reaches the new subscriber and every earlier one is in
//     the snapshot (or older, in storage).
//   - publish never blocks; a full subscriber queue evicts that subscriber.
//   - the buffer mirrors storage: an edit replaces the buffered message and a
//     deletion drops it, so replay never serves content storage no longer has.
//   - a retired topic accepts nothing; callers fetch a fresh one from the hub.
type topic struct {
	id  string
	now func() time.Time

	mu         sync.Mutex
	buf        []Event
	bufSize    int
	subs       map[uint64]*Subscription
	lastActive time.Time
	retired    bool
}

func newTopic(id string, bufSize int, now func() time.Time) *topic {
	return &topic{
		id:         id,
		now:        now,
		buf:        make([]Event, 0, bufSize),
		bufSize:    bufSize,
		subs:       make(map[uint64]*Subscription),
		lastActive: now(),
	}
}

// register adds sub and returns buffered events with Seq > since, plus the oldest
// buffered seq (0 when the buffer is empty). since < 0 skips the snapshot.
// ok is false when the topic was retired.
func (t *topic) register(sub *Subscription, since int64) (events []Event, oldest int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.retired {
		return nil, 0, false
	}
	t.subs[sub.id] = sub
	t.lastActive = t.now()

	if len(t.buf) > 0 {
		oldest = t.buf[0].Seq
	}
	if since < 0 {
		return nil, oldest, true
	}

	events = make([]Event, 0, len(t.buf))
	for _, ev := range t.buf {
		if ev.Seq > since {
			events = append(events, ev)
		}
	}
	return events, oldest, true
}

func (t *topic) unregister(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[id]; !ok {
		return false
	}
	delete(t.subs, id)
	t.lastActive = t.now()
	return true
}

// publish buffers ev (if replayable) and enqueues it to subscribers.
// It returns the subscribers evicted for overflow; ok is false when the topic
// was retired and nothing happened.
func (t *topic) publish(ev Event) (evicted []*Subscription, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.retired {
		return nil, false
	}
	t.lastActive = t.now()

	switch {
	case ev.replayable():
		n := len(t.buf)
		if n == 0 || ev.Seq > t.buf[n-1].Seq {
			if n == t.bufSize {
				copy(t.buf, t.buf[1:])
				t.buf = t.buf[:n-1]
			}
			t.buf = append(t.buf, ev)
		}
	case ev.amends():
		t.amend(ev)
	}

	for id, sub := range t.subs {
		select {
		case <-sub.done:
			delete(t.subs, id)
			continue
		default:
		}

		select {
		case sub.queue <- ev:
		default:
			delete(t.subs, id)
			sub.evict()
			evicted = append(evicted, sub)
		}
	}
	return evicted, true
}

// retireIfIdle retires the topic when it has no subscribers and saw no
// activity since cutoff.
func (t *topic) retireIfIdle(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.subs) > 0 || t.lastActive.After(cutoff) {
		return false
	}
	t.retired = true
	return true
}

// amend applies an edit or deletion to the buffered message with the same seq.
// Caller holds t.mu.
func (t *topic) amend(ev Event) {
	i := sort.Search(len(t.buf), func(i int) bool { return t.buf[i].Seq >= ev.Seq })
	if i == len(t.buf) || t.buf[i].Seq != ev.Seq {
		return
	}
	if ev.Type == EventMessageDeleted {
		t.buf = append(t.buf[:i], t.buf[i+1:]...)
		return
	}
	t.buf[i].Payload = ev.Payload
}

func (t *topic) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
