package escalation

import (
	"context"
	"sort"
	"sync"
	"time"

	"careline/cmd/internal/apperr"
)

// InMemoryStore is a process-local Store for dev and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	events   map[string]*Event
	active   map[string]string
	attempts map[string][]Attempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string]*Event),
		active:   make(map[string]string),
		attempts: make(map[string][]Attempt),
	}
}

func (s *InMemoryStore) CreateOrAttach(ctx context.Context, ev Event) (Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[ev.DedupKey]; ok {
		cur := s.events[id]
		if !contains(cur.MessageIDs, ev.TriggeringMessageID) {
			cur.MessageIDs = append(cur.MessageIDs, ev.TriggeringMessageID)
		}
		if ev.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = ev.UpdatedAt
		}
		return cloneEvent(*cur), false, nil
	}

	if _, dup := s.events[ev.ID]; dup {
		return Event{}, false, apperr.E("escalation.store.CreateOrAttach", apperr.ErrConflict, "duplicate id")
	}
	cp := cloneEvent(ev)
	if len(cp.MessageIDs) == 0 {
		cp.MessageIDs = []string{ev.TriggeringMessageID}
	}
	s.events[cp.ID] = &cp
	s.active[cp.DedupKey] = cp.ID
	return cloneEvent(cp), true, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, apperr.E("escalation.store.Get", apperr.ErrNotFound, "")
	}
	return cloneEvent(*ev), nil
}

func (s *InMemoryStore) Transition(ctx context.Context, id string, to State, note string, at time.Time) (Event, error) {
	const op = "escalation.store.Transition"

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, apperr.E(op, apperr.ErrNotFound, "")
	}
	if !canMove(ev.State, to) {
		return cloneEvent(*ev), apperr.Ef(op, apperr.ErrInvalidTransition, "%s -> %s", ev.State, to)
	}
	ev.State = to
	if note != "" {
		ev.LastError = note
	}
	if at.After(ev.UpdatedAt) {
		ev.UpdatedAt = at
	}
	if to == StateExpired {
		delete(s.active, ev.DedupKey)
	}
	return cloneEvent(*ev), nil
}

func (s *InMemoryStore) RecordAttempt(ctx context.Context, a Attempt) (Event, Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[a.EventID]
	if !ok {
		return Event{}, Attempt{}, apperr.E("escalation.store.RecordAttempt", apperr.ErrNotFound, "")
	}
	ev.Attempts++
	a.N = ev.Attempts
	a.Results = append([]ChannelResult(nil), a.Results...)
	s.attempts[a.EventID] = append(s.attempts[a.EventID], a)
	if a.At.After(ev.UpdatedAt) {
		ev.UpdatedAt = a.At
	}
	return cloneEvent(*ev), a, nil
}

func (s *InMemoryStore) Attempts(ctx context.Context, eventID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.attempts[eventID]
	out := make([]Attempt, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) Acknowledge(ctx context.Context, id, userID string, at time.Time) (Event, bool, error) {
	const op = "escalation.store.Acknowledge"

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, false, apperr.E(op, apperr.ErrNotFound, "")
	}
	if ev.State == StateExpired {
		return cloneEvent(*ev), false, apperr.E(op, apperr.ErrInvalidTransition, "event expired")
	}
	if ev.AcknowledgedAt != nil {
		return cloneEvent(*ev), false, nil
	}
	t := at
	ev.AcknowledgedAt = &t
	ev.AcknowledgedBy = userID
	if at.After(ev.UpdatedAt) {
		ev.UpdatedAt = at
	}
	return cloneEvent(*ev), true, nil
}

func (s *InMemoryStore) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.AcknowledgedAt != nil || !ev.CreatedAt.Before(cutoff) {
			continue
		}
		if ev.State == StatePending || ev.State == StateFailed {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *InMemoryStore) ListPending(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.State == StatePending && ev.AcknowledgedAt == nil {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *InMemoryStore) ListForConversation(ctx context.Context, conversationID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.ConversationID == conversationID {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
