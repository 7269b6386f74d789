package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/pgutil/pgtest"
)

func newPostgresEventStore(t *testing.T) *PostgresStore {
	t.Helper()
	pool, schema := pgtest.Open(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return st
}

func pendingEvent(convID, msgID string, at time.Time) Event {
	return Event{
		ID:                  ids.New(at),
		DedupKey:            DedupKey(convID, "cardiac", at, 5*time.Minute),
		ConversationID:      convID,
		TriggeringMessageID: msgID,
		MessageIDs:          []string{msgID},
		RuleID:              "cardiac",
		Priority:            "emergency",
		State:               StatePending,
		Targets:             []string{"dr-heart"},
		CreatedAt:           at,
		UpdatedAt:           at,
	}
}

func TestPostgresStoreConcurrentCreateOrAttachDedups(t *testing.T) {
	st := newPostgresEventStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		eventIDs = map[string]struct{}{}
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := pendingEvent("conv-1", ids.New(at.Add(time.Duration(i)*time.Second)), at.Add(time.Duration(i)*time.Second))
			out, ok, err := st.CreateOrAttach(ctx, ev)
			if err != nil {
				t.Errorf("CreateOrAttach: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			eventIDs[out.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if inserted != 1 || len(eventIDs) != 1 {
		t.Fatalf("inserted=%d distinct events=%d; want one event", inserted, len(eventIDs))
	}
	var id string
	for k := range eventIDs {
		id = k
	}
	ev, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(ev.MessageIDs) != n {
		t.Fatalf("attached messages=%d want %d", len(ev.MessageIDs), n)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	st := newPostgresEventStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, _, err := st.CreateOrAttach(ctx, pendingEvent("conv-2", "m1", at))
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if pending, err := st.ListPending(ctx, 10); err != nil || len(pending) != 1 || pending[0].ID != ev.ID {
		t.Fatalf("ListPending=%+v err=%v", pending, err)
	}

	ev, a, err := st.RecordAttempt(ctx, Attempt{
		EventID: ev.ID,
		Results: []ChannelResult{{UserID: "dr-heart", Channel: "push", OK: false, Error: "timeout"}},
		Error:   "no channel succeeded",
		At:      at.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if a.N != 1 || ev.Attempts != 1 {
		t.Fatalf("attempt n=%d attempts=%d", a.N, ev.Attempts)
	}

	if ev, err = st.Transition(ctx, ev.ID, StateFailed, "no channel succeeded", at.Add(2*time.Second)); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if ev.State != StateFailed || ev.LastError == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if pending, err := st.ListPending(ctx, 10); err != nil || len(pending) != 0 {
		t.Fatalf("failed event still listed as pending: %d err=%v", len(pending), err)
	}

	expirable, err := st.ListExpirable(ctx, at.Add(10*time.Minute), 10)
	if err != nil || len(expirable) != 1 {
		t.Fatalf("ListExpirable=%d err=%v", len(expirable), err)
	}

	ack, changed, err := st.Acknowledge(ctx, ev.ID, "dr-heart", at.Add(3*time.Second))
	if err != nil || !changed || ack.AcknowledgedBy != "dr-heart" {
		t.Fatalf("Acknowledge changed=%v err=%v ev=%+v", changed, err, ack)
	}
	if _, changed, err = st.Acknowledge(ctx, ev.ID, "someone-else", at.Add(4*time.Second)); err != nil || changed {
		t.Fatalf("second acknowledge changed=%v err=%v", changed, err)
	}

	expirable, err = st.ListExpirable(ctx, at.Add(10*time.Minute), 10)
	if err != nil || len(expirable) != 0 {
		t.Fatalf("acknowledged events must not expire: %d err=%v", len(expirable), err)
	}

	attempts, err := st.Attempts(ctx, ev.ID)
	if err != nil || len(attempts) != 1 || attempts[0].Results[0].Channel != "push" {
		t.Fatalf("Attempts=%+v err=%v", attempts, err)
	}
}

func TestPostgresStoreExpiredFreesDedupKey(t *testing.T) {
	st := newPostgresEventStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, _, err := st.CreateOrAttach(ctx, pendingEvent("conv-3", "m1", at))
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if _, err := st.Transition(ctx, first.ID, StateExpired, "", at.Add(time.Minute)); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := st.Transition(ctx, first.ID, StatePending, "", at.Add(2*time.Minute)); !apperr.IsInvalidTransition(err) {
		t.Fatalf("expired is terminal, got %v", err)
	}

	second, inserted, err := st.CreateOrAttach(ctx, pendingEvent("conv-3", "m2", at.Add(time.Second)))
	if err != nil {
		t.Fatalf("CreateOrAttach after expiry: %v", err)
	}
	if !inserted || second.ID == first.ID {
		t.Fatalf("expired event must free its dedup key: inserted=%v", inserted)
	}
}
