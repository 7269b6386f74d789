package smartreply

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
)

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captureSink) count(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type harness struct {
	svc      *Service
	pipeline *message.Pipeline
	sink     *captureSink
	convID   string
	now      *atomic.Int64
}

func newHarness(t *testing.T, listen bool) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{sink: &captureSink{}, now: &atomic.Int64{}}
	h.now.Store(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, h.now.Load()).UTC() }

	convs, err := conversation.NewService(conversation.NewInMemoryStore(), h.sink, conversation.WithLogger(log))
	if err != nil {
		t.Fatalf("conversation.NewService: %v", err)
	}
	c, _, err := convs.Create(context.Background(), conversation.CreateInput{
		Kind:      conversation.KindGroup,
		CreatedBy: "doctor",
		Participants: []conversation.Member{
			{UserID: "patient"},
			{UserID: "observer", Role: conversation.RoleReadOnly},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.convID = c.ID

	store := message.NewInMemoryStore()
	var pipeOpts []message.Option
	pipeOpts = append(pipeOpts, message.WithLogger(log), message.WithClock(clock))

	// The service reads through the pipeline, which in turn notifies the service.
	var lazy lazyMessages
	h.svc, err = NewService(NewInMemoryStore(), &lazy, convs, h.sink, WithLogger(log), WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if listen {
		pipeOpts = append(pipeOpts, message.WithListener(h.svc))
	}
	h.pipeline, err = message.NewPipeline(store, convs, h.sink, pipeOpts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	lazy.p = h.pipeline
	t.Cleanup(func() { _ = h.svc.Close(context.Background()) })
	return h
}

type lazyMessages struct{ p *message.Pipeline }

func (l *lazyMessages) Recent(ctx context.Context, conversationID string, k int) ([]message.Message, error) {
	return l.p.Recent(ctx, conversationID, k)
}

func (h *harness) send(t *testing.T, sender, content string) message.Message {
	t.Helper()
	m, err := h.pipeline.Send(context.Background(), message.SendInput{ConversationID: h.convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return m
}

func TestSuggestionsFollowContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	m := h.send(t, "patient", "My knee pain is worse today")
	if _, err := h.svc.Generate(ctx, m); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got, err := h.svc.Suggestions(ctx, h.convID, "doctor")
	if err != nil {
		t.Fatalf("Suggestions: %v", err)
	}
	if len(got) != 2 || got[0].Text != "On a scale of 1 to 10, how bad is the pain right now?" {
		t.Fatalf("unexpected suggestions: %+v", got)
	}
	if got[0].Confidence < got[1].Confidence {
		t.Fatalf("suggestions not ordered by confidence")
	}

	for _, user := range []string{"patient", "observer"} {
		got, err := h.svc.Suggestions(ctx, h.convID, user)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s should get no suggestions: %v %v", user, got, err)
		}
	}

	// A newer message supersedes the context.
	h.send(t, "doctor", "Noted, let's talk at 3pm")
	got, _ = h.svc.Suggestions(ctx, h.convID, "doctor")
	if len(got) != 0 {
		t.Fatalf("stale suggestions served after context shift: %+v", got)
	}

	if _, err := h.svc.Suggestions(ctx, h.convID, "stranger"); !apperr.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized for non-participant, got %v", err)
	}
}

func TestGenerateIsIdempotentPerContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()
	m := h.send(t, "patient", "can I get a refill?")

	first, err := h.svc.Generate(ctx, m)
	if err != nil || first == 0 {
		t.Fatalf("Generate=%d,%v", first, err)
	}
	again, err := h.svc.Generate(ctx, m)
	if err != nil || again != 0 {
		t.Fatalf("regenerating the same context stored %d (%v)", again, err)
	}
	if n := h.sink.count(audit.ActionSmartReplyGenerated); n != 1 {
		t.Fatalf("generated audits=%d want=1", n)
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()
	m := h.send(t, "patient", "thanks for the help")
	if _, err := h.svc.Generate(ctx, m); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, _ := h.svc.Suggestions(ctx, h.convID, "doctor")
	if len(got) == 0 {
		t.Fatalf("expected suggestions")
	}
	id := got[0].ID

	if _, err := h.svc.Consume(ctx, "patient", id); !apperr.IsUnauthorized(err) {
		t.Fatalf("consuming another user's suggestion: expected unauthorized, got %v", err)
	}

	first, err := h.svc.Consume(ctx, "doctor", id)
	if err != nil || !first.IsUsed {
		t.Fatalf("Consume=%+v,%v", first, err)
	}
	second, err := h.svc.Consume(ctx, "doctor", id)
	if err != nil || !second.IsUsed || !second.UsedAt.Equal(*first.UsedAt) {
		t.Fatalf("second Consume=%+v,%v", second, err)
	}
	if n := h.sink.count(audit.ActionSmartReplyUsed); n != 1 {
		t.Fatalf("used audits=%d want=1", n)
	}

	rest, _ := h.svc.Suggestions(ctx, h.convID, "doctor")
	for _, s := range rest {
		if s.ID == id {
			t.Fatalf("used suggestion still served")
		}
	}
}

func TestExpiredSuggestionsAreHidden(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()
	m := h.send(t, "patient", "I have a fever")
	if _, err := h.svc.Generate(ctx, m); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, _ := h.svc.Suggestions(ctx, h.convID, "doctor")
	if len(got) == 0 {
		t.Fatalf("expected suggestions")
	}

	h.now.Add(int64(11 * time.Minute))
	if rest, _ := h.svc.Suggestions(ctx, h.convID, "doctor"); len(rest) != 0 {
		t.Fatalf("expired suggestions served: %+v", rest)
	}
	if _, err := h.svc.Consume(ctx, "doctor", got[0].ID); !apperr.IsInvalidTransition(err) {
		t.Fatalf("consuming expired suggestion: expected invalid transition, got %v", err)
	}
}

func TestMessagesTriggerGenerationAsynchronously(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.send(t, "patient", "need to reschedule my appointment")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := h.svc.Suggestions(context.Background(), h.convID, "doctor")
	if err != nil || len(got) == 0 {
		t.Fatalf("expected generated suggestions, got %v %v", got, err)
	}
}

func TestKeywordGenerator(t *testing.T) {
	t.Parallel()

	g := NewKeywordGenerator()
	ctx := context.Background()
	window := []message.Message{
		{SenderID: "doctor", Content: "How are you?"},
		{SenderID: "patient", Content: "Pain in my back, and I need a prescription refill"},
	}

	got, err := g.Generate(ctx, window, "doctor")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("candidates=%d want=4: %+v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Confidence < got[i].Confidence {
			t.Fatalf("not sorted: %+v", got)
		}
	}

	// The patient spoke last; the doctor's message is what they would answer.
	got, _ = g.Generate(ctx, window, "patient")
	if len(got) != 2 || got[0].Text != DefaultFallback()[0].Text {
		t.Fatalf("expected fallback replies, got %+v", got)
	}

	if got, _ := g.Generate(ctx, window[:0], "doctor"); len(got) != 0 {
		t.Fatalf("empty window should yield nothing")
	}
}
