package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/attachment"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/realtime"
	"careline/cmd/security/sealbox"
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

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingPublisher) Publish(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type fakeStatuses struct {
	mu         sync.Mutex
	recipients map[string][]string
	watermarks map[string]int64
}

func (f *fakeStatuses) Initialize(_ context.Context, m Message, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recipients == nil {
		f.recipients = make(map[string][]string)
	}
	f.recipients[m.ID] = recipients
	return nil
}

func (f *fakeStatuses) AdvanceWatermark(_ context.Context, conv, user string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermarks == nil {
		f.watermarks = make(map[string]int64)
	}
	f.watermarks[conv+"|"+user] = seq
	return nil
}

type fakeEscalator struct {
	mu       sync.Mutex
	messages []Message
}

func (f *fakeEscalator) Submit(m Message, _ conversation.Conversation) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
}

type allowEmergency struct{}

func (allowEmergency) CoversEmergencyConversations() bool { return true }

type fixture struct {
	convs    *conversation.Service
	store    *InMemoryStore
	sink     *captureSink
	pub      *recordingPublisher
	statuses *fakeStatuses
	esc      *fakeEscalator
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:    NewInMemoryStore(),
		sink:     &captureSink{},
		pub:      &recordingPublisher{},
		statuses: &fakeStatuses{},
		esc:      &fakeEscalator{},
	}
	convs, err := conversation.NewService(conversation.NewInMemoryStore(), f.sink,
		conversation.WithLogger(log), conversation.WithEmergencyRules(allowEmergency{}))
	if err != nil {
		t.Fatalf("conversation.NewService: %v", err)
	}
	f.convs = convs

	base := []Option{
		WithLogger(log),
		WithPublisher(f.pub),
		WithStatusRecorder(f.statuses),
		WithEscalator(f.esc),
	}
	p, err := NewPipeline(f.store, convs, f.sink, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f.pipeline = p
	return f
}

func (f *fixture) group(t *testing.T, kind conversation.Kind, encrypted bool, members ...conversation.Member) conversation.Conversation {
	t.Helper()
	c, _, err := f.convs.Create(context.Background(), conversation.CreateInput{
		Kind:              kind,
		CreatedBy:         "dr-admin",
		EncryptionEnabled: encrypted,
		Participants:      members,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestConcurrentSendsAreGapless(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithBudget(Budget{Messages: 1000, Burst: 1000}))
	members := make([]conversation.Member, 0, 8)
	for i := 0; i < 8; i++ {
		members = append(members, conversation.Member{UserID: fmt.Sprintf("u%d", i)})
	}
	c := f.group(t, conversation.KindGroup, false, members...)

	const perSender = 25
	var wg sync.WaitGroup
	errs := make(chan error, len(members)*perSender)
	for _, m := range members {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := f.pipeline.Send(context.Background(), SendInput{
					ConversationID: c.ID, SenderID: sender, Content: fmt.Sprintf("hello %d", i),
				}); err != nil {
					errs <- err
				}
			}
		}(m.UserID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Send: %v", err)
	}

	total := len(members) * perSender
	page, err := f.store.History(context.Background(), HistoryQuery{ConversationID: c.ID, Limit: maxHistoryLimit})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != total {
		t.Fatalf("expected %d messages, got %d", total, len(page.Messages))
	}
	for i, m := range page.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap or duplicate at %d: seq=%d", i, m.Seq)
		}
	}

	// Publish order must match seq order.
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	seqs := make([]int64, 0, len(f.pub.events))
	for _, ev := range f.pub.events {
		seqs = append(seqs, ev.Seq)
	}
	if !sort.SliceIsSorted(seqs, func(i, j int) bool { return seqs[i] < seqs[j] }) || len(seqs) != total {
		t.Fatalf("publish order does not follow seq: %v", seqs)
	}
}

func TestReadOnlySenderIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.group(t, conversation.KindGroup, false, conversation.Member{UserID: "observer", Role: conversation.RoleReadOnly})

	_, err := f.pipeline.Send(context.Background(), SendInput{ConversationID: c.ID, SenderID: "observer", Content: "hi"})
	if !apperr.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}

	if seq, _ := f.store.LastSeq(context.Background(), c.ID); seq != 0 {
		t.Fatalf("rejected send consumed seq %d", seq)
	}
	if n := f.sink.count(audit.ActionMessageSent); n != 0 {
		t.Fatalf("expected no message_sent entries, got %d", n)
	}
	if n := f.sink.count(audit.ActionAccessDenied); n != 1 {
		t.Fatalf("expected one access_denied entry, got %d", n)
	}

	// Same for non-members and inactive conversations.
	if _, err := f.pipeline.Send(context.Background(), SendInput{ConversationID: c.ID, SenderID: "stranger", Content: "hi"}); !apperr.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized for non-member, got %v", err)
	}
	if err := f.convs.Deactivate(context.Background(), "dr-admin", c.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.pipeline.Send(context.Background(), SendInput{ConversationID: c.ID, SenderID: "dr-admin", Content: "hi"}); !errors.Is(err, apperr.ErrConversationInactive) {
		t.Fatalf("expected ConversationInactive, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.group(t, conversation.KindGroup, false)

	cases := []struct {
		name string
		in   SendInput
	}{
		{name: "empty", in: SendInput{Content: "   "}},
		{name: "unknown type", in: SendInput{Content: "x", Type: "hologram"}},
		{name: "unknown priority", in: SendInput{Content: "x", Priority: "critical"}},
		{name: "template without id", in: SendInput{Content: "x", Type: TypeTemplate}},
		{name: "text with attachment", in: SendInput{Content: "x", Attachments: []attachment.Attachment{{Name: "a", ContentType: "a/b", Size: 1, StoragePath: "a"}}}},
		{name: "too long", in: SendInput{Content: string(bytes.Repeat([]byte("a"), maxContentRunes+1))}},
		{name: "reply to unknown", in: SendInput{Content: "x", ReplyTo: "missing"}},
	}
	for _, tc := range cases {
		tc.in.ConversationID = c.ID
		tc.in.SenderID = "dr-admin"
		if _, err := f.pipeline.Send(context.Background(), tc.in); !apperr.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithBudget(Budget{Messages: 2, Burst: 2}))
	c := f.group(t, conversation.KindGroup, false, conversation.Member{UserID: "pat"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "pat", Content: "ok"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "pat", Content: "too much"})
	var rl apperr.RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected RateLimitError with RetryAfter, got %v", err)
	}

	// Budgets are per sender.
	if _, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "dr-admin", Content: "ok"}); err != nil {
		t.Fatalf("other sender must not be limited: %v", err)
	}
}

func TestRejectedSendsDoNotSpendBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		WithBudget(Budget{Messages: 1, Burst: 1}),
		WithAttachmentVerifier(attachment.LimitVerifier{MaxSize: 1024}),
	)
	c := f.group(t, conversation.KindGroup, false, conversation.Member{UserID: "pat"})
	ctx := context.Background()

	rejected := []struct {
		name string
		in   SendInput
	}{
		{name: "reply to unknown", in: SendInput{Content: "x", ReplyTo: "missing"}},
		{name: "reply to unknown again", in: SendInput{Content: "x", ReplyTo: "01ARZ3NDEKTSV4RRFFQ69G5FAV"}},
		{name: "oversized attachment", in: SendInput{Content: "scan", Type: TypeFile,
			Attachments: []attachment.Attachment{{Name: "ct.dcm", ContentType: "application/dicom", Size: 4096, StoragePath: "u/ct.dcm"}}}},
		{name: "escaping storage path", in: SendInput{Content: "scan", Type: TypeFile,
			Attachments: []attachment.Attachment{{Name: "x", ContentType: "a/b", Size: 1, StoragePath: "../x"}}}},
	}
	for _, tc := range rejected {
		tc.in.ConversationID = c.ID
		tc.in.SenderID = "pat"
		if _, err := f.pipeline.Send(ctx, tc.in); !apperr.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	if _, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "pat", Content: "ok"}); err != nil {
		t.Fatalf("first valid send after rejections: %v", err)
	}
	var rl apperr.RateLimitError
	if _, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "pat", Content: "again"}); !errors.As(err, &rl) {
		t.Fatalf("second valid send: expected RateLimitError, got %v", err)
	}
}

func TestPriorityAndPostCommitEffects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	group := f.group(t, conversation.KindGroup, false, conversation.Member{UserID: "pat"}, conversation.Member{UserID: "nurse"})

	m, err := f.pipeline.Send(ctx, SendInput{ConversationID: group.ID, SenderID: "pat", Content: "I have chest pain", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Priority != PriorityHigh {
		t.Fatalf("keyword must raise priority to high, got %s", m.Priority)
	}

	calm, err := f.pipeline.Send(ctx, SendInput{ConversationID: group.ID, SenderID: "pat", Content: "thanks", Priority: PriorityEmergency})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calm.Priority != PriorityEmergency {
		t.Fatalf("priority must never be lowered, got %s", calm.Priority)
	}

	emergency := f.group(t, conversation.KindEmergency, false)
	em, err := f.pipeline.Send(ctx, SendInput{ConversationID: emergency.ID, SenderID: "dr-admin", Content: "status?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if em.Priority != PriorityHigh {
		t.Fatalf("emergency conversations raise to high, got %s", em.Priority)
	}

	f.esc.mu.Lock()
	escalated := len(f.esc.messages)
	f.esc.mu.Unlock()
	if escalated != 3 {
		t.Fatalf("expected 3 escalation submissions, got %d", escalated)
	}

	f.statuses.mu.Lock()
	got := append([]string(nil), f.statuses.recipients[m.ID]...)
	wm := f.statuses.watermarks[group.ID+"|pat"]
	f.statuses.mu.Unlock()
	sort.Strings(got)
	if fmt.Sprint(got) != "[dr-admin nurse]" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	if wm != calm.Seq {
		t.Fatalf("sender watermark=%d want %d", wm, calm.Seq)
	}
	if n := f.sink.count(audit.ActionMessageSent); n != 3 {
		t.Fatalf("expected 3 message_sent entries, got %d", n)
	}
}

func TestEncryptedConversationSealsAtRest(t *testing.T) {
	t.Parallel()

	sealer, err := sealbox.New(bytes.Repeat([]byte{7}, sealbox.MinKeyBytes))
	if err != nil {
		t.Fatalf("sealbox.New: %v", err)
	}
	f := newFixture(t, WithSealer(sealer))
	c := f.group(t, conversation.KindGroup, true)
	ctx := context.Background()

	m, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "dr-admin", Content: "HbA1c 6.1%"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	raw, _ := f.store.Get(ctx, m.ID)
	if !sealbox.IsSealed(raw.Content) {
		t.Fatalf("content stored in plaintext: %q", raw.Content)
	}

	page, err := f.pipeline.History(ctx, "dr-admin", c.ID, 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "HbA1c 6.1%" {
		t.Fatalf("expected plaintext on read, got %+v", page.Messages)
	}

	noKey := newFixture(t)
	c2 := noKey.group(t, conversation.KindGroup, true)
	if _, err := noKey.pipeline.Send(ctx, SendInput{ConversationID: c2.ID, SenderID: "dr-admin", Content: "x"}); err == nil {
		t.Fatalf("expected failure without a content key")
	}
}

func TestEditAndDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, conversation.KindGroup, false,
		conversation.Member{UserID: "pat"},
		conversation.Member{UserID: "mod", Role: conversation.RoleModerator},
	)

	m, err := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "pat", Content: "first"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := f.pipeline.Edit(ctx, "dr-admin", m.ID, "hijack"); !apperr.IsUnauthorized(err) {
		t.Fatalf("only the sender may edit, got %v", err)
	}
	edited, err := f.pipeline.Edit(ctx, "pat", m.ID, "second")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !edited.IsEdited || edited.EditVersion != 1 || edited.Content != "second" || edited.Seq != m.Seq {
		t.Fatalf("unexpected edit result: %+v", edited)
	}

	other, _ := f.pipeline.Send(ctx, SendInput{ConversationID: c.ID, SenderID: "dr-admin", Content: "admin note"})
	if err := f.pipeline.Delete(ctx, "pat", other.ID); !apperr.IsUnauthorized(err) {
		t.Fatalf("participants may not delete others' messages, got %v", err)
	}
	if err := f.pipeline.Delete(ctx, "mod", other.ID); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	if err := f.pipeline.Delete(ctx, "mod", other.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second delete should conflict, got %v", err)
	}

	page, _ := f.pipeline.History(ctx, "pat", c.ID, 0, 10)
	if len(page.Messages) != 1 || page.Messages[0].ID != m.ID {
		t.Fatalf("deleted message must be hidden: %+v", page.Messages)
	}
	if _, err := f.pipeline.Get(ctx, "pat", other.ID); !apperr.IsNotFound(err) {
		t.Fatalf("expected NotFound for deleted message, got %v", err)
	}
	if _, err := f.pipeline.Edit(ctx, "dr-admin", other.ID, "x"); !apperr.IsNotFound(err) {
		t.Fatalf("expected NotFound editing deleted message, got %v", err)
	}

	if f.sink.count(audit.ActionMessageEdited) != 1 || f.sink.count(audit.ActionMessageDeleted) != 1 {
		t.Fatalf("expected one edit and one delete audit entry")
	}

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	var kinds []realtime.EventType
	for _, ev := range f.pub.events {
		kinds = append(kinds, ev.Type)
	}
	want := []realtime.EventType{realtime.EventMessageNew, realtime.EventMessageEdited, realtime.EventMessageNew, realtime.EventMessageDeleted}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("events=%v want=%v", kinds, want)
	}
}

func TestReplayPagesThroughStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithBudget(Budget{Messages: 1000, Burst: 1000}))
	c := f.group(t, conversation.KindGroup, false)
	for i := 0; i < replayPageSize+20; i++ {
		if _, err := f.pipeline.Send(context.Background(), SendInput{ConversationID: c.ID, SenderID: "dr-admin", Content: "m"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	evs, err := f.pipeline.Replay(context.Background(), c.ID, 5, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != replayPageSize+15 || evs[0].Seq != 6 || evs[len(evs)-1].Seq != replayPageSize+20 {
		t.Fatalf("unexpected replay window: %d events", len(evs))
	}

	bounded, _ := f.pipeline.Replay(context.Background(), c.ID, 5, 10)
	if len(bounded) != 4 {
		t.Fatalf("expected seq 6..9, got %d events", len(bounded))
	}
}
