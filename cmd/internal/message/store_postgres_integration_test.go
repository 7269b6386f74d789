package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/pgutil/pgtest"
)

func newPostgresFixture(t *testing.T) (*PostgresStore, string) {
	t.Helper()

	pool, schema := pgtest.Open(t)
	convs, err := conversation.NewPostgresStore(pool, conversation.WithSchema(schema))
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("message store: %v", err)
	}

	now := time.Now().UTC()
	c := conversation.Conversation{
		ID: ids.New(now), Kind: conversation.KindGroup, CreatedBy: "doctor",
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	members := []conversation.Participant{
		{ConversationID: c.ID, UserID: "doctor", Role: conversation.RoleAdmin, JoinedAt: now, IsActive: true},
		{ConversationID: c.ID, UserID: "patient", Role: conversation.RoleParticipant, JoinedAt: now, IsActive: true},
	}
	if err := convs.Create(context.Background(), c, members); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return st, c.ID
}

func newRow(convID, sender, content string, at time.Time) Message {
	return Message{
		ID: ids.New(at), ConversationID: convID, SenderID: sender,
		Type: TypeText, Content: content, Priority: PriorityNormal,
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestPostgresStoreConcurrentAppendIsGapless(t *testing.T) {
	st, convID := newPostgresFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const n = 40
	var (
		mu   sync.Mutex
		seqs []int64
		wg   sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := st.Append(ctx, newRow(convID, "doctor", fmt.Sprintf("m%d", i), time.Now().UTC()))
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			mu.Lock()
			seqs = append(seqs, m.Seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != n {
		t.Fatalf("got %d seqs want %d", len(seqs), n)
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("seq gap at %d: %v", i, seqs)
		}
	}
	last, err := st.LastSeq(ctx, convID)
	if err != nil || last != n {
		t.Fatalf("LastSeq=%d err=%v", last, err)
	}
}

func TestPostgresStoreHistoryHidesDeletedAndPages(t *testing.T) {
	st, convID := newPostgresFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var stored []Message
	for i := range 5 {
		m, err := st.Append(ctx, newRow(convID, "patient", fmt.Sprintf("m%d", i+1), now.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		stored = append(stored, m)
	}
	if _, err := st.SoftDelete(ctx, stored[1].ID, now.Add(time.Second)); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	edited, err := st.UpdateContent(ctx, stored[2].ID, "m3 corrected", 0, now.Add(time.Second))
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if edited.EditVersion != 1 || !edited.IsEdited {
		t.Fatalf("edit not recorded: %+v", edited)
	}

	page, err := st.History(ctx, HistoryQuery{ConversationID: convID, Limit: 2, Now: now})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("first page: %d messages has_more=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Seq != 1 || page.Messages[1].Seq != 3 {
		t.Fatalf("deleted message not skipped: %d,%d", page.Messages[0].Seq, page.Messages[1].Seq)
	}
	if page.Messages[1].Content != "m3 corrected" {
		t.Fatalf("content=%q", page.Messages[1].Content)
	}

	all, err := st.History(ctx, HistoryQuery{ConversationID: convID, IncludeHidden: true, Now: now})
	if err != nil {
		t.Fatalf("History hidden: %v", err)
	}
	if len(all.Messages) != 5 {
		t.Fatalf("rows must never be hard-deleted: got %d", len(all.Messages))
	}

	unread, err := st.CountVisibleAfter(ctx, convID, 0, "doctor", now)
	if err != nil || unread != 4 {
		t.Fatalf("CountVisibleAfter=%d err=%v", unread, err)
	}
}
