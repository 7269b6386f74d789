package message

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStoreKeepsLongConversations(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	const n = 10_050
	for i := 1; i <= n; i++ {
		m := Message{ID: fmt.Sprintf("m-%05d", i), ConversationID: "ward-4", SenderID: "nurse",
			Type: TypeText, Content: "obs", Priority: PriorityNormal, CreatedAt: at, UpdatedAt: at}
		if _, err := st.Append(ctx, m); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	first, err := st.Get(ctx, "m-00001")
	if err != nil || first.Seq != 1 {
		t.Fatalf("oldest message lost: seq=%d err=%v", first.Seq, err)
	}
	page, err := st.History(ctx, HistoryQuery{ConversationID: "ward-4", AfterSeq: 0, Limit: 10, Now: at})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 10 || !page.HasMore {
		t.Fatalf("history from the start: %d messages, has_more %v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Seq != 1 {
		t.Fatalf("history starts at seq %d want 1", page.Messages[0].Seq)
	}
}
