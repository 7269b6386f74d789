package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careline/cmd/internal/audit"
	"careline/cmd/internal/auth"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/status"
)

type testServer struct {
	srv    *httptest.Server
	issuer *auth.Issuer
	convID string
}

func newTestServer(t *testing.T, budget message.Budget) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	secret, public := auth.GenerateKeyHex()
	cfg := auth.DefaultConfig()
	cfg.SecretKeyHex = secret
	cfg.PublicKeyHex = public
	issuer, err := auth.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := auth.NewPasetoVerifier(cfg)
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}

	convs, err := conversation.NewService(conversation.NewInMemoryStore(), audit.Nop{}, conversation.WithLogger(log))
	if err != nil {
		t.Fatalf("conversation.NewService: %v", err)
	}
	tracker, err := status.NewTracker(status.NewInMemoryStore(), convs, audit.Nop{}, status.WithLogger(log))
	if err != nil {
		t.Fatalf("status.NewTracker: %v", err)
	}
	pipeline, err := message.NewPipeline(message.NewInMemoryStore(), convs, audit.Nop{},
		message.WithLogger(log), message.WithStatusRecorder(tracker), message.WithBudget(budget))
	if err != nil {
		t.Fatalf("message.NewPipeline: %v", err)
	}
	tracker.SetMessages(pipeline)

	h := NewHandler(verifier, convs, pipeline, tracker, WithLogger(log))
	mux := http.NewServeMux()
	h.Register(mux)

	ts := &testServer{srv: httptest.NewServer(mux), issuer: issuer}
	t.Cleanup(ts.srv.Close)

	var created conversationResponse
	ts.do(t, "doctor", http.MethodPost, "/v1/conversations", map[string]any{
		"kind":  "group",
		"title": "Ward 4 follow-up",
		"participants": []map[string]any{
			{"user_id": "patient"},
			{"user_id": "observer", "role": "read_only"},
		},
	}, http.StatusCreated, &created)
	ts.convID = created.Conversation.ID
	if ts.convID == "" || len(created.Participants) != 3 {
		t.Fatalf("unexpected create response: %+v", created)
	}
	return ts
}

func (ts *testServer) do(t *testing.T, user, method, path string, body any, wantStatus int, out any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			rdr = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		tok, _, err := ts.issuer.Issue(user, "", time.Now().UTC())
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s: %v body=%s", path, err, raw)
		}
	}
	return resp
}

func TestRequiresBearerToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{})

	var resp errorResponse
	ts.do(t, "", http.MethodGet, "/v1/conversations", nil, http.StatusUnauthorized, &resp)
	if resp.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code: %+v", resp)
	}
}

func TestSendReadAndUnreadFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{})
	base := "/v1/conversations/" + ts.convID

	var sent message.Message
	ts.do(t, "doctor", http.MethodPost, base+"/messages", map[string]any{"content": "Please take your evening dose."}, http.StatusCreated, &sent)
	if sent.Seq != 1 || sent.SenderID != "doctor" {
		t.Fatalf("unexpected message: %+v", sent)
	}

	var page message.HistoryPage
	ts.do(t, "patient", http.MethodGet, base+"/messages?after_seq=0", nil, http.StatusOK, &page)
	if len(page.Messages) != 1 || page.Messages[0].ID != sent.ID {
		t.Fatalf("unexpected history: %+v", page)
	}

	var unread unreadResponse
	ts.do(t, "patient", http.MethodGet, base+"/unread", nil, http.StatusOK, &unread)
	if unread.Unread != 1 || unread.Watermark != 0 {
		t.Fatalf("unexpected unread before read: %+v", unread)
	}

	ts.do(t, "patient", http.MethodPost, base+"/read", map[string]any{"upto_seq": 1}, http.StatusOK, nil)

	ts.do(t, "patient", http.MethodGet, base+"/unread", nil, http.StatusOK, &unread)
	if unread.Unread != 0 || unread.Watermark != 1 {
		t.Fatalf("unexpected unread after read: %+v", unread)
	}

	var st struct {
		Recipients map[string]status.State `json:"recipients"`
	}
	ts.do(t, "doctor", http.MethodGet, "/v1/messages/"+sent.ID+"/status", nil, http.StatusOK, &st)
	if st.Recipients["patient"] != status.StateRead || st.Recipients["observer"] != status.StateSent {
		t.Fatalf("unexpected recipient states: %+v", st.Recipients)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{})
	base := "/v1/conversations/" + ts.convID

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "read only sender", user: "observer", method: http.MethodPost, path: base + "/messages", body: map[string]any{"content": "hi"}, status: http.StatusForbidden, code: "unauthorized"},
		{name: "stranger", user: "mallory", method: http.MethodGet, path: base, status: http.StatusForbidden, code: "unauthorized"},
		{name: "malformed body", user: "doctor", method: http.MethodPost, path: base + "/messages", body: `{"content":`, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown field", user: "doctor", method: http.MethodPost, path: base + "/messages", body: map[string]any{"content": "x", "sender_id": "patient"}, status: http.StatusBadRequest, code: "bad_request"},
		{name: "empty content", user: "doctor", method: http.MethodPost, path: base + "/messages", body: map[string]any{"content": "   "}, status: http.StatusBadRequest, code: "validation_error"},
		{name: "bad priority", user: "doctor", method: http.MethodPost, path: base + "/messages", body: map[string]any{"content": "x", "priority": "urgent"}, status: http.StatusBadRequest, code: "validation_error"},
		{name: "missing message", user: "doctor", method: http.MethodGet, path: "/v1/messages/01J0000000000000000000000", status: http.StatusNotFound, code: "not_found"},
		{name: "bad after_seq", user: "doctor", method: http.MethodGet, path: base + "/messages?after_seq=abc", status: http.StatusBadRequest, code: "bad_request"},
		{name: "escalations not wired", user: "doctor", method: http.MethodGet, path: "/v1/escalations/x", status: http.StatusServiceUnavailable, code: "unavailable"},
	}

	for _, tc := range cases {
		var resp errorResponse
		ts.do(t, tc.user, tc.method, tc.path, tc.body, tc.status, &resp)
		if resp.Error.Code != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, resp.Error.Code, tc.code)
		}
	}
}

func TestInactiveConversationIsConflict(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{})
	base := "/v1/conversations/" + ts.convID

	ts.do(t, "patient", http.MethodPost, base+"/deactivate", nil, http.StatusForbidden, nil)
	ts.do(t, "doctor", http.MethodPost, base+"/deactivate", nil, http.StatusNoContent, nil)

	var resp errorResponse
	ts.do(t, "doctor", http.MethodPost, base+"/messages", map[string]any{"content": "still there?"}, http.StatusConflict, &resp)
	if resp.Error.Code != "conversation_inactive" {
		t.Fatalf("unexpected code: %+v", resp)
	}
}

func TestRateLimitedSendSetsRetryAfter(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{Messages: 1, Window: time.Minute, Burst: 1})
	base := "/v1/conversations/" + ts.convID

	ts.do(t, "doctor", http.MethodPost, base+"/messages", map[string]any{"content": "first"}, http.StatusCreated, nil)

	var body errorResponse
	resp := ts.do(t, "doctor", http.MethodPost, base+"/messages", map[string]any{"content": "second"}, http.StatusTooManyRequests, &body)
	if body.Error.Code != "rate_limited" {
		t.Fatalf("unexpected code: %+v", body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// Budgets are per sender.
	ts.do(t, "patient", http.MethodPost, base+"/messages", map[string]any{"content": "mine"}, http.StatusCreated, nil)
}

func TestParticipantManagement(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, message.Budget{})
	base := "/v1/conversations/" + ts.convID

	ts.do(t, "patient", http.MethodPost, base+"/participants", map[string]any{"user_id": "nurse"}, http.StatusForbidden, nil)

	var p conversation.Participant
	ts.do(t, "doctor", http.MethodPost, base+"/participants", map[string]any{"user_id": "nurse", "role": "moderator"}, http.StatusCreated, &p)
	if p.UserID != "nurse" || p.Role != conversation.RoleModerator || !p.IsActive {
		t.Fatalf("unexpected participant: %+v", p)
	}

	ts.do(t, "doctor", http.MethodPatch, base+"/participants/observer", map[string]any{"role": "participant"}, http.StatusNoContent, nil)
	ts.do(t, "observer", http.MethodPost, base+"/messages", map[string]any{"content": "can write now"}, http.StatusCreated, nil)

	ts.do(t, "patient", http.MethodDelete, base+"/participants/patient", nil, http.StatusNoContent, nil)

	var list struct {
		Participants []conversation.Participant `json:"participants"`
	}
	ts.do(t, "doctor", http.MethodGet, base+"/participants", nil, http.StatusOK, &list)
	if len(list.Participants) != 3 {
		t.Fatalf("expected 3 active participants, got %d", len(list.Participants))
	}
	ts.do(t, "doctor", http.MethodGet, base+"/participants?all=true", nil, http.StatusOK, &list)
	if len(list.Participants) != 4 {
		t.Fatalf("expected 4 rows including departed, got %d", len(list.Participants))
	}
}
