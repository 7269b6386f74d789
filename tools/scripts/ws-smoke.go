// Package main provides a CI-friendly WebSocket smoke test for careline realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack with a bearer token
//   - subscribe confirmation
//   - send -> ack
//   - fanout message_new to another participant
//   - mark_read -> status_changed back to the sender
//   - history fetch
//
// Both users must be active participants of -conv. Tokens come from
// `careline token issue` in development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "careline/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// liveTypes may interleave with any reply and are skipped while waiting.
var liveTypes = map[string]struct{}{
	v1.TypeMessageNew:        {},
	v1.TypeMessageEdited:     {},
	v1.TypeMessageDeleted:    {},
	v1.TypeStatusChanged:     {},
	v1.TypeEscalationUpdated: {},
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "", "Conversation ID both users participate in")
		tokenA  = flag.String("token-a", os.Getenv("CARELINE_SMOKE_TOKEN_A"), "Access token of the sender")
		tokenB  = flag.String("token-b", os.Getenv("CARELINE_SMOKE_TOKEN_B"), "Access token of the recipient")
		text    = flag.String("text", "smoke check: please confirm", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*convID) == "" || *tokenA == "" || *tokenB == "" {
		fatalf("-conv, -token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.sessionID, a.userID, b.sessionID, b.userID, *origin)
	}

	lastA := mustSubscribe(root, a, *convID, *timeout)
	_ = mustSubscribe(root, b, *convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	msgID, seq := mustSendAndAssertAck(root, a, *convID, clientMsgID, *text, *timeout)
	if seq <= lastA {
		fatalf("ack seq %d not after subscribed last_seq %d", seq, lastA)
	}

	mustAssertNew(root, b, *convID, msgID, seq, a.userID, *text, *timeout)

	mustMarkRead(root, b, *convID, seq, *timeout)
	mustAssertRead(root, a, msgID, b.userID, *timeout)

	mustHistoryContains(root, b, *convID, seq-1, msgID, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, *convID, seq, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.send(parent, v1.TypeHello, "hello", v1.HelloPayload{Token: token}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	mustDecode(ack, &p, name)
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing session_id or user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID
	return c
}

func (c *smokeClient) send(parent context.Context, typ, suffix string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s", c.name, suffix),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSubscribe(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) int64 {
	c.send(parent, v1.TypeSubscribe, "subscribe", v1.SubscribePayload{ConversationID: convID}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout, liveTypes)
	var p v1.SubscribedPayload
	mustDecode(env, &p, c.name)
	if p.ConversationID != convID {
		fatalf("subscribed conv mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	return p.LastSeq
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (string, int64) {
	c.send(parent, v1.TypeMessageSend, "send-"+clientMsgID, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Content:        text,
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, liveTypes)
	var p v1.MessageAckPayload
	mustDecode(ack, &p, c.name)
	if p.ConversationID != convID || p.ClientMsgID != clientMsgID {
		fatalf("ack mismatch (%s): %+v", c.name, p)
	}
	if strings.TrimSpace(p.MessageID) == "" || p.Seq <= 0 {
		fatalf("ack missing message_id or seq (%s): %+v", c.name, p)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, msgID string, seq int64, sender, text string, stepTimeout time.Duration) {
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, liveTypes)
		var p v1.MessagePayload
		mustDecode(env, &p, c.name)
		if p.ID != msgID {
			continue
		}
		if p.ConversationID != convID || p.Seq != seq || p.SenderID != sender || p.Content != text {
			fatalf("message_new mismatch (%s): %+v", c.name, p)
		}
		if p.CreatedAt.IsZero() {
			fatalf("message_new created_at missing (%s)", c.name)
		}
		return
	}
}

func mustMarkRead(parent context.Context, c *smokeClient, convID string, upto int64, stepTimeout time.Duration) {
	c.send(parent, v1.TypeMarkRead, "mark-read", v1.MarkReadPayload{ConversationID: convID, UptoSeq: upto}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMarkRead, stepTimeout, liveTypes)
	var p v1.MarkReadPayload
	mustDecode(env, &p, c.name)
	if p.Marked < 1 {
		fatalf("mark_read marked nothing (%s): %+v", c.name, p)
	}
}

func mustAssertRead(parent context.Context, c *smokeClient, msgID, reader string, stepTimeout time.Duration) {
	for {
		env := c.mustReadUntilType(parent, v1.TypeStatusChanged, stepTimeout, liveTypes)
		var p v1.StatusChangedPayload
		mustDecode(env, &p, c.name)
		if p.MessageID == msgID && p.UserID == reader && p.State == "read" {
			return
		}
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, convID string, afterSeq int64, msgID, text string, stepTimeout time.Duration) {
	c.send(parent, v1.TypeHistoryFetch, "history", v1.HistoryFetchPayload{
		ConversationID: convID,
		AfterSeq:       afterSeq,
		Limit:          50,
	}, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, liveTypes)
	var p v1.HistoryChunkPayload
	mustDecode(chunk, &p, c.name)
	if p.ConversationID != convID {
		fatalf("history_chunk conv mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	for _, m := range p.Messages {
		if m.ID == msgID && m.Content == text {
			return
		}
	}
	fatalf("history_chunk missing message %s (%s)", msgID, c.name)
}

func mustDecode(env v1.Envelope, dst any, name string) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, name, err)
	}
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
