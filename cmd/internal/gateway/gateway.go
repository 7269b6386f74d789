// Package gateway is the careline websocket entrypoint (/ws).
//
// A session authenticates (Authorization header on the upgrade, or a hello
// envelope carrying the token), then subscribes to conversation streams from
// the realtime hub, sends messages through the message pipeline, marks
// conversations read and pages history.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"careline/cmd/internal/auth"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/realtime"
	v1 "careline/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	closeGrace = 1 * time.Second

	maxPingFailures = 3
)

// Authorizer checks conversation permissions.
type Authorizer interface {
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
}

// Messages is the pipeline surface used by the gateway.
type Messages interface {
	Send(ctx context.Context, in message.SendInput) (message.Message, error)
	History(ctx context.Context, actorID, conversationID string, afterSeq int64, limit int) (message.HistoryPage, error)
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// Statuses is the status tracker surface used by the gateway.
type Statuses interface {
	MarkConversationRead(ctx context.Context, conversationID, userID string, uptoSeq int64) (int, error)
}

// Gateway upgrades HTTP requests to realtime sessions.
type Gateway struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	hub      *realtime.Hub
	verifier auth.Verifier
	convs    Authorizer
	messages Messages
	statuses Statuses

	// Derived for websocket.Accept: cross-origin upgrades need OriginPatterns.
	patterns []string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the clock used for token checks and envelope stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New constructs a Gateway.
func New(log *slog.Logger, cfg Config, hub *realtime.Hub, verifier auth.Verifier, convs Authorizer, messages Messages, statuses Statuses, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		hub:      hub,
		verifier: verifier,
		convs:    convs,
		messages: messages,
		statuses: statuses,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if g.verifier == nil {
		http.Error(w, "authentication not configured", http.StatusServiceUnavailable)
		return
	}

	// A bearer header authenticates the upgrade; without one the session
	// must authenticate with a hello envelope.
	var userID string
	if tok := auth.BearerToken(r); tok != "" {
		claims, err := g.verifier.Verify(tok, g.now())
		if err != nil {
			g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(newSessionID(g.now()), g.cfg.SendQueueSize)
	if userID != "" {
		client.setUser(userID)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		pumps     sync.WaitGroup
	)

	// shutdown is idempotent. It never closes client.Send: pumps may still be writing.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, sub := range client.drainSubs() {
				g.hub.Unsubscribe(sub)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.log.Info("ws.session.open", "session_id", client.SessionID, "user_id", userID, "remote", r.RemoteAddr)

	frames := newFrameLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	s := &session{g: g, ctx: ctx, client: client, pumps: &pumps}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if ok, wait := frames.admit(g.now()); !ok {
			s.sendError("", "", codeRateLimited, "too many events", wait.Milliseconds())
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("", "", codeBadJSON, "invalid JSON", 0)
			continue readLoop
		}
		if err := env.Validate(); err != nil {
			s.sendError(env.ID, "", codeBadEnvelope, err.Error(), 0)
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := s.onHello(env); err != nil {
				s.sendError(env.ID, "", codeUnauthenticated, err.Error(), 0)
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}
		if client.UserID() == "" {
			s.sendError(env.ID, "", codeUnauthenticated, "send hello with a token first", 0)
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			s.onSubscribe(env)
		case v1.TypeUnsubscribe:
			s.onUnsubscribe(env)
		case v1.TypeMessageSend:
			s.onMessageSend(env)
		case v1.TypeMarkRead:
			s.onMarkRead(env)
		case v1.TypeHistoryFetch:
			s.onHistoryFetch(env)
		default:
			s.sendError(env.ID, "", codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), 0)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	pumps.Wait()

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.session.close", "session_id", client.SessionID, "user_id", client.UserID())
}

// ---- envelope IO ----

func newEnvelope(typ, ref, convID string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		Ref:     ref,
		ConvID:  convID,
		TS:      ts,
		Payload: raw,
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
