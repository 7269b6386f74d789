package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/realtime"
	v1 "careline/shared/contracts/realtime/v1"
)

// Protocol-level error codes. Domain failures use apperr kinds.
const (
	codeBadJSON         = "bad_json"
	codeBadEnvelope     = "bad_envelope"
	codeBadPayload      = "bad_payload"
	codeUnauthenticated = "unauthenticated"
	codeUnsupported     = "unsupported"
	codeRateLimited     = apperr.KindRateLimited
	codeEvicted         = "evicted"
	codeTooManySubs     = "too_many_subscriptions"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// session is the per-connection handler state.
type session struct {
	g      *Gateway
	ctx    context.Context
	client *Client
	pumps  *sync.WaitGroup
}

func (s *session) onHello(env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	current := s.client.UserID()
	if tok := strings.TrimSpace(p.Token); tok != "" {
		claims, err := s.g.verifier.Verify(tok, s.g.now())
		if err != nil {
			s.g.log.Info("ws.hello.auth.fail", "session_id", s.client.SessionID, "err", err)
			return errors.New("invalid token")
		}
		if current != "" && current != claims.UserID {
			return errors.New("token user differs from session user")
		}
		current = claims.UserID
		s.client.setUser(current)
	}
	if current == "" {
		return errors.New("missing token")
	}

	s.enqueue(newEnvelope(v1.TypeHelloAck, env.ID, "", v1.HelloAckPayload{
		SessionID: s.client.SessionID,
		UserID:    current,
	}, s.g.now()))
	return nil
}

func (s *session) onSubscribe(env v1.Envelope) {
	const op = "gateway.Subscribe"

	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ID, "", codeBadPayload, "invalid payload", 0)
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		s.sendError(env.ID, "", codeBadPayload, "missing conversation_id", 0)
		return
	}
	userID := s.client.UserID()

	if _, _, err := s.g.convs.Authorize(s.ctx, op, convID, userID, conversation.PermRead); err != nil {
		s.sendFailure(env.ID, convID, err)
		return
	}

	lastSeq, err := s.g.messages.LastSeq(s.ctx, convID)
	if err != nil {
		s.sendFailure(env.ID, convID, err)
		return
	}

	sub, err := s.g.hub.Subscribe(s.ctx, realtime.SubscribeRequest{
		ConversationID: convID,
		UserID:         userID,
		SinceSeq:       p.SinceSeq,
	})
	if err != nil {
		s.sendFailure(env.ID, convID, err)
		return
	}

	prev, ok := s.client.addSub(sub)
	if !ok {
		s.g.hub.Unsubscribe(sub)
		s.sendError(env.ID, convID, codeTooManySubs, fmt.Sprintf("max %d subscriptions per session", maxSubscriptions), 0)
		return
	}
	if prev != nil {
		s.g.hub.Unsubscribe(prev)
	}

	// subscribed is queued before the pump starts so it precedes any replay.
	s.enqueue(newEnvelope(v1.TypeSubscribed, env.ID, convID, v1.SubscribedPayload{
		ConversationID: convID,
		LastSeq:        lastSeq,
	}, s.g.now()))

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		s.pump(sub)
	}()
}

// pump forwards hub events to the client. A blocked client fills the hub's
// subscriber queue, and the hub evicts it.
func (s *session) pump(sub *realtime.Subscription) {
	err := sub.Run(s.ctx, func(ev realtime.Event) error {
		env, ok := eventEnvelope(ev, s.g.now())
		if !ok {
			return nil
		}
		select {
		case s.client.Send <- env:
			return nil
		case <-s.client.Done():
			return realtime.ErrClosed
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	})

	s.client.dropSub(sub.ConversationID, sub)
	s.g.hub.Unsubscribe(sub)

	if errors.Is(err, realtime.ErrEvicted) {
		s.g.log.Warn("ws.subscription.evicted",
			"session_id", s.client.SessionID, "conversation_id", sub.ConversationID, "delivered_seq", sub.Delivered())
		s.sendError("", sub.ConversationID, codeEvicted,
			fmt.Sprintf("subscriber fell behind; resubscribe with since_seq=%d", sub.Delivered()), 0)
	}
}

func (s *session) onUnsubscribe(env v1.Envelope) {
	var p v1.UnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ID, "", codeBadPayload, "invalid payload", 0)
		return
	}
	if sub := s.client.dropSub(strings.TrimSpace(p.ConversationID), nil); sub != nil {
		s.g.hub.Unsubscribe(sub)
	}
}

func (s *session) onMessageSend(env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ID, "", codeBadPayload, "invalid payload", 0)
		return
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		s.sendError(env.ID, p.ConversationID, codeBadPayload, "missing client_msg_id", 0)
		return
	}

	m, err := s.g.messages.Send(s.ctx, message.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       s.client.UserID(),
		Content:        p.Content,
		Type:           message.Type(p.Type),
		Priority:       message.Priority(p.Priority),
		ReplyTo:        p.ReplyTo,
		Metadata:       p.Metadata,
	})
	if err != nil {
		s.sendFailure(env.ID, p.ConversationID, err)
		return
	}

	s.enqueue(newEnvelope(v1.TypeMessageAck, env.ID, m.ConversationID, v1.MessageAckPayload{
		ConversationID: m.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Priority:       string(m.Priority),
	}, s.g.now()))
}

func (s *session) onMarkRead(env v1.Envelope) {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ID, "", codeBadPayload, "invalid payload", 0)
		return
	}
	n, err := s.g.statuses.MarkConversationRead(s.ctx, p.ConversationID, s.client.UserID(), p.UptoSeq)
	if err != nil {
		s.sendFailure(env.ID, p.ConversationID, err)
		return
	}
	p.Marked = n
	s.enqueue(newEnvelope(v1.TypeMarkRead, env.ID, p.ConversationID, p, s.g.now()))
}

func (s *session) onHistoryFetch(env v1.Envelope) {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ID, "", codeBadPayload, "invalid payload", 0)
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	page, err := s.g.messages.History(s.ctx, s.client.UserID(), p.ConversationID, p.AfterSeq, limit)
	if err != nil {
		s.sendFailure(env.ID, p.ConversationID, err)
		return
	}

	msgs := make([]v1.MessagePayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, messagePayload(m))
	}
	s.enqueue(newEnvelope(v1.TypeHistoryChunk, env.ID, p.ConversationID, v1.HistoryChunkPayload{
		ConversationID: p.ConversationID,
		Messages:       msgs,
		HasMore:        page.HasMore,
	}, s.g.now()))
}

// ---- send helpers ----

// sendFailure reports a domain error using its apperr kind as the code.
func (s *session) sendFailure(ref, convID string, err error) {
	kind := apperr.KindOf(err)
	msg := kind
	var op apperr.OpError
	if errors.As(err, &op) && op.Msg != "" {
		msg = op.Msg
	}
	var retry int64
	var rl apperr.RateLimitError
	if errors.As(err, &rl) {
		retry = rl.RetryAfter.Milliseconds()
	}
	if kind == apperr.KindInternal {
		s.g.log.Error("ws.request.fail", "session_id", s.client.SessionID, "conversation_id", convID, "err", err)
		msg = "internal error"
	}
	s.sendError(ref, convID, kind, msg, retry)
}

func (s *session) sendError(ref, convID, code, msg string, retryAfterMS int64) {
	s.enqueue(newEnvelope(v1.TypeError, ref, convID, v1.ErrorPayload{
		Code:         code,
		Message:      msg,
		RetryAfterMS: retryAfterMS,
	}, s.g.now()))
}

// enqueue never blocks the read loop: replies are dropped when the send queue is full.
func (s *session) enqueue(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		s.g.log.Warn("ws.send.dropped", "session_id", s.client.SessionID, "type", env.Type)
		return false
	}
}
