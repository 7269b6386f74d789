package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/realtime"
)

// Messages is the read side of the message pipeline used by the tracker.
type Messages interface {
	Lookup(ctx context.Context, id string) (message.Message, error)
	UnreadCount(ctx context.Context, conversationID, userID string, watermark int64) (int, error)
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// Authorizer checks conversation permissions.
type Authorizer interface {
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
}

// Publisher receives status.changed events.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Change is the payload of a status.changed event.
type Change struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Seq            int64  `json:"seq"`
	State          State  `json:"state"`
}

// Tracker implements the status operations and the pipeline's StatusRecorder.
type Tracker struct {
	store     Store
	messages  Messages
	auth      Authorizer
	audit     audit.Sink
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithPublisher(p Publisher) Option { return func(t *Tracker) { t.publisher = p } }

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a Tracker. The message source may be attached later
// with SetMessages because the pipeline and the tracker reference each other.
func NewTracker(store Store, auth Authorizer, sink audit.Sink, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("status: nil store")
	}
	if auth == nil {
		return nil, errors.New("status: nil authorizer")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	t := &Tracker{
		store: store,
		auth:  auth,
		audit: sink,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// SetMessages attaches the message source. It must be called before serving.
func (t *Tracker) SetMessages(m Messages) { t.messages = m }

// Initialize creates a sent row for every recipient of m.
func (t *Tracker) Initialize(ctx context.Context, m message.Message, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	rows := make([]Status, 0, len(recipients))
	for _, uid := range recipients {
		rows = append(rows, Status{
			MessageID:      m.ID,
			UserID:         uid,
			ConversationID: m.ConversationID,
			Seq:            m.Seq,
			State:          StateSent,
			UpdatedAt:      m.CreatedAt,
		})
	}
	return t.store.Init(ctx, rows)
}

// AdvanceWatermark moves userID's read watermark forward to seq.
func (t *Tracker) AdvanceWatermark(ctx context.Context, conversationID, userID string, seq int64) error {
	_, err := t.store.AdvanceWatermark(ctx, conversationID, userID, seq, t.now())
	return err
}

// MarkDelivered records that userID's client received messageID.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, userID string) (Status, error) {
	return t.transition(ctx, "status.MarkDelivered", messageID, userID, StateDelivered)
}

// MarkRead records that userID read messageID and advances the watermark.
func (t *Tracker) MarkRead(ctx context.Context, messageID, userID string) (Status, error) {
	return t.transition(ctx, "status.MarkRead", messageID, userID, StateRead)
}

func (t *Tracker) transition(ctx context.Context, op, messageID, userID string, to State) (Status, error) {
	m, err := t.messages.Lookup(ctx, messageID)
	if err != nil {
		return Status{}, err
	}
	if _, _, err := t.auth.Authorize(ctx, op, m.ConversationID, userID, conversation.PermRead); err != nil {
		return Status{}, err
	}

	now := t.now()
	st := Status{MessageID: m.ID, UserID: userID, ConversationID: m.ConversationID, Seq: m.Seq, State: to, UpdatedAt: now}

	// Senders have no status row on their own messages.
	if m.SenderID == userID {
		st.State = StateRead
		return st, nil
	}

	prev, err := t.store.Transition(ctx, st)
	if err != nil {
		if apperr.IsInvalidTransition(err) {
			return Status{}, apperr.Ef(op, apperr.ErrInvalidTransition, "%s -> %s", prev, to)
		}
		return Status{}, err
	}

	if to == StateRead {
		if _, err := t.store.AdvanceWatermark(ctx, m.ConversationID, userID, m.Seq, now); err != nil {
			t.log.Warn("status.watermark.fail", "conversation_id", m.ConversationID, "user_id", userID, "err", err)
		}
	}

	if prev == to {
		return st, nil
	}
	t.changed(ctx, st)
	return st, nil
}

// MarkConversationRead marks every message up to uptoSeq read for userID.
// uptoSeq <= 0 means the latest message. It returns how many rows changed.
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID, userID string, uptoSeq int64) (int, error) {
	const op = "status.MarkConversationRead"

	if _, _, err := t.auth.Authorize(ctx, op, conversationID, userID, conversation.PermRead); err != nil {
		return 0, err
	}
	if uptoSeq <= 0 {
		last, err := t.messages.LastSeq(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		uptoSeq = last
	}
	if uptoSeq == 0 {
		return 0, nil
	}

	now := t.now()
	changed, err := t.store.ReadUpTo(ctx, conversationID, userID, uptoSeq, now)
	if err != nil {
		return 0, err
	}
	if _, err := t.store.AdvanceWatermark(ctx, conversationID, userID, uptoSeq, now); err != nil {
		return len(changed), err
	}
	for _, st := range changed {
		t.changed(ctx, st)
	}
	return len(changed), nil
}

func (t *Tracker) changed(ctx context.Context, st Status) {
	action := audit.ActionMessageDelivered
	if st.State == StateRead {
		action = audit.ActionMessageRead
	}
	t.audit.Record(ctx, audit.Entry{
		UserID:       st.UserID,
		Action:       action,
		ResourceType: audit.ResourceMessage,
		ResourceID:   st.MessageID,
		Details:      map[string]any{"conversation_id": st.ConversationID, "seq": st.Seq},
	})
	if t.publisher != nil {
		t.publisher.Publish(realtime.Event{
			Type:           realtime.EventStatusChanged,
			ConversationID: st.ConversationID,
			Seq:            st.Seq,
			At:             st.UpdatedAt,
			Payload: Change{
				MessageID: st.MessageID, ConversationID: st.ConversationID,
				UserID: st.UserID, Seq: st.Seq, State: st.State,
			},
		})
	}
}

// GetStatus returns recipient -> state for a message visible to actorID.
func (t *Tracker) GetStatus(ctx context.Context, actorID, messageID string) (map[string]State, error) {
	const op = "status.GetStatus"

	m, err := t.messages.Lookup(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := t.auth.Authorize(ctx, op, m.ConversationID, actorID, conversation.PermRead); err != nil {
		return nil, err
	}
	rows, err := t.store.ListForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]State, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.State
	}
	return out, nil
}

// Watermark returns userID's last-read seq in a conversation.
func (t *Tracker) Watermark(ctx context.Context, conversationID, userID string) (int64, error) {
	if _, _, err := t.auth.Authorize(ctx, "status.Watermark", conversationID, userID, conversation.PermRead); err != nil {
		return 0, err
	}
	return t.store.Watermark(ctx, conversationID, userID)
}

// UnreadCount counts visible messages from others above userID's watermark.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	wm, err := t.Watermark(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return t.messages.UnreadCount(ctx, conversationID, userID, wm)
}
