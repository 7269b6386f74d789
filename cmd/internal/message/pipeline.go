package message

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/attachment"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/metrics"
	"careline/cmd/internal/realtime"
	"careline/cmd/security/sealbox"
)

const (
	maxContentRunes = 8000
	replayPageSize  = 200
)

// Pipeline is the only writer of message rows.
//
// Ordering model:
//   - Send, Edit and Delete hold a per-conversation lock across persistence,
//     the conversation updated_at bump and the realtime publish, so subscribers
//     see message.new events in seq order.
//   - Different conversations never contend.
type Pipeline struct {
	store     Store
	convs     Conversations
	audit     audit.Sink
	publisher Publisher
	statuses  StatusRecorder
	escalator Escalator
	listeners []Listener
	verifier  attachment.Verifier
	sealer    *sealbox.Sealer
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	keywords []string
	budget   *limiterPool
	locks    *keyedMutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithPublisher(p Publisher) Option { return func(pl *Pipeline) { pl.publisher = p } }

func WithStatusRecorder(s StatusRecorder) Option { return func(pl *Pipeline) { pl.statuses = s } }

func WithEscalator(e Escalator) Option { return func(pl *Pipeline) { pl.escalator = e } }

// WithListener adds a post-commit listener.
func WithListener(l Listener) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.listeners = append(pl.listeners, l)
		}
	}
}

func WithAttachmentVerifier(v attachment.Verifier) Option {
	return func(pl *Pipeline) { pl.verifier = v }
}

// WithSealer enables at-rest sealing for encryption-enabled conversations.
func WithSealer(s *sealbox.Sealer) Option { return func(pl *Pipeline) { pl.sealer = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(pl *Pipeline) { pl.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) {
		if now != nil {
			pl.now = now
		}
	}
}

// WithUrgentKeywords replaces the keyword list that raises priority.
func WithUrgentKeywords(keywords []string) Option {
	return func(pl *Pipeline) { pl.keywords = NormalizeKeywords(keywords) }
}

// WithBudget sets the per-(conversation, sender) message budget.
func WithBudget(b Budget) Option {
	return func(pl *Pipeline) { pl.budget = newLimiterPool(b) }
}

// NewPipeline constructs a Pipeline. sink may be nil.
func NewPipeline(store Store, convs Conversations, sink audit.Sink, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("message: nil store")
	}
	if convs == nil {
		return nil, errors.New("message: nil conversations")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	p := &Pipeline{
		store:     store,
		convs:     convs,
		audit:     sink,
		publisher: nopPublisher{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		keywords:  NormalizeKeywords(DefaultUrgentKeywords),
		budget:    newLimiterPool(Budget{}),
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.publisher == nil {
		p.publisher = nopPublisher{}
	}
	return p, nil
}

// SendInput is a send request. SenderID comes from the authenticated caller.
type SendInput struct {
	ConversationID string                  `json:"conversation_id" validate:"required,max=64"`
	SenderID       string                  `json:"-" validate:"required,max=128"`
	Content        string                  `json:"content" validate:"required"`
	Type           Type                    `json:"type" validate:"omitempty,oneof=text voice file image video template"`
	Priority       Priority                `json:"priority" validate:"omitempty,oneof=low normal high emergency"`
	ReplyTo        string                  `json:"reply_to" validate:"omitempty,max=64"`
	Metadata       map[string]string       `json:"metadata" validate:"max=32,dive,keys,max=64,endkeys,max=1024"`
	Attachments    []attachment.Attachment `json:"attachments" validate:"max=10,dive"`
}

// Send validates, sequences and persists a message, then runs the post-commit effects.
//
// The caller learns synchronously about every precondition failure; once the
// message is committed, failures of side effects are logged and never returned.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "message.Send"

	m, c, err := p.prepare(ctx, op, in)
	if err != nil {
		p.reject(op, in, err)
		return Message{}, err
	}

	stored, err := p.commit(ctx, c, m)
	if err != nil {
		p.log.Error("message.send.fail", "conversation_id", in.ConversationID, "sender_id", in.SenderID, "err", err)
		return Message{}, err
	}

	p.afterSend(ctx, c, stored)
	return stored, nil
}

func (p *Pipeline) prepare(ctx context.Context, op string, in SendInput) (Message, conversation.Conversation, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.Content = strings.TrimSpace(in.Content)
	in.ReplyTo = strings.TrimSpace(in.ReplyTo)
	if in.Type == "" {
		in.Type = TypeText
	}

	if err := apperr.Check(op, in); err != nil {
		return Message{}, conversation.Conversation{}, err
	}
	if n := utf8.RuneCountInString(in.Content); n > maxContentRunes {
		return Message{}, conversation.Conversation{}, apperr.Ef(op, apperr.ErrValidation, "content has %d characters, max %d", n, maxContentRunes)
	}
	if in.Type == TypeTemplate && strings.TrimSpace(in.Metadata["template_id"]) == "" {
		return Message{}, conversation.Conversation{}, apperr.E(op, apperr.ErrValidation, "template messages need metadata.template_id")
	}
	if len(in.Attachments) > 0 && !in.Type.carriesAttachments() {
		return Message{}, conversation.Conversation{}, apperr.Ef(op, apperr.ErrValidation, "%s messages cannot carry attachments", in.Type)
	}

	c, _, err := p.convs.Authorize(ctx, op, in.ConversationID, in.SenderID, conversation.PermWrite)
	if err != nil {
		return Message{}, c, err
	}

	now := p.now()
	if in.ReplyTo != "" {
		parent, err := p.store.Get(ctx, in.ReplyTo)
		if err != nil && !apperr.IsNotFound(err) {
			return Message{}, c, err
		}
		if err != nil || parent.ConversationID != in.ConversationID || !parent.Visible(now) {
			return Message{}, c, apperr.E(op, apperr.ErrValidation, "reply_to does not reference a visible message of this conversation")
		}
	}

	if p.verifier != nil {
		for _, a := range in.Attachments {
			if err := p.verifier.Verify(ctx, a); err != nil {
				return Message{}, c, err
			}
		}
	}

	// Only a send that passed every check spends budget.
	if wait := p.budget.reserve(in.ConversationID+"|"+in.SenderID, now); wait > 0 {
		return Message{}, c, apperr.RateLimitError{Op: op, RetryAfter: wait}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, c, err
	}

	m := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		Priority:       EffectivePriority(in.Priority, c.Kind, in.Content, p.keywords),
		ReplyTo:        in.ReplyTo,
		Metadata:       in.Metadata,
		Attachments:    in.Attachments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.RetentionDays > 0 {
		exp := now.AddDate(0, 0, c.RetentionDays)
		m.ExpiresAt = &exp
	}
	return m, c, nil
}

// commit runs the serialized section: seal, append, touch, publish.
func (p *Pipeline) commit(ctx context.Context, c conversation.Conversation, m Message) (Message, error) {
	plaintext := m.Content
	sealed, err := p.seal(c, plaintext)
	if err != nil {
		return Message{}, err
	}
	m.Content = sealed

	unlock := p.locks.Lock(m.ConversationID)
	defer unlock()

	stored, err := p.store.Append(ctx, m)
	if err != nil {
		return Message{}, err
	}
	stored.Content = plaintext

	// Committed from here on: nothing below may fail the send.
	if err := p.convs.Touch(ctx, stored.ConversationID, stored.CreatedAt); err != nil {
		p.log.Warn("message.touch.fail", "conversation_id", stored.ConversationID, "err", err)
	}
	p.publisher.Publish(realtime.Event{
		Type:           realtime.EventMessageNew,
		ConversationID: stored.ConversationID,
		Seq:            stored.Seq,
		At:             stored.CreatedAt,
		Payload:        stored,
	})
	return stored, nil
}

func (p *Pipeline) afterSend(ctx context.Context, c conversation.Conversation, m Message) {
	p.metrics.MessageSent(string(m.Priority))
	p.log.Info("message.sent",
		"conversation_id", m.ConversationID, "message_id", m.ID, "seq", m.Seq,
		"sender_id", m.SenderID, "priority", string(m.Priority), "type", string(m.Type))

	p.audit.Record(ctx, audit.Entry{
		UserID:       m.SenderID,
		Action:       audit.ActionMessageSent,
		ResourceType: audit.ResourceMessage,
		ResourceID:   m.ID,
		Details: map[string]any{
			"conversation_id": m.ConversationID,
			"seq":             m.Seq,
			"priority":        string(m.Priority),
			"type":            string(m.Type),
			"attachments":     len(m.Attachments),
		},
	})

	// Escalation goes first: emergency work must be queued before anything slower runs.
	if p.escalator != nil && m.Priority.Rank() >= PriorityHigh.Rank() {
		p.escalator.Submit(m, c)
	}

	if p.statuses != nil {
		recipients, err := p.recipients(ctx, m)
		if err != nil {
			p.log.Warn("message.status.recipients.fail", "message_id", m.ID, "err", err)
		} else if err := p.statuses.Initialize(ctx, m, recipients); err != nil {
			p.log.Warn("message.status.init.fail", "message_id", m.ID, "err", err)
		}
		if err := p.statuses.AdvanceWatermark(ctx, m.ConversationID, m.SenderID, m.Seq); err != nil {
			p.log.Warn("message.watermark.fail", "message_id", m.ID, "err", err)
		}
	}

	for _, l := range p.listeners {
		l.OnMessage(ctx, m)
	}
}

func (p *Pipeline) recipients(ctx context.Context, m Message) ([]string, error) {
	parts, err := p.convs.ListParticipants(ctx, m.ConversationID, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parts))
	for _, pt := range parts {
		if pt.UserID != m.SenderID {
			out = append(out, pt.UserID)
		}
	}
	return out, nil
}

func (p *Pipeline) reject(op string, in SendInput, err error) {
	kind := apperr.KindOf(err)
	p.metrics.MessageRejected(kind)
	p.log.Warn("message.send.rejected",
		"op", op, "conversation_id", in.ConversationID, "sender_id", in.SenderID, "kind", kind, "err", err)
}

func (p *Pipeline) seal(c conversation.Conversation, content string) (string, error) {
	if !c.EncryptionEnabled {
		return content, nil
	}
	if p.sealer == nil {
		return "", errors.New("message: conversation requires encryption but no content key is configured")
	}
	return p.sealer.Seal(c.ID, content)
}

func (p *Pipeline) open(m Message) (Message, error) {
	if !sealbox.IsSealed(m.Content) {
		return m, nil
	}
	if p.sealer == nil {
		return Message{}, errors.New("message: sealed content but no content key is configured")
	}
	pt, err := p.sealer.Open(m.ConversationID, m.Content)
	if err != nil {
		return Message{}, err
	}
	m.Content = pt
	return m, nil
}

// Lookup returns a message with plaintext content, including deleted or
// expired ones. It performs no authorization.
func (p *Pipeline) Lookup(ctx context.Context, id string) (Message, error) {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	return p.open(m)
}

// Get returns a visible message to a participant of its conversation.
func (p *Pipeline) Get(ctx context.Context, actorID, id string) (Message, error) {
	const op = "message.Get"

	m, err := p.Lookup(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if _, _, err := p.convs.Authorize(ctx, op, m.ConversationID, actorID, conversation.PermRead); err != nil {
		return Message{}, err
	}
	if !m.Visible(p.now()) {
		return Message{}, apperr.E(op, apperr.ErrNotFound, "")
	}
	return m, nil
}

// History returns visible messages with seq > afterSeq, ascending.
func (p *Pipeline) History(ctx context.Context, actorID, conversationID string, afterSeq int64, limit int) (HistoryPage, error) {
	const op = "message.History"

	if afterSeq < 0 {
		return HistoryPage{}, apperr.E(op, apperr.ErrValidation, "after_seq must be >= 0")
	}
	if _, _, err := p.convs.Authorize(ctx, op, conversationID, actorID, conversation.PermRead); err != nil {
		return HistoryPage{}, err
	}

	page, err := p.store.History(ctx, HistoryQuery{
		ConversationID: conversationID,
		AfterSeq:       afterSeq,
		Limit:          limit,
		Now:            p.now(),
	})
	if err != nil {
		return HistoryPage{}, err
	}
	for i := range page.Messages {
		if page.Messages[i], err = p.open(page.Messages[i]); err != nil {
			return HistoryPage{}, err
		}
	}
	return page, nil
}

// Replay loads message.new events for seq in (afterSeq, beforeSeq) from the store.
// It is the realtime hub's backfill.
func (p *Pipeline) Replay(ctx context.Context, conversationID string, afterSeq, beforeSeq int64) ([]realtime.Event, error) {
	out := make([]realtime.Event, 0)
	cursor := afterSeq
	for {
		page, err := p.store.History(ctx, HistoryQuery{
			ConversationID: conversationID,
			AfterSeq:       cursor,
			BeforeSeq:      beforeSeq,
			Limit:          replayPageSize,
			Now:            p.now(),
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			if m, err = p.open(m); err != nil {
				return nil, err
			}
			out = append(out, realtime.Event{
				Type:           realtime.EventMessageNew,
				ConversationID: m.ConversationID,
				Seq:            m.Seq,
				At:             m.CreatedAt,
				Payload:        m,
			})
			cursor = m.Seq
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
	}
}

// Edit replaces the content of the actor's own message and bumps its edit version.
func (p *Pipeline) Edit(ctx context.Context, actorID, id, content string) (Message, error) {
	const op = "message.Edit"

	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, apperr.E(op, apperr.ErrValidation, "content required")
	}
	if n := utf8.RuneCountInString(content); n > maxContentRunes {
		return Message{}, apperr.Ef(op, apperr.ErrValidation, "content has %d characters, max %d", n, maxContentRunes)
	}

	cur, err := p.store.Get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	c, _, err := p.convs.Authorize(ctx, op, cur.ConversationID, actorID, conversation.PermWrite)
	if err != nil {
		return Message{}, err
	}
	if cur.SenderID != actorID {
		return Message{}, apperr.E(op, apperr.ErrUnauthorized, "only the sender may edit")
	}
	if !cur.Visible(p.now()) {
		return Message{}, apperr.E(op, apperr.ErrNotFound, "")
	}

	sealed, err := p.seal(c, content)
	if err != nil {
		return Message{}, err
	}

	now := p.now()
	unlock := p.locks.Lock(cur.ConversationID)
	updated, err := p.store.UpdateContent(ctx, id, sealed, cur.EditVersion, now)
	if err != nil {
		unlock()
		return Message{}, err
	}
	updated.Content = content
	p.publisher.Publish(realtime.Event{
		Type:           realtime.EventMessageEdited,
		ConversationID: updated.ConversationID,
		Seq:            updated.Seq,
		At:             now,
		Payload:        updated,
	})
	unlock()

	p.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionMessageEdited,
		ResourceType: audit.ResourceMessage,
		ResourceID:   id,
		Details:      map[string]any{"conversation_id": updated.ConversationID, "edit_version": updated.EditVersion},
	})
	return updated, nil
}

// Delete soft-deletes a message. Senders may delete their own messages;
// admins and moderators may delete any.
func (p *Pipeline) Delete(ctx context.Context, actorID, id string) error {
	const op = "message.Delete"

	cur, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	perm := conversation.PermManage
	if cur.SenderID == actorID {
		perm = conversation.PermWrite
	}
	if _, _, err := p.convs.Authorize(ctx, op, cur.ConversationID, actorID, perm); err != nil {
		return err
	}

	now := p.now()
	unlock := p.locks.Lock(cur.ConversationID)
	deleted, err := p.store.SoftDelete(ctx, id, now)
	if err != nil {
		unlock()
		return err
	}
	deleted.Content = ""
	p.publisher.Publish(realtime.Event{
		Type:           realtime.EventMessageDeleted,
		ConversationID: deleted.ConversationID,
		Seq:            deleted.Seq,
		At:             now,
		Payload:        deleted,
	})
	unlock()

	p.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionMessageDeleted,
		ResourceType: audit.ResourceMessage,
		ResourceID:   id,
		Details:      map[string]any{"conversation_id": deleted.ConversationID, "by_sender": cur.SenderID == actorID},
	})
	return nil
}

// UnreadCount counts visible messages from others with seq above watermark.
func (p *Pipeline) UnreadCount(ctx context.Context, conversationID, userID string, watermark int64) (int, error) {
	return p.store.CountVisibleAfter(ctx, conversationID, watermark, userID, p.now())
}

// LastSeq returns the highest allocated seq of a conversation.
func (p *Pipeline) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	return p.store.LastSeq(ctx, conversationID)
}

// Recent returns up to k of the newest visible messages, oldest first.
// It does not authorize; callers are internal read-side services.
func (p *Pipeline) Recent(ctx context.Context, conversationID string, k int) ([]Message, error) {
	if k <= 0 {
		return nil, nil
	}
	last, err := p.store.LastSeq(ctx, conversationID)
	if err != nil || last == 0 {
		return nil, err
	}

	// The seq window never exceeds the page limit, so one page covers it.
	span := min(int64(k)*4, maxHistoryLimit)
	for {
		after := max(last-span, 0)
		page, err := p.store.History(ctx, HistoryQuery{
			ConversationID: conversationID,
			AfterSeq:       after,
			BeforeSeq:      last + 1,
			Limit:          maxHistoryLimit,
			Now:            p.now(),
		})
		if err != nil {
			return nil, err
		}
		msgs := page.Messages
		if len(msgs) < k && after > 0 && span < maxHistoryLimit {
			span = min(span*2, maxHistoryLimit)
			continue
		}
		if len(msgs) > k {
			msgs = msgs[len(msgs)-k:]
		}
		for i := range msgs {
			if msgs[i], err = p.open(msgs[i]); err != nil {
				return nil, err
			}
		}
		return msgs, nil
	}
}
