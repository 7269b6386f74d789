package smartreply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
)

const (
	defaultTTL         = 10 * time.Minute
	defaultContextSize = 5
	defaultServe       = 3
	perUserCandidates  = 5
)

// Messages reads the recent window of a conversation.
type Messages interface {
	Recent(ctx context.Context, conversationID string, k int) ([]message.Message, error)
}

// Conversations is the slice of the conversation service used here.
type Conversations interface {
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]conversation.Participant, error)
}

// Service generates suggestions asynchronously and serves them.
type Service struct {
	store     Store
	messages  Messages
	convs     Conversations
	audit     audit.Sink
	generator Generator
	log       *slog.Logger
	now       func() time.Time

	ttl         time.Duration
	contextSize int

	queue  chan message.Message
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

func WithGenerator(g Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.generator = g
		}
	}
}

// WithTTL sets how long suggestions stay servable.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithContextSize sets how many recent messages form the context.
func WithContextSize(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.contextSize = k
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService starts one generation worker. Close stops it.
func NewService(store Store, msgs Messages, convs Conversations, sink audit.Sink, opts ...Option) (*Service, error) {
	if store == nil || msgs == nil || convs == nil {
		return nil, errors.New("smartreply: store, messages and conversations are required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	s := &Service{
		store:       store,
		messages:    msgs,
		convs:       convs,
		audit:       sink,
		generator:   NewKeywordGenerator(),
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		ttl:         defaultTTL,
		contextSize: defaultContextSize,
		queue:       make(chan message.Message, 128),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// OnMessage queues generation for m. Suggestions are disposable, so a full
// queue drops the trigger.
func (s *Service) OnMessage(_ context.Context, m message.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- m:
	default:
		s.log.Warn("smartreply.queue.full", "conversation_id", m.ConversationID, "message_id", m.ID)
	}
}

// Close stops the worker after the queue drains or ctx ends.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for m := range s.queue {
		if _, err := s.Generate(s.ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("smartreply.generate.fail", "conversation_id", m.ConversationID, "message_id", m.ID, "err", err)
		}
	}
}

// Generate computes and stores suggestions for every active recipient of m
// who may write. It returns the number of new suggestions.
func (s *Service) Generate(ctx context.Context, m message.Message) (int, error) {
	window, err := s.messages.Recent(ctx, m.ConversationID, s.contextSize)
	if err != nil {
		return 0, err
	}
	if len(window) == 0 {
		return 0, nil
	}
	hash := ContextHash(m.ConversationID, window)

	parts, err := s.convs.ListParticipants(ctx, m.ConversationID, true)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var batch []Suggestion
	users := 0
	for _, p := range parts {
		if p.UserID == m.SenderID || !p.Role.CanWrite() {
			continue
		}
		cands, err := s.generator.Generate(ctx, window, p.UserID)
		if err != nil {
			return 0, err
		}
		if len(cands) > perUserCandidates {
			cands = cands[:perUserCandidates]
		}
		if len(cands) > 0 {
			users++
		}
		for _, c := range cands {
			text := strings.TrimSpace(c.Text)
			if text == "" {
				continue
			}
			batch = append(batch, Suggestion{
				ID:             ids.New(now),
				ConversationID: m.ConversationID,
				UserID:         p.UserID,
				Text:           text,
				Confidence:     clampConfidence(c.Confidence),
				ContextHash:    hash,
				CreatedAt:      now,
				ExpiresAt:      now.Add(s.ttl),
			})
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	n, err := s.store.Insert(ctx, batch)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s.log.Debug("smartreply.generated", "conversation_id", m.ConversationID, "message_id", m.ID, "suggestions", n, "users", users)
	s.audit.Record(ctx, audit.Entry{
		UserID:       audit.SystemUser,
		Action:       audit.ActionSmartReplyGenerated,
		ResourceType: audit.ResourceConversation,
		ResourceID:   m.ConversationID,
		Details: map[string]any{
			"message_id":   m.ID,
			"context_hash": hash,
			"suggestions":  n,
			"users":        users,
		},
	})
	return n, nil
}

// Suggestions returns the best servable suggestions for userID in the current context.
func (s *Service) Suggestions(ctx context.Context, conversationID, userID string) ([]Suggestion, error) {
	if _, _, err := s.convs.Authorize(ctx, "smartreply.Suggestions", conversationID, userID, conversation.PermRead); err != nil {
		return nil, err
	}
	window, err := s.messages.Recent(ctx, conversationID, s.contextSize)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return []Suggestion{}, nil
	}
	out, err := s.store.Active(ctx, conversationID, userID, ContextHash(conversationID, window), s.now(), defaultServe)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Suggestion{}
	}
	return out, nil
}

// Consume marks a suggestion used. Consuming again is a no-op.
func (s *Service) Consume(ctx context.Context, userID, id string) (Suggestion, error) {
	const op = "smartreply.Consume"

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Suggestion{}, err
	}
	if cur.UserID != userID {
		return Suggestion{}, apperr.E(op, apperr.ErrUnauthorized, "suggestion belongs to another user")
	}
	if cur.IsUsed {
		return cur, nil
	}
	now := s.now()
	if !now.Before(cur.ExpiresAt) {
		return Suggestion{}, apperr.E(op, apperr.ErrInvalidTransition, "suggestion expired")
	}

	used, changed, err := s.store.MarkUsed(ctx, id, now)
	if err != nil {
		return Suggestion{}, err
	}
	if changed {
		s.audit.Record(ctx, audit.Entry{
			UserID:       userID,
			Action:       audit.ActionSmartReplyUsed,
			ResourceType: audit.ResourceSmartReply,
			ResourceID:   id,
			Details:      map[string]any{"conversation_id": used.ConversationID},
		})
	}
	return used, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
