package translation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/message"
	"careline/cmd/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// Messages returns a visible, decrypted message to an authorized actor.
type Messages interface {
	Get(ctx context.Context, actorID, id string) (message.Message, error)
}

// Cache is the translate entry point: cache first, then one coalesced
// provider call per key.
type Cache struct {
	store    Store
	provider Provider
	messages Messages
	audit    audit.Sink
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	attempts int
	backoff  time.Duration
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRetry sets provider attempts and the base backoff between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Cache) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

func NewCache(store Store, provider Provider, msgs Messages, sink audit.Sink, opts ...Option) (*Cache, error) {
	if store == nil || provider == nil || msgs == nil {
		return nil, errors.New("translation: store, provider and messages are required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	c := &Cache{
		store:    store,
		provider: provider,
		messages: msgs,
		audit:    sink,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type langInput struct {
	Target string `validate:"required,bcp47_language_tag"`
}

// Translate returns messageID's content in target for actorID.
func (c *Cache) Translate(ctx context.Context, actorID, messageID, target string) (Translation, error) {
	const op = "translation.Translate"

	target = normalizeLang(target)
	if err := apperr.Check(op, langInput{Target: target}); err != nil {
		return Translation{}, err
	}

	m, err := c.messages.Get(ctx, actorID, messageID)
	if err != nil {
		return Translation{}, err
	}
	key := Key{MessageID: m.ID, EditVersion: m.EditVersion, TargetLanguage: target}

	if t, ok, err := c.store.Get(ctx, key); err != nil {
		return Translation{}, err
	} else if ok {
		c.metrics.TranslationHit()
		return t, nil
	}

	// The shared call must not die with the first caller's context.
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), actorID, key, m.Content)
	})
	select {
	case <-ctx.Done():
		return Translation{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.TranslationCoalesced()
		}
		if res.Err != nil {
			return Translation{}, res.Err
		}
		return res.Val.(Translation), nil
	}
}

func (c *Cache) fill(ctx context.Context, actorID string, key Key, text string) (Translation, error) {
	// Another flight may have filled the key between our miss and this call.
	if t, ok, err := c.store.Get(ctx, key); err == nil && ok {
		c.metrics.TranslationHit()
		return t, nil
	}

	res, err := c.call(ctx, text, key.TargetLanguage)
	if err != nil {
		return Translation{}, err
	}

	t := Translation{
		MessageID:      key.MessageID,
		EditVersion:    key.EditVersion,
		TargetLanguage: key.TargetLanguage,
		SourceLanguage: res.SourceLanguage,
		Text:           res.Text,
		Provider:       c.provider.Name(),
		CreatedAt:      c.now(),
	}
	if err := c.store.Put(ctx, t); err != nil {
		c.log.Warn("translation.store.put.fail", "message_id", key.MessageID, "target", key.TargetLanguage, "err", err)
	} else if stored, ok, err := c.store.Get(ctx, key); err == nil && ok {
		t = stored
	}

	c.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionMessageTranslated,
		ResourceType: audit.ResourceTranslation,
		ResourceID:   key.String(),
		Details: map[string]any{
			"message_id":      key.MessageID,
			"edit_version":    key.EditVersion,
			"target_language": key.TargetLanguage,
			"source_language": t.SourceLanguage,
			"provider":        t.Provider,
		},
	})
	return t, nil
}

func (c *Cache) call(ctx context.Context, text, target string) (Result, error) {
	backoff := c.backoff
	var last error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := c.provider.Translate(ctx, text, target)
		c.metrics.TranslationCall(err == nil)
		if err == nil {
			return res, nil
		}
		last = err
		if !apperr.Retryable(err) {
			return Result{}, err
		}
		c.log.Warn("translation.provider.retry", "provider", c.provider.Name(), "attempt", attempt, "err", err)
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	var ext apperr.ExternalError
	if errors.As(last, &ext) {
		return Result{}, last
	}
	return Result{}, apperr.ExternalError{Op: "translation.Translate", Provider: c.provider.Name(), Err: last}
}
