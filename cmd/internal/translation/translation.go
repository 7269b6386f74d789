// Package translation memoizes per-message translations.
//
// The cache key includes the message edit version, so an edit is a new key
// and cached text never needs invalidating. Concurrent misses for one key
// share a single provider call.
package translation

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Key identifies one cached translation.
type Key struct {
	MessageID      string
	EditVersion    int
	TargetLanguage string
}

func (k Key) String() string {
	return k.MessageID + "/" + strconv.Itoa(k.EditVersion) + "/" + k.TargetLanguage
}

// Translation is a cached provider result.
type Translation struct {
	MessageID      string    `json:"message_id"`
	EditVersion    int       `json:"edit_version"`
	TargetLanguage string    `json:"target_language"`
	SourceLanguage string    `json:"source_language"`
	Text           string    `json:"text"`
	Provider       string    `json:"provider"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the cache key of t.
func (t Translation) Key() Key {
	return Key{MessageID: t.MessageID, EditVersion: t.EditVersion, TargetLanguage: t.TargetLanguage}
}

// Store persists translations.
type Store interface {
	// Get reports found=false on a miss.
	Get(ctx context.Context, k Key) (Translation, bool, error)
	// Put keeps the first stored value for a key.
	Put(ctx context.Context, t Translation) error
}

// Result is a provider's answer.
type Result struct {
	Text           string
	SourceLanguage string
}

// Provider translates text. Failures are wrapped as apperr.ExternalError;
// requests the provider can never satisfy are apperr.ErrValidation.
type Provider interface {
	Name() string
	Translate(ctx context.Context, text, target string) (Result, error)
}

func normalizeLang(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
