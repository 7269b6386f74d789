// Package attachment holds attachment metadata and its verification against object storage.
//
// careline never stores attachment bytes: clients upload to object storage
// directly and send the resulting metadata with the message.
package attachment

import (
	"context"
	"fmt"
	"strings"

	"careline/cmd/internal/apperr"

	"github.com/dustin/go-humanize"
)

// DefaultMaxSize is the attachment size limit when none is configured.
const DefaultMaxSize = "25MB"

// Attachment is the metadata persisted with a message.
type Attachment struct {
	Name              string `json:"name" validate:"required,max=255"`
	ContentType       string `json:"content_type" validate:"required,max=127"`
	Size              int64  `json:"size" validate:"gt=0"`
	StoragePath       string `json:"storage_path" validate:"required,max=1024"`
	IsMedicalDocument bool   `json:"is_medical_document"`
}

// Verifier checks attachment metadata before a message referencing it is persisted.
type Verifier interface {
	Verify(ctx context.Context, a Attachment) error
}

// ParseSize parses a human size such as "25MB" or "10 MiB".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultMaxSize
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("attachment: invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("attachment: size %q out of range", s)
	}
	return int64(n), nil
}

// LimitVerifier enforces the size limit without contacting object storage.
// It is used when no bucket is configured.
type LimitVerifier struct {
	MaxSize int64
}

func (v LimitVerifier) Verify(_ context.Context, a Attachment) error {
	return checkLimit("attachment.Verify", a, v.MaxSize)
}

func checkLimit(op string, a Attachment, max int64) error {
	if strings.Contains(a.StoragePath, "..") || strings.HasPrefix(a.StoragePath, "/") {
		return apperr.Ef(op, apperr.ErrValidation, "invalid storage path %q", a.StoragePath)
	}
	if max > 0 && a.Size > max {
		return apperr.Ef(op, apperr.ErrValidation, "%s exceeds the %s limit",
			humanize.Bytes(uint64(a.Size)), humanize.Bytes(uint64(max)))
	}
	return nil
}
