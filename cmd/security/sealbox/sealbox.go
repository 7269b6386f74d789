package sealbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyEnv is the env var holding the master content key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "CARELINE_CONTENT_KEY"

	// MinKeyBytes is the minimum accepted master key length.
	MinKeyBytes = 32

	prefix = "sb1:"
	salt   = "careline.sealbox.v1"
)

// Sealer encrypts and decrypts conversation content.
type Sealer struct {
	master []byte
}

// New returns a Sealer for master, enforcing MinKeyBytes.
func New(master []byte) (*Sealer, error) {
	if len(master) == 0 {
		return nil, ErrKeyMissing
	}
	if len(master) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	cp := append([]byte(nil), master...)
	return &Sealer{master: cp}, nil
}

// FromEnv builds a Sealer from CARELINE_CONTENT_KEY.
// It returns ErrKeyMissing when the variable is blank so callers can run without sealing.
func FromEnv() (*Sealer, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	return New([]byte(raw))
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, prefix) }

// Seal encrypts plaintext for conversationID.
func (s *Sealer) Seal(conversationID, plaintext string) (string, error) {
	aead, err := s.aead(conversationID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(conversationID))
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal for the same conversationID.
// Values without the sealed prefix are returned unchanged.
func (s *Sealer) Open(conversationID, sealed string) (string, error) {
	if !IsSealed(sealed) {
		return sealed, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := s.aead(conversationID)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(conversationID))
	if err != nil {
		return "", ErrOpen
	}
	return string(pt), nil
}

func (s *Sealer) aead(conversationID string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.master, []byte(salt), []byte(conversationID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
