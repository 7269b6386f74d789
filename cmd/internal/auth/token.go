// Package auth verifies the PASETO v4.public access tokens minted by the
// external identity service and resolves them to a careline user id.
//
// careline never authenticates users itself: it only checks signature,
// issuer and validity window, then trusts the "uid" claim.
package auth

import (
	"errors"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

var (
	// ErrInvalidToken is returned when an access token fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing token")
	// ErrConfig is returned for unusable key material.
	ErrConfig = errors.New("invalid auth config")
)

// Claims is the identity envelope carried by an access token.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier resolves an access token to its claims.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// PasetoVerifier checks v4.public tokens against the identity service's public key.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a verifier from cfg.PublicKeyHex, or from the public
// half of cfg.SecretKeyHex when only the signing key is configured.
func NewPasetoVerifier(cfg Config) (*PasetoVerifier, error) {
	var (
		public paseto.V4AsymmetricPublicKey
		err    error
	)
	switch {
	case strings.TrimSpace(cfg.PublicKeyHex) != "":
		public, err = paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	case strings.TrimSpace(cfg.SecretKeyHex) != "":
		var secret paseto.V4AsymmetricSecretKey
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
		if err == nil {
			public = secret.Public()
		}
	default:
		return nil, ErrConfig
	}
	if err != nil {
		return nil, ErrConfig
	}

	return &PasetoVerifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
	}, nil
}

// PublicKeyHex returns the verification key.
func (v *PasetoVerifier) PublicKeyHex() string { return v.public.ExportHex() }

// Verify checks signature, issuer and validity window, and requires a non-empty uid claim.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	// Fresh parser per call: rules accumulate on a shared parser.
	p := paseto.NewParser()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(v.clockSkew)))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

// Issuer mints access tokens. Production tokens come from the identity
// service; this exists for local development and tests.
type Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewIssuer builds an Issuer from cfg.SecretKeyHex.
func NewIssuer(cfg Config) (*Issuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().AccessTokenTTL
	}
	return &Issuer{issuer: cfg.Issuer, ttl: ttl, secret: secret}, nil
}

// GenerateKeyHex returns a fresh Ed25519 keypair as (secret, public) hex.
func GenerateKeyHex() (string, string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// Issue signs a token for userID valid from now for the configured TTL.
func (i *Issuer) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, ErrConfig
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(i.secret, nil), exp, nil
}
