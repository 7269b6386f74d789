package auth

import (
	"os"
	"time"
)

// Config describes how access tokens are checked.
type Config struct {
	// Issuer must match the token "iss" claim when non-empty.
	Issuer string

	// PublicKeyHex is the identity service's Ed25519 verification key.
	PublicKeyHex string

	// SecretKeyHex is only needed to mint development tokens.
	SecretKeyHex string

	// ClockSkew is tolerated on nbf/exp checks.
	ClockSkew time.Duration

	// AccessTokenTTL applies to development tokens.
	AccessTokenTTL time.Duration
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:         "careline-identity",
		ClockSkew:      30 * time.Second,
		AccessTokenTTL: 15 * time.Minute,
	}
}

// LoadConfigFromEnv reads:
//   - CARELINE_AUTH_ISSUER
//   - CARELINE_AUTH_PUBLIC_KEY_HEX
//   - CARELINE_AUTH_SECRET_KEY_HEX
//   - CARELINE_AUTH_CLOCK_SKEW
//   - CARELINE_AUTH_ACCESS_TTL
//
// Returns ErrConfig for malformed durations.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("CARELINE_AUTH_ISSUER"); ok {
		cfg.Issuer = v
	}
	cfg.PublicKeyHex = os.Getenv("CARELINE_AUTH_PUBLIC_KEY_HEX")
	cfg.SecretKeyHex = os.Getenv("CARELINE_AUTH_SECRET_KEY_HEX")

	if v := os.Getenv("CARELINE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	if v := os.Getenv("CARELINE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}
	return cfg, nil
}
