package sealbox

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("sealbox: content key missing")
	ErrKeyTooShort = errors.New("sealbox: content key too short")
	ErrMalformed   = errors.New("sealbox: malformed sealed value")
	ErrOpen        = errors.New("sealbox: authentication failed")
)
