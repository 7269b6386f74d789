package gateway

import (
	"time"

	"careline/cmd/identity/ids"
)

// newSessionID returns the ULID identifying one websocket session.
func newSessionID(now time.Time) string { return ids.New(now) }

// newEnvelopeID returns a ULID for a server-originated envelope.
func newEnvelopeID(now time.Time) string { return ids.New(now) }
