package gateway

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max subscriptions a single connection may hold.
	maxSubscriptions = 64
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection frame rate limits (events per window). Message sends are
	// additionally subject to the pipeline's per-conversation budget.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
