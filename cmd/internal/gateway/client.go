package gateway

import (
	"sync"

	"careline/cmd/internal/realtime"
	v1 "careline/shared/contracts/realtime/v1"
)

// Client is one connected websocket session.
//
// Send is never closed: subscription pumps may still be writing when the
// session shuts down. done signals every goroutine to stop.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.Mutex
	userID string
	subs   map[string]*realtime.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		subs:      make(map[string]*realtime.Subscription),
		done:      make(chan struct{}),
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// addSub registers sub, returning the subscription it replaces, if any.
func (c *Client) addSub(sub *realtime.Subscription) (*realtime.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, replaced := c.subs[sub.ConversationID]
	if !replaced && len(c.subs) >= maxSubscriptions {
		return nil, false
	}
	c.subs[sub.ConversationID] = sub
	return prev, true
}

func (c *Client) subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

// dropSub removes the subscription for conversationID if it is still sub
// (or any subscription when sub is nil).
func (c *Client) dropSub(conversationID string, sub *realtime.Subscription) *realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[conversationID]
	if !ok || (sub != nil && cur != sub) {
		return nil
	}
	delete(c.subs, conversationID)
	return cur
}

func (c *Client) drainSubs() []*realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*realtime.Subscription, 0, len(c.subs))
	for id, s := range c.subs {
		out = append(out, s)
		delete(c.subs, id)
	}
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
