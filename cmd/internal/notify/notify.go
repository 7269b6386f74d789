// Package notify delivers out-of-band escalation notifications over push, SMS,
// email and Slack.
//
// Providers are fallible external collaborators: every failure is returned as
// apperr.ExternalError and retried by the caller's policy, never here.
package notify

import (
	"context"
	"errors"
)

// Channel names used in escalation rules.
const (
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelSlack = "slack"
)

// ErrNoAddress means the contact has no address for the channel.
var ErrNoAddress = errors.New("notify: contact has no address for channel")

// Contact is how one user is reached.
type Contact struct {
	UserID    string `yaml:"-" json:"user_id"`
	PushToken string `yaml:"push_token" json:"push_token,omitempty"`
	Phone     string `yaml:"phone" json:"phone,omitempty"`
	Email     string `yaml:"email" json:"email,omitempty"`
	Slack     string `yaml:"slack" json:"slack,omitempty"`
}

// Notification is the content of one page.
type Notification struct {
	EventID        string
	ConversationID string
	MessageID      string
	RuleID         string
	Priority       string
	Title          string
	Body           string
}

// Channel sends a notification to one contact.
type Channel interface {
	Name() string
	// Reachable reports whether c has an address for this channel.
	Reachable(c Contact) bool
	Send(ctx context.Context, c Contact, n Notification) error
}
