package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"careline/cmd/internal/alert"
	"careline/cmd/internal/apperr"
)

// SlackChannel pages a Slack user through an incoming webhook by mention.
type SlackChannel struct {
	webhookURL string
	http       *http.Client
}

// NewSlackChannel constructs a SlackChannel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, http: &http.Client{Timeout: timeout}}
}

func (s *SlackChannel) Name() string { return ChannelSlack }

func (s *SlackChannel) Reachable(c Contact) bool { return s.webhookURL != "" && c.Slack != "" }

func (s *SlackChannel) Send(ctx context.Context, c Contact, n Notification) error {
	if !s.Reachable(c) {
		return ErrNoAddress
	}
	text := fmt.Sprintf("<@%s> :ambulance: *%s*\n%s\nconversation: `%s` escalation: `%s`",
		c.Slack, n.Title, n.Body, n.ConversationID, n.EventID)
	if err := alert.PostSlack(ctx, s.http, s.webhookURL, text); err != nil {
		return apperr.ExternalError{Op: "notify.Slack", Provider: "slack", Err: err}
	}
	return nil
}
