package notify

import (
	"context"
	"fmt"

	"careline/cmd/internal/apperr"

	"github.com/mailgun/mailgun-go/v4"
)

// MailSender is the subset of the Mailgun client used here.
type MailSender interface {
	NewMessage(from, subject, text string, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// EmailChannel sends email through Mailgun.
type EmailChannel struct {
	mg     MailSender
	sender string
}

// NewEmailChannel builds a Mailgun client for domain.
func NewEmailChannel(domain, apiKey, sender string, eu bool) *EmailChannel {
	mg := mailgun.NewMailgun(domain, apiKey)
	if eu {
		mg.SetAPIBase(mailgun.APIBaseEU)
	}
	return NewEmailChannelWithClient(mg, sender)
}

// NewEmailChannelWithClient wraps an existing sender.
func NewEmailChannelWithClient(mg MailSender, sender string) *EmailChannel {
	return &EmailChannel{mg: mg, sender: sender}
}

func (e *EmailChannel) Name() string { return ChannelEmail }

func (e *EmailChannel) Reachable(c Contact) bool { return c.Email != "" }

func (e *EmailChannel) Send(ctx context.Context, c Contact, n Notification) error {
	if !e.Reachable(c) {
		return ErrNoAddress
	}

	text := fmt.Sprintf("%s\n\nConversation: %s\nMessage: %s\nPriority: %s\nEscalation: %s\n",
		n.Body, n.ConversationID, n.MessageID, n.Priority, n.EventID)
	msg := e.mg.NewMessage(e.sender, n.Title, text, c.Email)
	msg.AddHeader("X-Careline-Escalation", n.EventID)

	if _, _, err := e.mg.Send(ctx, msg); err != nil {
		return apperr.ExternalError{Op: "notify.Email", Provider: "mailgun", Err: err}
	}
	return nil
}
