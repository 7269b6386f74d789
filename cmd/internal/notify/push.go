package notify

import (
	"context"
	"net/http"
	"time"

	"careline/cmd/internal/apperr"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
)

// PushPublisher is the subset of the Expo client used here.
type PushPublisher interface {
	Publish(msg *expo.PushMessage) (expo.PushResponse, error)
}

// PushChannel sends Expo push notifications.
type PushChannel struct {
	client PushPublisher
}

// NewPushChannel builds an Expo client. accessToken may be empty.
func NewPushChannel(accessToken string, timeout time.Duration) *PushChannel {
	return NewPushChannelWithClient(expo.NewPushClient(&expo.ClientConfig{
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: timeout},
	}))
}

// NewPushChannelWithClient wraps an existing publisher.
func NewPushChannelWithClient(client PushPublisher) *PushChannel {
	return &PushChannel{client: client}
}

func (p *PushChannel) Name() string { return ChannelPush }

func (p *PushChannel) Reachable(c Contact) bool { return c.PushToken != "" }

func (p *PushChannel) Send(ctx context.Context, c Contact, n Notification) error {
	const op = "notify.Push"

	if !p.Reachable(c) {
		return ErrNoAddress
	}
	token, err := expo.NewExponentPushToken(c.PushToken)
	if err != nil {
		return apperr.Ef(op, apperr.ErrValidation, "invalid push token for %s", c.UserID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := p.client.Publish(&expo.PushMessage{
		To:       []expo.ExponentPushToken{token},
		Title:    n.Title,
		Body:     n.Body,
		Sound:    "default",
		Priority: expo.HighPriority,
		Data: map[string]string{
			"event_id":        n.EventID,
			"conversation_id": n.ConversationID,
			"message_id":      n.MessageID,
		},
	})
	if err != nil {
		return apperr.ExternalError{Op: op, Provider: "expo", Err: err}
	}
	if err := resp.ValidateResponse(); err != nil {
		return apperr.ExternalError{Op: op, Provider: "expo", Err: err}
	}
	return nil
}
