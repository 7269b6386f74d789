package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	HTTP       *http.Client
	Log        *slog.Logger
}

// Raise posts a to the webhook. Delivery failures are logged at ERROR
// (the LogAlerter in the same Multi still records the alert itself).
func (s *SlackAlerter) Raise(ctx context.Context, a Alert) {
	if s == nil || strings.TrimSpace(s.WebhookURL) == "" {
		return
	}
	if err := s.post(ctx, a); err != nil {
		log := s.Log
		if log == nil {
			log = slog.Default()
		}
		log.ErrorContext(ctx, "alert.slack.fail", "kind", a.Kind, "err", err)
	}
}

func (s *SlackAlerter) post(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: *%s*\n%s", a.Kind, a.Summary)
	if a.ConversationID != "" {
		text += "\nconversation: `" + a.ConversationID + "`"
	}
	if a.ResourceID != "" {
		text += "\nresource: `" + a.ResourceID + "`"
	}
	return PostSlack(ctx, s.HTTP, s.WebhookURL, text)
}

// PostSlack posts text to a Slack incoming webhook. A nil client gets a 10s timeout.
func PostSlack(ctx context.Context, client *http.Client, webhookURL, text string) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	body, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("slack webhook status %d", res.StatusCode)
	}
	return nil
}
