package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config selects and configures notification providers. A provider without
// credentials is left out.
type Config struct {
	ExpoEnabled     bool   `envconfig:"EXPO_ENABLED" default:"false"`
	ExpoAccessToken string `envconfig:"EXPO_ACCESS_TOKEN"`

	SNSEnabled  bool   `envconfig:"SNS_ENABLED" default:"false"`
	SNSRegion   string `envconfig:"SNS_REGION"`
	SNSSenderID string `envconfig:"SNS_SENDER_ID"`

	MailgunDomain string `envconfig:"MAILGUN_DOMAIN"`
	MailgunAPIKey string `envconfig:"MAILGUN_API_KEY"`
	MailgunSender string `envconfig:"MAILGUN_SENDER" default:"Careline <escalations@careline.local>"`
	MailgunEU     bool   `envconfig:"MAILGUN_EU" default:"false"`

	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`

	AttemptTimeout time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"10s"`
	Parallelism    int           `envconfig:"PARALLELISM" default:"8"`
}

// LoadConfig reads CARELINE_NOTIFY_* variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("CARELINE_NOTIFY", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Channels builds every configured provider.
func (c Config) Channels(ctx context.Context, log *slog.Logger) ([]Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := c.AttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var out []Channel
	if c.ExpoEnabled {
		out = append(out, NewPushChannel(c.ExpoAccessToken, timeout))
	}
	if c.SNSEnabled {
		ch, err := NewSMSChannel(ctx, c.SNSRegion, c.SNSSenderID)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if c.MailgunDomain != "" && c.MailgunAPIKey != "" {
		out = append(out, NewEmailChannel(c.MailgunDomain, c.MailgunAPIKey, c.MailgunSender, c.MailgunEU))
	}
	if c.SlackWebhookURL != "" {
		out = append(out, NewSlackChannel(c.SlackWebhookURL, timeout))
	}

	names := make([]string, 0, len(out))
	for _, ch := range out {
		names = append(names, ch.Name())
	}
	if len(out) == 0 {
		log.Warn("notify.channels.none", "hint", "escalations will fail until a provider is configured")
	} else {
		log.Info("notify.channels.configured", "channels", names)
	}
	return out, nil
}
