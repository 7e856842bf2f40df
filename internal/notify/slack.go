package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts notifications to an incoming webhook.
type Slack struct {
	webhookURL string
	channel    string
}

// NewSlack returns a Slack sender. channel may be empty to use the webhook default.
func NewSlack(webhookURL, channel string) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook url is required")
	}
	return &Slack{webhookURL: webhookURL, channel: channel}, nil
}

// Send posts the subject and body as one message.
func (s *Slack) Send(ctx context.Context, evt Event) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf("*%s*\n%s", evt.Subject(), evt.Body()),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
