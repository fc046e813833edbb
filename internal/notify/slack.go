// Package notify delivers recovery alerts to operators. Delivery targets
// stay behind the Notifier interface so the core never depends on a
// specific service.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier is the alert surface consumed by the watchdog and the health
// monitor.
type Notifier interface {
	Notify(ctx context.Context, subject, text string) error
}

// SlackNotifier posts alerts to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier for the given bot token and channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// Notify posts one message.
func (n *SlackNotifier) Notify(ctx context.Context, subject, text string) error {
	msg := fmt.Sprintf("*%s*\n%s", subject, text)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(msg, false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}
