// Package notification delivers billing alerts through configured channels.
// Delivery is at-least-once; callers log failures and never abort a sweep
// because a notification could not be sent.
package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelSlack Channel = "slack"
)

// Dispatcher fans a templated message out to one channel.
type Dispatcher interface {
	Notify(ctx context.Context, channel Channel, templateKey string, data map[string]any) error
}

// EmailSender sends a rendered template to recipients.
type EmailSender interface {
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

// SlackPoster posts a message to the configured channel.
type SlackPoster interface {
	PostMessage(ctx context.Context, message string) error
}

type dispatcher struct {
	log   *zap.Logger
	email EmailSender
	slack SlackPoster
}

func NewDispatcher(log *zap.Logger, email EmailSender, slack SlackPoster) Dispatcher {
	return &dispatcher{
		log:   log.Named("notification.dispatcher"),
		email: email,
		slack: slack,
	}
}

func (d *dispatcher) Notify(ctx context.Context, channel Channel, templateKey string, data map[string]any) error {
	switch channel {
	case ChannelEmail:
		to := recipients(data)
		if len(to) == 0 {
			d.log.Warn("email notification without recipients", zap.String("template", templateKey))
			return nil
		}
		return d.email.SendTemplate(ctx, to, templateKey, data)
	case ChannelSlack:
		return d.slack.PostMessage(ctx, fmt.Sprintf("[%s] %v", templateKey, data))
	case ChannelSMS:
		// SMS delivery is handled by an external relay; mirror it to slack so
		// operators still see the event in local deployments.
		return d.slack.PostMessage(ctx, fmt.Sprintf("[sms:%s] %v", templateKey, data))
	default:
		d.log.Warn("unknown notification channel",
			zap.String("channel", string(channel)),
			zap.String("template", templateKey),
		)
		return nil
	}
}

func recipients(data map[string]any) []string {
	switch v := data["to"].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
