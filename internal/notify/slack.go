package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/fleetwarden/internal/models"
)

const footer = "fleetwarden"

// Slack posts messages through the Slack Web API.
type Slack struct {
	client  *slack.Client
	channel string
}

func NewSlack(token, channel string, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(token, opts...), channel: channel}
}

func (s *Slack) Send(ctx context.Context, msg Message) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(msg.Subject, false),
		slack.MsgOptionAttachments(attachment(msg)),
	)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// SlackWebhook posts to a Slack incoming webhook.
type SlackWebhook struct {
	WebhookURL string
	Channel    string
	Username   string
	client     *http.Client
}

func NewSlackWebhook(webhookURL, channel, username string) *SlackWebhook {
	return &SlackWebhook{
		WebhookURL: webhookURL,
		Channel:    channel,
		Username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackWebhook) Send(ctx context.Context, msg Message) error {
	payload := &slack.WebhookMessage{
		Channel:     s.Channel,
		Username:    s.Username,
		IconEmoji:   alertEmoji(msg.Level),
		Text:        msg.Subject,
		Attachments: []slack.Attachment{attachment(msg)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.WebhookURL, s.client, payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func attachment(msg Message) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Level", Value: string(msg.Level), Short: true},
		{Title: "Key", Value: msg.Key, Short: true},
	}
	if msg.TargetID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Target", Value: msg.TargetID, Short: true})
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return slack.Attachment{
		Color:  alertColor(msg.Level),
		Title:  msg.Subject,
		Text:   msg.Body,
		Fields: fields,
		Footer: footer,
		Ts:     json.Number(strconv.FormatInt(sentAt.Unix(), 10)),
	}
}

func alertColor(level models.AlertLevel) string {
	switch level {
	case models.AlertLevelCritical:
		return "#FF0000"
	case models.AlertLevelWarning:
		return "#FFA500"
	case models.AlertLevelInfo:
		return "#36a64f"
	default:
		return "#808080"
	}
}

func alertEmoji(level models.AlertLevel) string {
	switch level {
	case models.AlertLevelCritical:
		return ":red_circle:"
	case models.AlertLevelWarning:
		return ":warning:"
	case models.AlertLevelInfo:
		return ":information_source:"
	default:
		return ":bell:"
	}
}
