// Package notify delivers alert messages to external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwarden/internal/models"
)

// Message is one outbound notification.
type Message struct {
	Key      string            `json:"key"`
	TargetID string            `json:"target_id,omitempty"`
	Level    models.AlertLevel `json:"level"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	SentAt   time.Time         `json:"sent_at"`
}

// Notifier delivers a message. Implementations must honour ctx.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Len returns the number of wrapped notifiers.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

func (m *Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m.notifiers {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes messages to a structured logger. Used when no channel is
// configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	switch msg.Level {
	case models.AlertLevelWarning:
		level = slog.LevelWarn
	case models.AlertLevelCritical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, msg.Subject,
		"key", msg.Key,
		"target", msg.TargetID,
		"body", msg.Body,
	)
	return nil
}

func formatText(msg Message) string {
	text := msg.Body
	if msg.TargetID != "" {
		text = fmt.Sprintf("Target: %s\n%s", msg.TargetID, text)
	}
	return text
}
