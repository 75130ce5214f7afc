package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Email sends plain-text mail over SMTP.
type Email struct {
	dialer    *gomail.Dialer
	from      string
	receivers []string
}

func NewEmail(host string, port int, username, password, from string, receivers []string) *Email {
	if from == "" {
		from = username
	}
	return &Email{
		dialer:    gomail.NewDialer(host, port, username, password),
		from:      from,
		receivers: receivers,
	}
}

func (e *Email) Send(ctx context.Context, msg Message) error {
	if len(e.receivers) == 0 {
		return fmt.Errorf("email: no receivers configured")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.receivers...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", msg.Level, msg.Subject))
	m.SetBody("text/plain", formatText(msg))

	// gomail has no context support; give up waiting once ctx is done.
	done := make(chan error, 1)
	go func() {
		done <- e.dialer.DialAndSend(m)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}
