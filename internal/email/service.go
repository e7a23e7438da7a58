// Package email renders notification digests and delivers them over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers one message. Implementations must report failure only when
// the message was not accepted.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Service struct {
	config Config
	dialer *gomail.Dialer
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != 0 && s.config.From != ""
}

func (s *Service) Send(ctx context.Context, msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	if s.config.FromName != "" {
		m.SetAddressHeader("From", s.config.From, s.config.FromName)
	} else {
		m.SetHeader("From", s.config.From)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", "Please view this email in an HTML-capable email client.")
	m.AddAlternative("text/html", msg.HTML)

	// gomail has no context support; the dial continues in the background if
	// ctx expires first and its result is dropped.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email to %s: %w", msg.To, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email to %s: %w", msg.To, ctx.Err())
	}
}
