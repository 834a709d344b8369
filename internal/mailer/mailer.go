// Package mailer sends transactional email.
package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"

	"go.uber.org/zap"
)

// Mailer delivers a plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends through an authenticated SMTP relay (host:port).
type SMTPMailer struct {
	server   string
	user     string
	password string
	from     string
}

func NewSMTPMailer(server, user, password string) (*SMTPMailer, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		return nil, fmt.Errorf("invalid SMTP_SERVER format (expected host:port): %w", err)
	}
	return &SMTPMailer{server: server, user: user, password: password, from: user}, nil
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	host, _, _ := net.SplitHostPort(m.server)
	auth := smtp.PlainAuth("", m.user, m.password, host)

	msg := []byte("From: " + m.from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
		body + "\r\n")

	if err := smtp.SendMail(m.server, auth, m.from, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", m.server, err)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them. Used when
// SMTP is not configured.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("Email not sent (SMTP disabled)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
