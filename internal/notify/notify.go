// Package notify delivers login passcodes.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"authgate/internal/domain"
	"authgate/internal/observability"
)

type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

type SMTPNotifier struct {
	config SMTPConfig
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{config: config, send: smtp.SendMail}
}

func (n *SMTPNotifier) SendOTP(ctx context.Context, user *domain.User, otp string, expiresAt time.Time) error {
	if strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("send otp: user %s has no email", user.ID)
	}

	var auth smtp.Auth
	if n.config.Username != "" {
		host, _, err := net.SplitHostPort(n.config.Addr)
		if err != nil {
			return fmt.Errorf("parse smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, host)
	}

	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	body := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Your login code\r\n\r\nYour login code is %s. It expires in %d minutes.\r\n",
		n.config.From, user.Email, otp, minutes,
	)

	done := make(chan error, 1)
	go func() {
		done <- n.send(n.config.Addr, auth, n.config.From, []string{user.Email}, []byte(body))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send otp mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send otp mail: %w", ctx.Err())
	}
}

// LogNotifier records that a passcode was issued without delivering it.
type LogNotifier struct {
	logger *observability.Logger
}

func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendOTP(_ context.Context, user *domain.User, _ string, expiresAt time.Time) error {
	n.logger.Info("otp_delivery_skipped", map[string]any{
		"user_id":    user.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	return nil
}
