package channel

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/classping/notify/internal/core/domain"
)

// mailDialer is the subset of gomail.Dialer the sender uses; swapped for a
// fake in tests.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender delivers over SMTP. SMTP acceptance is the delivery signal for
// this channel: there is no asynchronous receipt, so a successful send
// reports Delivered directly.
type EmailSender struct {
	logger *slog.Logger
	dialer mailDialer
	from   string
}

func NewEmailSender(logger *slog.Logger, host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		logger: logger.With("sender", "email"),
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	s.logger.InfoContext(ctx, "Sending email", "message_id", req.MessageID)

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", req.Address)
	m.SetHeader("Subject", req.Subject)
	m.SetBody("text/plain", req.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.WarnContext(ctx, "SMTP send failed", "error", err, "message_id", req.MessageID)
		return &SendResult{
			ProviderStatus: "SMTP_FAILED",
			ErrorMessage:   err.Error(),
		}, fmt.Errorf("SMTP send failed: %w", err)
	}

	s.logger.InfoContext(ctx, "Email accepted by SMTP server", "message_id", req.MessageID)
	return &SendResult{
		Accepted:       true,
		Delivered:      true,
		ProviderStatus: "SMTP_OK",
	}, nil
}
