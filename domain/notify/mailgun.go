package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/logger"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailgunSender sends summaries through the Mailgun API.
type MailgunSender struct {
	cfg    *config.NotifyConfig
	client *mailgun.MailgunImpl
	log    *slog.Logger
}

var _ Sender = (*MailgunSender)(nil)

// NewMailgunSender creates the Mailgun sender, nil when the settings
// are incomplete.
func NewMailgunSender(cfg *config.NotifyConfig, log *slog.Logger) *MailgunSender {
	if !cfg.IsConfigured() {
		return nil
	}
	return &MailgunSender{
		cfg:    cfg,
		client: mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey),
		log:    log.With(logger.Scope("notify.mailgun")),
	}
}

// Send delivers one message, bounded by its own timeout so a slow
// Mailgun call cannot hold up run completion.
func (s *MailgunSender) Send(ctx context.Context, to, subject, body string) error {
	message := s.client.NewMessage(s.cfg.FromEmail, subject, body, to)

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, messageID, err := s.client.Send(sendCtx, message)
	if err != nil {
		return err
	}
	s.log.Debug("summary email sent",
		slog.String("to", to),
		slog.String("message_id", messageID))
	return nil
}
