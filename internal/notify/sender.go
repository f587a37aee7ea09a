package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Email is one outgoing message.
type Email struct {
	ToName  string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// NewSender returns the sender configured by cfg.Provider.
func NewSender(cfg config.NotifyConfig) (Sender, error) {
	switch cfg.Provider {
	case "sendgrid":
		return NewSendGridSender(sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg.Sender), nil
	case "log":
		return LogSender{}, nil
	}
	return nil, fmt.Errorf("unsupported notify provider %q", cfg.Provider)
}

// SendGridClient is the part of the SendGrid client the sender uses.
type SendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridSender struct {
	client SendGridClient
	from   string
}

func NewSendGridSender(client SendGridClient, from string) *SendGridSender {
	return &SendGridSender{client: client, from: from}
}

func (s *SendGridSender) Send(ctx context.Context, e Email) error {
	from := mail.NewEmail("annoflow", s.from)
	to := mail.NewEmail(e.ToName, e.To)
	message := mail.NewSingleEmail(from, e.Subject, to, e.Text, e.HTML)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Info("email sent", "to", e.To, "status", resp.StatusCode, "message_id", firstHeader(resp, "X-Message-Id"))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("send email: status %d", resp.StatusCode)
	default:
		// The request itself is bad; resending the same email will not help.
		return worker.Permanent(fmt.Errorf("send email: status %d: %s", resp.StatusCode, resp.Body))
	}
}

func firstHeader(resp *rest.Response, name string) string {
	if v := resp.Headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// LogSender writes emails to the log instead of sending them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, e Email) error {
	slog.Info("email", "to", e.To, "subject", e.Subject, "body", e.Text)
	return nil
}
