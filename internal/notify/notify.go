// Package notify emails users when their annotation job completes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

type Notifier struct {
	profiles        profile.Lookup
	sender          Sender
	detailURLPrefix string
}

func New(profiles profile.Lookup, sender Sender, detailURLPrefix string) *Notifier {
	return &Notifier{profiles: profiles, sender: sender, detailURLPrefix: detailURLPrefix}
}

// Handle implements worker.Handler for result notices. A redelivered notice
// sends the email again.
func (n *Notifier) Handle(ctx context.Context, msg queue.Message) error {
	var notice models.ResultNotice
	if err := worker.Decode(queue.Unwrap(msg.Body), &notice); err != nil {
		return err
	}

	p, err := n.profiles.Profile(ctx, notice.UserID)
	if errors.Is(err, profile.ErrUnknownUser) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	if p.Email == "" {
		return worker.Permanent(fmt.Errorf("user %s has no email address", p.UserID))
	}

	if err := n.sender.Send(ctx, n.compose(p, notice)); err != nil {
		return err
	}
	slog.Info("completion email sent", "job_id", notice.JobID, "user_id", notice.UserID)
	return nil
}

func (n *Notifier) compose(p *models.UserProfile, notice models.ResultNotice) Email {
	link := n.detailURLPrefix + notice.JobID.String()
	name := p.Name
	if name == "" {
		name = p.UserID
	}
	return Email{
		ToName:  name,
		To:      p.Email,
		Subject: fmt.Sprintf("Annotation Job %s is Completed", notice.JobID),
		Text:    fmt.Sprintf("Hi %s,\n\nYour annotation job %s has completed. View the results at %s\n", name, notice.JobID, link),
		HTML: fmt.Sprintf(`<p>Hi %s,</p><p>Your annotation job %s has completed. <a href="%s">View the results</a>.</p>`,
			html.EscapeString(name), notice.JobID, html.EscapeString(link)),
	}
}
