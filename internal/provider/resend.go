package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/driftmail/email-scheduler/internal/core"
)

// Resend sends through the Resend transactional email API.
type Resend struct {
	client *resend.Client
	from   string
}

func NewResend(apiKey, from string) (*Resend, error) {
	if apiKey == "" {
		return nil, core.Misconfigured("RESEND_API_KEY is not set")
	}
	if from == "" {
		return nil, core.Misconfigured("MAIL_FROM is not set")
	}
	return &Resend{client: resend.NewClient(apiKey), from: from}, nil
}

func (p *Resend) Send(ctx context.Context, msg Message) (string, error) {
	to := msg.To
	if msg.ToName != nil && *msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", *msg.ToName, msg.To)
	}
	params := &resend.SendEmailRequest{
		From:    p.from,
		To:      []string{to},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Tags: []resend.Tag{
			{Name: "email_id", Value: msg.CampaignID},
			{Name: "recipient_id", Value: msg.RecipientID},
		},
	}
	if msg.Text != nil {
		params.Text = *msg.Text
	}
	if msg.ScheduledAt != nil {
		params.ScheduledAt = msg.ScheduledAt.UTC().Format(time.RFC3339)
	}

	sent, err := p.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", &core.ProviderError{Err: err}
	}
	return sent.Id, nil
}
