package provider

import (
	"context"
	"time"
)

// Message is one per-recipient send. CampaignID and RecipientID travel
// as provider tags so inbound webhook events can be joined back.
type Message struct {
	To          string
	ToName      *string
	Subject     string
	HTML        string
	Text        *string
	CampaignID  string
	RecipientID string

	// ScheduledAt registers the message with the provider's delayed
	// delivery facility instead of sending immediately (nil = now).
	ScheduledAt *time.Time
}

type Mailer interface {
	Send(ctx context.Context, msg Message) (providerMsgID string, err error)
}
