package core

import (
	"time"
)

// Campaign statuses. Transitions follow the pipeline state machine:
// SCHEDULED -> SENDING -> SENT|FAILED, SCHEDULED -> CANCELLED,
// FAILED -> SCHEDULED (retry). SENT and CANCELLED are terminal.
const (
	StatusScheduled = "SCHEDULED"
	StatusSending   = "SENDING"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Recipient statuses, advanced by provider delivery events.
const (
	RecipientPending    = "PENDING"
	RecipientDelivered  = "DELIVERED"
	RecipientOpened     = "OPENED"
	RecipientClicked    = "CLICKED"
	RecipientBounced    = "BOUNCED"
	RecipientComplained = "COMPLAINED"
)

// Delivery event types recorded in the audit log.
const (
	EventDelivered  = "DELIVERED"
	EventOpened     = "OPENED"
	EventClicked    = "CLICKED"
	EventBounced    = "BOUNCED"
	EventComplained = "COMPLAINED"
)

type Campaign struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Subject      string      `json:"subject"`
	HTMLBody     string      `json:"html_body"`
	TextBody     *string     `json:"text_body,omitempty"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       string      `json:"status"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	Error        *string     `json:"error,omitempty"`
	HandedOffAt  *time.Time  `json:"handed_off_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Recipients   []Recipient `json:"recipients,omitempty"`
}

type Recipient struct {
	ID              string          `json:"id"`
	EmailID         string          `json:"email_id"`
	RecipientEmail  string          `json:"recipient_email"`
	RecipientName   *string         `json:"recipient_name,omitempty"`
	Status          string          `json:"status"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	OpenedAt        *time.Time      `json:"opened_at,omitempty"`
	ClickedAt       *time.Time      `json:"clicked_at,omitempty"`
	BouncedAt       *time.Time      `json:"bounced_at,omitempty"`
	ComplaintAt     *time.Time      `json:"complaint_at,omitempty"`
	ProviderEmailID *string         `json:"provider_email_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Events          []DeliveryEvent `json:"events,omitempty"`
}

// DeliveryEvent is an append-only audit row; never mutated after insert.
type DeliveryEvent struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	EventType   string    `json:"event_type"`
	Payload     []byte    `json:"payload"`
	IPAddress   *string   `json:"ip_address,omitempty"`
	UserAgent   *string   `json:"user_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats aggregates a user's campaigns and recipient outcomes.
type Stats struct {
	TotalEmails     int            `json:"total_emails"`
	Scheduled       int            `json:"scheduled"`
	Sent            int            `json:"sent"`
	Failed          int            `json:"failed"`
	TotalRecipients int            `json:"total_recipients"`
	Delivered       int            `json:"delivered"`
	Opened          int            `json:"opened"`
	Bounced         int            `json:"bounced"`
	ByStatus        map[string]int `json:"by_status"`
	DeliveryRate    int            `json:"delivery_rate"`
	OpenRate        int            `json:"open_rate"`
	BounceRate      int            `json:"bounce_rate"`
}
