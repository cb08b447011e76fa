// Package ingest applies asynchronous provider delivery events to
// recipient state. The provider retries failed webhook deliveries, so
// everything it cannot fix by retrying (unknown ids, unhandled types,
// events without a message id) is a soft no-op, not an error.
package ingest

import (
	"context"
	"encoding/json"
	"log"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/metrics"
)

// Store is the recipient/event surface the ingestor needs.
type Store interface {
	RecipientByProviderID(ctx context.Context, providerID string) (*core.Recipient, error)
	MarkRecipientDelivered(ctx context.Context, id string) error
	MarkRecipientOpened(ctx context.Context, id string) error
	MarkRecipientClicked(ctx context.Context, id string) error
	MarkRecipientBounced(ctx context.Context, id string) error
	MarkRecipientComplained(ctx context.Context, id string) error
	InsertDeliveryEvent(ctx context.Context, recipientID, eventType string, payload []byte, ip, ua *string) error
	MarkCampaignSentByDelivery(ctx context.Context, emailID string) error
}

type Ingestor struct {
	store Store
}

func New(store Store) *Ingestor { return &Ingestor{store: store} }

// eventData is the slice of the provider payload the pipeline reads;
// the full raw payload still lands in the audit log.
type eventData struct {
	EmailID   string  `json:"email_id"`
	IPAddress *string `json:"ip_address"`
	UserAgent *string `json:"user_agent"`
}

// Ingest applies one provider event. Returned errors are storage
// failures only; application-level conditions are acknowledged no-ops.
func (i *Ingestor) Ingest(ctx context.Context, eventType string, data json.RawMessage) error {
	var d eventData
	if err := json.Unmarshal(data, &d); err != nil {
		return core.Invalid("malformed event data: %v", err)
	}
	if d.EmailID == "" {
		// Some provider events are not message-scoped.
		log.Printf("ingest: event %s without email_id, ignoring", eventType)
		metrics.WebhookEvents.WithLabelValues(eventType, "no_message_id").Inc()
		return nil
	}

	r, err := i.store.RecipientByProviderID(ctx, d.EmailID)
	if err != nil {
		return err
	}
	if r == nil {
		// Stale or foreign message id; never make the provider retry
		// over this.
		log.Printf("ingest: no recipient for provider id %s, ignoring", d.EmailID)
		metrics.WebhookEvents.WithLabelValues(eventType, "no_recipient").Inc()
		return nil
	}

	var transition func(context.Context, string) error
	var logged string
	var withClient bool // opens and clicks carry IP/user-agent

	switch eventType {
	case "email.delivered", "email.delivery_delayed":
		transition, logged = i.store.MarkRecipientDelivered, core.EventDelivered
	case "email.opened":
		transition, logged, withClient = i.store.MarkRecipientOpened, core.EventOpened, true
	case "email.clicked":
		transition, logged, withClient = i.store.MarkRecipientClicked, core.EventClicked, true
	case "email.bounced":
		transition, logged = i.store.MarkRecipientBounced, core.EventBounced
	case "email.complained", "email.spam_reported":
		transition, logged = i.store.MarkRecipientComplained, core.EventComplained
	default:
		log.Printf("ingest: unhandled event type %s", eventType)
		metrics.WebhookEvents.WithLabelValues(eventType, "unhandled").Inc()
		return nil
	}

	if err := transition(ctx, r.ID); err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return err
	}

	var ip, ua *string
	if withClient {
		ip, ua = d.IPAddress, d.UserAgent
	}
	if err := i.store.InsertDeliveryEvent(ctx, r.ID, logged, data, ip, ua); err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return err
	}

	// Provider-deferred campaigns stay SCHEDULED until the provider
	// actually delivers; the first confirmation promotes them to SENT.
	if logged == core.EventDelivered {
		if err := i.store.MarkCampaignSentByDelivery(ctx, r.EmailID); err != nil {
			metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
			return err
		}
	}

	metrics.WebhookEvents.WithLabelValues(eventType, "applied").Inc()
	return nil
}
