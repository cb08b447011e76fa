package dispatch

import (
	"context"
	"time"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/provider"
)

// Resend accepts delayed deliveries up to 30 days out; anything past
// the horizon must be rejected before registration is attempted.
const skewBuffer = time.Second

// Deferred is the provider-deferred strategy: each recipient is
// registered with the provider's delayed-delivery facility and the
// campaign stays SCHEDULED. The SENT transition arrives later through
// delivery webhooks, not from this engine.
type Deferred struct {
	engine  *Engine
	horizon time.Duration
	now     func() time.Time
}

func NewDeferred(store Store, mailer provider.Mailer, horizon time.Duration, opt Options) *Deferred {
	return &Deferred{
		engine:  NewEngine(store, mailer, opt),
		horizon: horizon,
		now:     time.Now,
	}
}

func (d *Deferred) Dispatch(ctx context.Context, c core.Campaign) (Outcome, error) {
	now := d.now()
	if !c.ScheduledFor.After(now.Add(-skewBuffer)) {
		// Claimed but no longer registrable; FAILED keeps the campaign
		// out of SENDING and leaves the user a retry path.
		_ = d.engine.store.MarkCampaignFailed(ctx, c.ID, "scheduled time must be in the future")
		return Outcome{}, core.Invalid("scheduled time must be in the future")
	}
	if c.ScheduledFor.After(now.Add(d.horizon)) {
		_ = d.engine.store.MarkCampaignFailed(ctx, c.ID, "scheduled time exceeds provider horizon")
		return Outcome{}, core.Invalid("emails can only be scheduled up to %s in advance", d.horizon)
	}

	if err := d.engine.store.MarkSending(ctx, c.ID); err != nil {
		return Outcome{}, err
	}
	recipients, err := d.engine.store.RecipientsForCampaign(ctx, c.ID)
	if err != nil {
		_ = d.engine.store.MarkCampaignFailed(ctx, c.ID, err.Error())
		return Outcome{}, err
	}
	if len(recipients) == 0 {
		_ = d.engine.store.MarkCampaignFailed(ctx, c.ID, "campaign has no recipients")
		return Outcome{}, core.Invalid("campaign %s has no recipients", c.ID)
	}

	at := c.ScheduledFor
	out := d.engine.sendAll(ctx, c, recipients, &at)
	if out.SuccessCount > 0 {
		// Back to SCHEDULED: the provider owns delivery from here.
		return out, d.engine.store.MarkCampaignHandedOff(ctx, c.ID)
	}
	return out, d.engine.finalize(ctx, c.ID, out)
}
