// Package dispatch hands a claimed campaign's messages to the email
// provider. Two strategies implement the same interface: Engine sends
// immediately when the scheduler decides a campaign is due; Deferred
// registers the send with the provider's delayed-delivery facility.
// A deployment picks exactly one strategy; mixing them per campaign
// invites double sends.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/metrics"
	"github.com/driftmail/email-scheduler/internal/provider"
)

// Store is the slice of campaign persistence the engines need.
// *core.Store satisfies it; tests use an in-memory fake.
type Store interface {
	MarkSending(ctx context.Context, id string) error
	RecipientsForCampaign(ctx context.Context, emailID string) ([]core.Recipient, error)
	MarkRecipientHandedOff(ctx context.Context, recipientID, providerID string) error
	MarkCampaignSent(ctx context.Context, id string) error
	MarkCampaignFailed(ctx context.Context, id, msg string) error
	MarkCampaignHandedOff(ctx context.Context, id string) error
}

type Outcome struct {
	Success      bool `json:"success"`
	SuccessCount int  `json:"successCount"`
	FailCount    int  `json:"failCount"`
}

type Strategy interface {
	Dispatch(ctx context.Context, c core.Campaign) (Outcome, error)
}

type Options struct {
	ProviderQPS   float64
	ProviderBurst int
	SendTimeout   time.Duration
}

// Engine is the immediate strategy: one provider call per recipient,
// each isolated, then a single SENT/FAILED finalization.
type Engine struct {
	store       Store
	mailer      provider.Mailer
	limiter     *rate.Limiter
	sendTimeout time.Duration
}

func NewEngine(store Store, mailer provider.Mailer, opt Options) *Engine {
	return &Engine{
		store:       store,
		mailer:      mailer,
		limiter:     rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst),
		sendTimeout: opt.SendTimeout,
	}
}

func (e *Engine) Dispatch(ctx context.Context, c core.Campaign) (Outcome, error) {
	// The entry transition is fatal on failure: without a visible
	// SENDING state no provider call may happen.
	if err := e.store.MarkSending(ctx, c.ID); err != nil {
		return Outcome{}, err
	}

	recipients, err := e.store.RecipientsForCampaign(ctx, c.ID)
	if err != nil {
		_ = e.store.MarkCampaignFailed(ctx, c.ID, err.Error())
		return Outcome{}, err
	}
	if len(recipients) == 0 {
		_ = e.store.MarkCampaignFailed(ctx, c.ID, "campaign has no recipients")
		return Outcome{}, core.Invalid("campaign %s has no recipients", c.ID)
	}

	out := e.sendAll(ctx, c, recipients, nil)
	return out, e.finalize(ctx, c.ID, out)
}

// sendAll attempts every recipient independently; a failure for one
// never aborts the rest. scheduledAt non-nil switches each call to the
// provider's delayed-delivery registration.
func (e *Engine) sendAll(ctx context.Context, c core.Campaign, recipients []core.Recipient, scheduledAt *time.Time) Outcome {
	var out Outcome
	for _, r := range recipients {
		if err := e.limiter.Wait(ctx); err != nil {
			out.FailCount++
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		start := time.Now()
		providerID, err := e.mailer.Send(cctx, provider.Message{
			To:          r.RecipientEmail,
			ToName:      r.RecipientName,
			Subject:     c.Subject,
			HTML:        c.HTMLBody,
			Text:        c.TextBody,
			CampaignID:  c.ID,
			RecipientID: r.ID,
			ScheduledAt: scheduledAt,
		})
		cancel()
		metrics.ProviderSendDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			// Timed-out or failed send is a per-recipient failure,
			// not a crash of the batch.
			log.Printf("dispatch: send to %s failed: %v", r.RecipientEmail, err)
			metrics.ProviderSendTotal.WithLabelValues("fail").Inc()
			out.FailCount++
			continue
		}

		if err := e.store.MarkRecipientHandedOff(ctx, r.ID, providerID); err != nil {
			log.Printf("dispatch: record provider id for %s failed: %v", r.ID, err)
			metrics.ProviderSendTotal.WithLabelValues("fail").Inc()
			out.FailCount++
			continue
		}
		metrics.ProviderSendTotal.WithLabelValues("sent").Inc()
		out.SuccessCount++
	}
	out.Success = out.SuccessCount > 0
	return out
}

// finalize leaves the campaign in SENT or FAILED, never SENDING.
// Partial success is SENT: delivery rate is a recipient-level concern.
func (e *Engine) finalize(ctx context.Context, id string, out Outcome) error {
	if out.SuccessCount > 0 {
		return e.store.MarkCampaignSent(ctx, id)
	}
	return e.store.MarkCampaignFailed(ctx, id,
		fmt.Sprintf("failed to send to all %d recipients", out.FailCount))
}
