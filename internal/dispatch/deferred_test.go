package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/provider"
)

const testHorizon = 30 * 24 * time.Hour

func newTestDeferred(store Store, send mailerFunc, now time.Time) *Deferred {
	d := NewDeferred(store, send, testHorizon, testOptions())
	d.now = func() time.Time { return now }
	return d
}

func TestDeferredRegistersAndStaysScheduled(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 3)
	c.ScheduledFor = now.Add(2 * time.Hour)

	var seen []*time.Time
	d := newTestDeferred(store, func(_ context.Context, msg provider.Message) (string, error) {
		seen = append(seen, msg.ScheduledAt)
		return "prov-" + msg.RecipientID, nil
	}, now)

	out, err := d.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, 3, out.SuccessCount)

	// Hand-off returns the campaign to SCHEDULED; SENT comes later via
	// delivery webhooks.
	require.Equal(t, core.StatusScheduled, store.status[c.ID])
	require.Len(t, seen, 3)
	for _, at := range seen {
		require.NotNil(t, at)
		require.True(t, at.Equal(c.ScheduledFor))
	}
}

func TestDeferredRejectsPastSchedule(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 1)
	c.ScheduledFor = now.Add(-time.Minute)

	d := newTestDeferred(store, func(context.Context, provider.Message) (string, error) {
		t.Fatal("no registration expected")
		return "", nil
	}, now)

	_, err := d.Dispatch(context.Background(), c)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
	require.Equal(t, "scheduled time must be in the future", store.failMsg[c.ID])
}

func TestDeferredAllowsNowWithinSkewBuffer(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 1)
	c.ScheduledFor = now.Add(-500 * time.Millisecond)

	d := newTestDeferred(store, func(_ context.Context, msg provider.Message) (string, error) {
		return "prov-" + msg.RecipientID, nil
	}, now)

	out, err := d.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, out.Success)
}

func TestDeferredRejectsBeyondHorizon(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 1)
	c.ScheduledFor = now.Add(testHorizon + time.Minute)

	d := newTestDeferred(store, func(context.Context, provider.Message) (string, error) {
		t.Fatal("no registration expected")
		return "", nil
	}, now)

	_, err := d.Dispatch(context.Background(), c)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
	require.Equal(t, "scheduled time exceeds provider horizon", store.failMsg[c.ID])
}

func TestDeferredAllRegistrationsFailMarksFailed(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 2)
	c.ScheduledFor = now.Add(time.Hour)

	d := newTestDeferred(store, func(context.Context, provider.Message) (string, error) {
		return "", errors.New("provider down")
	}, now)

	out, err := d.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
	require.Equal(t, "failed to send to all 2 recipients", store.failMsg[c.ID])
}

func TestDeferredPartialRegistrationHandsOff(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := campaignWithRecipients(store, 3)
	c.ScheduledFor = now.Add(time.Hour)

	d := newTestDeferred(store, func(_ context.Context, msg provider.Message) (string, error) {
		if msg.RecipientID == "rcpt-1" {
			return "", errors.New("rejected")
		}
		return "prov-" + msg.RecipientID, nil
	}, now)

	out, err := d.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 2, out.SuccessCount)
	require.Equal(t, 1, out.FailCount)
	require.Equal(t, core.StatusScheduled, store.status[c.ID])
}
