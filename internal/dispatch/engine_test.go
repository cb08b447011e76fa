package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/provider"
)

// fakeStore records transitions in memory so tests can assert the
// campaign never ends the pass in SENDING.
type fakeStore struct {
	mu         sync.Mutex
	status     map[string]string
	failMsg    map[string]string
	recipients map[string][]core.Recipient
	handedOff  map[string]string // recipient id -> provider id

	markSendingErr    error
	loadRecipientsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:     map[string]string{},
		failMsg:    map[string]string{},
		recipients: map[string][]core.Recipient{},
		handedOff:  map[string]string{},
	}
}

func (f *fakeStore) MarkSending(_ context.Context, id string) error {
	if f.markSendingErr != nil {
		return f.markSendingErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = core.StatusSending
	return nil
}

func (f *fakeStore) RecipientsForCampaign(_ context.Context, emailID string) ([]core.Recipient, error) {
	if f.loadRecipientsErr != nil {
		return nil, f.loadRecipientsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recipients[emailID], nil
}

func (f *fakeStore) MarkRecipientHandedOff(_ context.Context, recipientID, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handedOff[recipientID] = providerID
	return nil
}

func (f *fakeStore) MarkCampaignSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = core.StatusSent
	return nil
}

func (f *fakeStore) MarkCampaignFailed(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = core.StatusFailed
	f.failMsg[id] = msg
	return nil
}

func (f *fakeStore) MarkCampaignHandedOff(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = core.StatusScheduled
	return nil
}

// mailerFunc lets a test script per-recipient outcomes.
type mailerFunc func(ctx context.Context, msg provider.Message) (string, error)

func (fn mailerFunc) Send(ctx context.Context, msg provider.Message) (string, error) {
	return fn(ctx, msg)
}

func testOptions() Options {
	return Options{ProviderQPS: 1000, ProviderBurst: 1000, SendTimeout: time.Second}
}

func campaignWithRecipients(f *fakeStore, n int) core.Campaign {
	c := core.Campaign{
		ID:           "cmp-1",
		UserID:       "user-1",
		Subject:      "hello",
		HTMLBody:     "<p>hi</p>",
		ScheduledFor: time.Now().UTC(),
		Status:       core.StatusScheduled,
	}
	for i := 0; i < n; i++ {
		f.recipients[c.ID] = append(f.recipients[c.ID], core.Recipient{
			ID:             fmt.Sprintf("rcpt-%d", i),
			EmailID:        c.ID,
			RecipientEmail: fmt.Sprintf("r%d@example.com", i),
		})
	}
	return c
}

func TestDispatchAllSucceed(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 3)

	eng := NewEngine(store, mailerFunc(func(_ context.Context, msg provider.Message) (string, error) {
		return "prov-" + msg.RecipientID, nil
	}), testOptions())

	out, err := eng.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, 3, out.SuccessCount)
	require.Equal(t, 0, out.FailCount)
	require.Equal(t, core.StatusSent, store.status[c.ID])
	require.Len(t, store.handedOff, 3)
	require.Equal(t, "prov-rcpt-0", store.handedOff["rcpt-0"])
}

func TestDispatchPartialFailureIsStillSent(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 4)

	eng := NewEngine(store, mailerFunc(func(_ context.Context, msg provider.Message) (string, error) {
		if msg.To == "r1@example.com" || msg.To == "r3@example.com" {
			return "", errors.New("provider rejected")
		}
		return "prov-" + msg.RecipientID, nil
	}), testOptions())

	out, err := eng.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, 2, out.SuccessCount)
	require.Equal(t, 2, out.FailCount)
	require.Equal(t, len(store.recipients[c.ID]), out.SuccessCount+out.FailCount)
	require.Equal(t, core.StatusSent, store.status[c.ID])
}

func TestDispatchAllFailMarksFailed(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 5)

	eng := NewEngine(store, mailerFunc(func(context.Context, provider.Message) (string, error) {
		return "", errors.New("provider down")
	}), testOptions())

	out, err := eng.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, 0, out.SuccessCount)
	require.Equal(t, 5, out.FailCount)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
	require.Equal(t, "failed to send to all 5 recipients", store.failMsg[c.ID])
	require.Empty(t, store.handedOff)
}

func TestDispatchOneRecipientFailureDoesNotAbortRest(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 3)

	var calls int
	eng := NewEngine(store, mailerFunc(func(_ context.Context, msg provider.Message) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "prov-" + msg.RecipientID, nil
	}), testOptions())

	out, err := eng.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, out.SuccessCount)
	require.Equal(t, 1, out.FailCount)
}

func TestDispatchNoRecipientsFails(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 0)

	eng := NewEngine(store, mailerFunc(func(context.Context, provider.Message) (string, error) {
		t.Fatal("no provider call expected")
		return "", nil
	}), testOptions())

	_, err := eng.Dispatch(context.Background(), c)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
}

func TestDispatchMarkSendingFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 2)
	store.markSendingErr = errors.New("db gone")

	eng := NewEngine(store, mailerFunc(func(context.Context, provider.Message) (string, error) {
		t.Fatal("no provider call expected")
		return "", nil
	}), testOptions())

	_, err := eng.Dispatch(context.Background(), c)
	require.Error(t, err)
	require.Empty(t, store.handedOff)
}

func TestDispatchRecipientLoadFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 2)
	store.loadRecipientsErr = errors.New("query failed")

	eng := NewEngine(store, mailerFunc(func(context.Context, provider.Message) (string, error) {
		t.Fatal("no provider call expected")
		return "", nil
	}), testOptions())

	_, err := eng.Dispatch(context.Background(), c)
	require.Error(t, err)
	require.Equal(t, core.StatusFailed, store.status[c.ID])
}

func TestDispatchNeverLeavesSending(t *testing.T) {
	cases := map[string]mailerFunc{
		"all ok": func(_ context.Context, msg provider.Message) (string, error) {
			return "prov-" + msg.RecipientID, nil
		},
		"all fail": func(context.Context, provider.Message) (string, error) {
			return "", errors.New("boom")
		},
		"mixed": func(_ context.Context, msg provider.Message) (string, error) {
			if msg.RecipientID == "rcpt-0" {
				return "", errors.New("boom")
			}
			return "prov-" + msg.RecipientID, nil
		},
	}
	for name, send := range cases {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			c := campaignWithRecipients(store, 3)
			eng := NewEngine(store, send, testOptions())

			_, _ = eng.Dispatch(context.Background(), c)
			require.NotEqual(t, core.StatusSending, store.status[c.ID])
		})
	}
}

func TestDispatchMessageCarriesCampaignFields(t *testing.T) {
	store := newFakeStore()
	c := campaignWithRecipients(store, 1)
	text := "plain"
	c.TextBody = &text
	name := "Alice"
	store.recipients[c.ID][0].RecipientName = &name

	var got provider.Message
	eng := NewEngine(store, mailerFunc(func(_ context.Context, msg provider.Message) (string, error) {
		got = msg
		return "prov-1", nil
	}), testOptions())

	_, err := eng.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "r0@example.com", got.To)
	require.Equal(t, &name, got.ToName)
	require.Equal(t, c.Subject, got.Subject)
	require.Equal(t, c.HTMLBody, got.HTML)
	require.Equal(t, &text, got.Text)
	require.Equal(t, c.ID, got.CampaignID)
	require.Equal(t, "rcpt-0", got.RecipientID)
	require.Nil(t, got.ScheduledAt) // immediate strategy never defers
}
