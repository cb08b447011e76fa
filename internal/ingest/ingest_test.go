package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/email-scheduler/internal/core"
)

type loggedEvent struct {
	recipientID string
	eventType   string
	ip, ua      *string
}

type fakeStore struct {
	recipients map[string]*core.Recipient // provider id -> recipient

	transitions    []string // "<method>:<recipient id>"
	events         []loggedEvent
	campaignSent   []string
	lookupErr      error
	transitionErr  error
	insertEventErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{recipients: map[string]*core.Recipient{}}
}

func (f *fakeStore) RecipientByProviderID(_ context.Context, providerID string) (*core.Recipient, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.recipients[providerID], nil
}

func (f *fakeStore) mark(method, id string) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, method+":"+id)
	return nil
}

func (f *fakeStore) MarkRecipientDelivered(_ context.Context, id string) error {
	return f.mark("delivered", id)
}
func (f *fakeStore) MarkRecipientOpened(_ context.Context, id string) error {
	return f.mark("opened", id)
}
func (f *fakeStore) MarkRecipientClicked(_ context.Context, id string) error {
	return f.mark("clicked", id)
}
func (f *fakeStore) MarkRecipientBounced(_ context.Context, id string) error {
	return f.mark("bounced", id)
}
func (f *fakeStore) MarkRecipientComplained(_ context.Context, id string) error {
	return f.mark("complained", id)
}

func (f *fakeStore) InsertDeliveryEvent(_ context.Context, recipientID, eventType string, _ []byte, ip, ua *string) error {
	if f.insertEventErr != nil {
		return f.insertEventErr
	}
	f.events = append(f.events, loggedEvent{recipientID: recipientID, eventType: eventType, ip: ip, ua: ua})
	return nil
}

func (f *fakeStore) MarkCampaignSentByDelivery(_ context.Context, emailID string) error {
	f.campaignSent = append(f.campaignSent, emailID)
	return nil
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestIngestDelivered(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivered",
		data(t, map[string]string{"email_id": "prov-1"}))
	require.NoError(t, err)
	require.Equal(t, []string{"delivered:rcpt-1"}, store.transitions)
	require.Len(t, store.events, 1)
	require.Equal(t, core.EventDelivered, store.events[0].eventType)
	// First delivery confirmation promotes the deferred campaign.
	require.Equal(t, []string{"cmp-1"}, store.campaignSent)
}

func TestIngestDelayedCountsAsDelivered(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivery_delayed",
		data(t, map[string]string{"email_id": "prov-1"}))
	require.NoError(t, err)
	require.Equal(t, []string{"delivered:rcpt-1"}, store.transitions)
}

func TestIngestOpenedCarriesClientInfo(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.opened", data(t, map[string]string{
		"email_id":   "prov-1",
		"ip_address": "203.0.113.9",
		"user_agent": "Mozilla/5.0",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"opened:rcpt-1"}, store.transitions)
	require.Len(t, store.events, 1)
	require.NotNil(t, store.events[0].ip)
	require.Equal(t, "203.0.113.9", *store.events[0].ip)
	require.NotNil(t, store.events[0].ua)
	require.Empty(t, store.campaignSent) // only deliveries promote campaigns
}

func TestIngestBouncedDropsClientInfo(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.bounced", data(t, map[string]string{
		"email_id":   "prov-1",
		"ip_address": "203.0.113.9",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"bounced:rcpt-1"}, store.transitions)
	require.Nil(t, store.events[0].ip)
}

func TestIngestSpamReportedMapsToComplained(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.spam_reported",
		data(t, map[string]string{"email_id": "prov-1"}))
	require.NoError(t, err)
	require.Equal(t, []string{"complained:rcpt-1"}, store.transitions)
	require.Equal(t, core.EventComplained, store.events[0].eventType)
}

func TestIngestUnknownRecipientIsNoOp(t *testing.T) {
	store := newFakeStore()
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivered",
		data(t, map[string]string{"email_id": "never-seen"}))
	require.NoError(t, err)
	require.Empty(t, store.transitions)
	require.Empty(t, store.events)
}

func TestIngestMissingEmailIDIsNoOp(t *testing.T) {
	store := newFakeStore()
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivered", data(t, map[string]string{}))
	require.NoError(t, err)
	require.Empty(t, store.transitions)
}

func TestIngestUnhandledTypeIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.sent",
		data(t, map[string]string{"email_id": "prov-1"}))
	require.NoError(t, err)
	require.Empty(t, store.transitions)
	require.Empty(t, store.events)
}

func TestIngestMalformedDataIsValidationError(t *testing.T) {
	store := newFakeStore()
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivered", json.RawMessage(`{broken`))
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestIngestStorageErrorsPropagate(t *testing.T) {
	store := newFakeStore()
	store.recipients["prov-1"] = &core.Recipient{ID: "rcpt-1", EmailID: "cmp-1"}
	store.transitionErr = errors.New("db down")
	ing := New(store)

	err := ing.Ingest(context.Background(), "email.delivered",
		data(t, map[string]string{"email_id": "prov-1"}))
	require.Error(t, err)
}
