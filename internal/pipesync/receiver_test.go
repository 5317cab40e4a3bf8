package pipesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiverFixture struct {
	repo     *MemoryRepository
	inbox    EventInbox
	metrics  *MetricsTracker
	receiver *WebhookReceiver
	clock    *testClock
}

func newReceiverFixture(t *testing.T, inboxCapacity int) receiverFixture {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepository()
	inbox := NewInMemoryInbox(inboxCapacity)
	metrics := NewMetricsTracker(repo, MetricsOptions{FailureThreshold: 2, Now: clock.Now})
	receiver := NewWebhookReceiver(repo, repo, inbox, metrics, ReceiverOptions{Now: clock.Now})
	require.NoError(t, repo.PutWebhookSecret(context.Background(), WebhookSecret{
		TenantID: "t1", Current: "s3cret", RotatedAt: clock.Now(),
	}))
	return receiverFixture{repo: repo, inbox: inbox, metrics: metrics, receiver: receiver, clock: clock}
}

const v1PersonUpdated = `{
	"v": 1,
	"event": "updated.person",
	"current": {"id": 42, "name": "Ada Lovelace", "update_time": "2025-03-14 09:00:00"},
	"previous": {"id": 42, "name": "Ada"},
	"meta": {"v": 1, "action": "updated", "object": "person", "id": 42, "company_id": 7001,
		"webhook_id": "91", "timestamp": 1741942800}
}`

func TestReceiverAcceptsSignedDelivery(t *testing.T) {
	f := newReceiverFixture(t, 4)
	ctx := context.Background()
	body := []byte(v1PersonUpdated)

	result, err := f.receiver.Receive(ctx, ReceiveRequest{
		TenantID: "t1", Body: body, Signature: SignBody("s3cret", body), CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ReceiveAccepted, result.Status)
	assert.True(t, result.Enqueued)
	assert.Equal(t, EventPending, result.Event.Status)
	assert.Equal(t, "person", result.Event.Object)
	assert.Equal(t, "42", result.Event.ObjectID)
	assert.Len(t, result.Event.ID, 26)

	entry, ok := f.inbox.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, result.Event.ID, entry.EventID)

	health, err := f.metrics.GetHealth(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, health.LastEventAt)
}

func TestReceiverRejectsBadSignatureWithoutPersisting(t *testing.T) {
	f := newReceiverFixture(t, 4)
	ctx := context.Background()
	body := []byte(v1PersonUpdated)

	_, err := f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body, Signature: SignBody("wrong", body)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)

	pending, err := f.repo.ListPendingEvents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, f.inbox.Depth())

	health, err := f.metrics.GetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.Equal(t, "verification failed: signature mismatch", health.LastErrorMessage)

	_, err = f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body})
	assert.ErrorIs(t, err, ErrVerification)
	_, err = f.receiver.Receive(ctx, ReceiveRequest{TenantID: "nobody", Body: body, Signature: SignBody("s3cret", body)})
	assert.ErrorIs(t, err, ErrVerification)

	unknown, err := f.metrics.GetHealth(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, unknown.ConsecutiveFailures)
	assert.Nil(t, unknown.LastErrorAt)
}

func TestReceiverDeduplicatesRedelivery(t *testing.T) {
	f := newReceiverFixture(t, 4)
	ctx := context.Background()
	body := []byte(v1PersonUpdated)
	sig := SignBody("s3cret", body)

	first, err := f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body, Signature: sig})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body, Signature: sig})
	require.NoError(t, err)

	assert.Equal(t, ReceiveDuplicate, second.Status)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, 1, f.inbox.Depth())
}

func TestReceiverAcceptsPreviousSecretDuringGrace(t *testing.T) {
	f := newReceiverFixture(t, 4)
	ctx := context.Background()
	expires := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.repo.PutWebhookSecret(ctx, WebhookSecret{
		TenantID: "t1", Current: "new", Previous: "s3cret", PreviousExpiresAt: &expires, RotatedAt: f.clock.Now(),
	}))
	body := []byte(v1PersonUpdated)

	_, err := f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body, Signature: SignBody("s3cret", body)})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	other := []byte(`{"meta":{"action":"added","object":"deal","id":9,"timestamp":1}, "current":{"id":9}}`)
	_, err = f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: other, Signature: SignBody("s3cret", other)})
	assert.ErrorIs(t, err, ErrVerification)
}

func TestReceiverResolvesTenantFromCompanyID(t *testing.T) {
	f := newReceiverFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.repo.InsertSubscription(ctx, WebhookSubscription{
		ID: "sub-1", TenantID: "t1", EventAction: "*", EventObject: "*", CompanyID: "7001", Active: true,
		CreatedAt: f.clock.Now(),
	}))
	body := []byte(v1PersonUpdated)

	result, err := f.receiver.Receive(ctx, ReceiveRequest{Body: body, Signature: SignBody("s3cret", body)})
	require.NoError(t, err)
	assert.Equal(t, "t1", result.Event.TenantID)
}

func TestReceiverFullInboxStillPersists(t *testing.T) {
	f := newReceiverFixture(t, 1)
	ctx := context.Background()
	for i, body := range []string{
		`{"meta":{"action":"added","object":"deal","id":1,"timestamp":1},"current":{"id":1}}`,
		`{"meta":{"action":"added","object":"deal","id":2,"timestamp":2},"current":{"id":2}}`,
	} {
		result, err := f.receiver.Receive(ctx, ReceiveRequest{TenantID: "t1", Body: []byte(body), Signature: SignBody("s3cret", []byte(body))})
		require.NoError(t, err)
		assert.Equal(t, i == 0, result.Enqueued)
	}
	pending, err := f.repo.ListPendingEvents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestReceiverRejectsUndecodableBody(t *testing.T) {
	f := newReceiverFixture(t, 1)
	body := []byte(`{"current":{}}`)
	_, err := f.receiver.Receive(context.Background(), ReceiveRequest{TenantID: "t1", Body: body, Signature: SignBody("s3cret", body)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
