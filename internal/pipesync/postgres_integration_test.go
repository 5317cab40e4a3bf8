package pipesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pipesync/internal/testhelper"
)

func newIntegrationRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := testhelper.PostgresDSN(t)
	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func TestPostgresIntegrationQueueClaimsOnePerEntity(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()
	tenant := "it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	clock := func() time.Time { return now }
	locks := NewLockManager(repo, LockManagerOptions{Now: clock})
	queue := NewSyncQueue(repo, locks, QueueOptions{Now: clock})
	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(ctx, SyncQueueItem{
			TenantID: tenant, Direction: DirectionPull, Operation: OperationUpdate,
			EntityType: "person", RemoteID: "42", Payload: map[string]any{"n": i},
		})
		require.NoError(t, err)
	}
	_, err := queue.Enqueue(ctx, SyncQueueItem{
		TenantID: tenant, Direction: DirectionPull, Operation: OperationUpdate,
		EntityType: "person", RemoteID: "43", Priority: 5,
	})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		claims []Claim
		wg     sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			claim, ok, err := queue.DequeueNext(ctx, tenant, uuid.NewString())
			if err != nil || !ok {
				return
			}
			mu.Lock()
			claims = append(claims, claim)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	require.Len(t, claims, 2)
	keys := map[string]bool{}
	for _, claim := range claims {
		keys[claim.Item.EntityKey().String()] = true
	}
	assert.Len(t, keys, 2)
}

func TestPostgresIntegrationEventDedupAndHealth(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()
	tenant := "it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	event := WebhookEvent{
		ID: uuid.NewString(), TenantID: tenant, EventID: "evt-1", Action: "updated", Object: "deal",
		ObjectID: "7", Current: map[string]any{"id": 7}, Status: EventPending, ReceivedAt: now,
	}
	_, inserted, err := repo.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)
	event.ID = uuid.NewString()
	stored, inserted, err := repo.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NotEqual(t, event.ID, stored.ID)

	metrics := NewMetricsTracker(repo, MetricsOptions{FailureThreshold: 2, Now: func() time.Time { return now }})
	require.NoError(t, metrics.RecordEvent(ctx, tenant, "deal", OutcomeProcessed, 100*time.Millisecond))
	require.NoError(t, metrics.RecordEvent(ctx, tenant, "deal", OutcomeProcessed, 300*time.Millisecond))
	rows, err := metrics.ListMetrics(ctx, tenant, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 200.0, rows[0].AvgLatencyMs, 0.001)

	require.NoError(t, metrics.RecordFailure(ctx, tenant, "deal", assert.AnError, 0))
	require.NoError(t, metrics.RecordFailure(ctx, tenant, "deal", assert.AnError, 0))
	health, err := metrics.GetHealth(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, health.IsHealthy)
	assert.Equal(t, 2, health.SyncFailures)
	require.NotNil(t, health.LastSyncErrorAt)
	paused, err := metrics.Paused(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestPostgresIntegrationInboxRoundTrip(t *testing.T) {
	dsn := testhelper.PostgresDSN(t)
	inbox, err := NewPostgresInbox(dsn, 2)
	require.NoError(t, err)
	pg := inbox.(*PostgresInbox)
	pg.inboxKey = "it-" + uuid.NewString()
	t.Cleanup(func() { _ = inbox.Close() })

	require.True(t, inbox.TryEnqueue(InboxEntry{TenantID: "t1", EventID: "e1"}))
	require.True(t, inbox.TryEnqueue(InboxEntry{TenantID: "t1", EventID: "e2"}))
	assert.False(t, inbox.TryEnqueue(InboxEntry{TenantID: "t1", EventID: "e3"}))
	assert.Equal(t, 2, inbox.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry, ok := inbox.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "e1", entry.EventID)
}
