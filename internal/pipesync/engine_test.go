package pipesync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRemote struct {
	mu          sync.Mutex
	entities    map[string]RemoteEntity
	nextID      int
	creates     int
	updates     int
	deletes     int
	failWith    error
	delay       time.Duration
	inFlight    map[string]int
	maxInFlight int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entities: map[string]RemoteEntity{}, nextID: 100, inFlight: map[string]int{}}
}

func (f *fakeRemote) put(entityType string, entity RemoteEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[entityType+"/"+entity.ID] = entity
}

func (f *fakeRemote) enter(key string) (func(), error) {
	f.mu.Lock()
	if f.failWith != nil {
		err := f.failWith
		f.mu.Unlock()
		return func() {}, err
	}
	f.inFlight[key]++
	if f.inFlight[key] > f.maxInFlight {
		f.maxInFlight = f.inFlight[key]
	}
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return func() {
		f.mu.Lock()
		f.inFlight[key]--
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote) Get(_ context.Context, _ string, entityType, remoteID string) (RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return RemoteEntity{}, f.failWith
	}
	entity, ok := f.entities[entityType+"/"+remoteID]
	if !ok {
		return RemoteEntity{}, ErrNotFound
	}
	entity.Fields = cloneMap(entity.Fields)
	return entity, nil
}

func (f *fakeRemote) Create(_ context.Context, _ string, entityType string, fields map[string]any) (RemoteEntity, error) {
	done, err := f.enter(entityType + "/new")
	defer done()
	if err != nil {
		return RemoteEntity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := strconv.Itoa(f.nextID)
	entity := RemoteEntity{ID: id, Fields: mergeFields(fields, map[string]any{"id": f.nextID}), Version: "v1"}
	f.entities[entityType+"/"+id] = entity
	return entity, nil
}

func (f *fakeRemote) Update(_ context.Context, _ string, entityType, remoteID string, fields map[string]any) (RemoteEntity, error) {
	done, err := f.enter(entityType + "/" + remoteID)
	defer done()
	if err != nil {
		return RemoteEntity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entity, ok := f.entities[entityType+"/"+remoteID]
	if !ok {
		return RemoteEntity{}, ErrNotFound
	}
	f.updates++
	entity.Fields = mergeFields(entity.Fields, fields)
	entity.Version = "v" + strconv.Itoa(f.updates+1)
	f.entities[entityType+"/"+remoteID] = entity
	return entity, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ string, entityType, remoteID string) error {
	done, err := f.enter(entityType + "/" + remoteID)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.entities, entityType+"/"+remoteID)
	return nil
}

type recordingArchiver struct {
	items []SyncQueueItem
}

func (a *recordingArchiver) Archive(_ context.Context, items []SyncQueueItem) error {
	a.items = append(a.items, items...)
	return nil
}

type engineFixture struct {
	repo   *MemoryRepository
	remote *fakeRemote
	engine *Engine
	clock  *testClock
	events <-chan SyncEvent
}

func newEngineFixture(t *testing.T, mutate func(*EngineOptions)) engineFixture {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepository()
	remote := newFakeRemote()
	broadcaster := NewBroadcaster(256)
	events, cancel := broadcaster.Subscribe("t1")
	t.Cleanup(cancel)
	opts := EngineOptions{
		Repository:  repo,
		Remote:      remote,
		Broadcaster: broadcaster,
		RetryBase:   2 * time.Second,
		RetryMax:    time.Minute,
		HolderID:    "test-worker",
		Now:         clock.Now,
		Logger:      zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	require.NoError(t, repo.PutWebhookSecret(context.Background(), WebhookSecret{TenantID: "t1", Current: "s3cret", RotatedAt: clock.Now()}))
	return engineFixture{repo: repo, remote: remote, engine: engine, clock: clock, events: events}
}

func (f engineFixture) putRoute(t *testing.T, route WebhookRoute) {
	t.Helper()
	route.TenantID = "t1"
	route.Active = true
	require.NoError(t, f.repo.PutRoute(context.Background(), route))
}

func (f engineFixture) receive(t *testing.T, body string) ReceiveResult {
	t.Helper()
	result, err := f.engine.Receiver().Receive(context.Background(), ReceiveRequest{
		TenantID:  "t1",
		Body:      []byte(body),
		Signature: SignBody("s3cret", []byte(body)),
	})
	require.NoError(t, err)
	return result
}

func (f engineFixture) drainEvents() []SyncEventType {
	out := []SyncEventType{}
	for {
		select {
		case event := <-f.events:
			out = append(out, event.Type)
		default:
			return out
		}
	}
}

const personUpdatedBody = `{"meta":{"action":"updated","object":"person","id":42,"company_id":7001,"webhook_id":"9","timestamp":1710406800},
	"current":{"id":42,"name":"Ada","update_time":"2025-03-14 09:00:00"},"previous":{"id":42,"name":"Ad"}}`

func TestEngineRedeliveredWebhookEnqueuesOnce(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.putRoute(t, WebhookRoute{ID: "person-to-lead", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity","entityType":"lead","fields":["name"],"fieldMappings":{"title":"name"}}`)})

	first := f.receive(t, personUpdatedBody)
	second := f.receive(t, personUpdatedBody)
	assert.Equal(t, ReceiveAccepted, first.Status)
	assert.Equal(t, ReceiveDuplicate, second.Status)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	stats, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventsRouted)
	assert.Equal(t, 1, stats.ItemsProcessed)

	counts, err := f.engine.Queue().Counts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[QueueCompleted])

	event, err := f.repo.GetEvent(context.Background(), "t1", first.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, event.Status)
	assert.Equal(t, "person-to-lead", event.RouteID)

	lead, err := f.repo.FindEntityByRemoteID(context.Background(), "t1", "lead", "42")
	require.NoError(t, err)
	assert.Equal(t, "Ada", lead.Fields["title"])
	snapshot, err := f.repo.GetSnapshot(context.Background(), "t1", "lead", lead.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", snapshot.Fields["name"])
	assert.Equal(t, "2025-03-14 09:00:00", snapshot.Version)

	again, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.EventsRouted)
	assert.Zero(t, again.ItemsProcessed)

	assert.Equal(t, []SyncEventType{SyncEventReceived, SyncEventRouted, SyncItemCompleted}, f.drainEvents())
}

func TestEngineSkipsEventWithoutRoute(t *testing.T) {
	f := newEngineFixture(t, nil)
	result := f.receive(t, personUpdatedBody)

	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	event, err := f.repo.GetEvent(context.Background(), "t1", result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, EventSkipped, event.Status)
	assert.Equal(t, "no_route", event.StatusReason)
}

func TestEngineMalformedRouteFailsOnlyThatEvent(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.putRoute(t, WebhookRoute{ID: "broken", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"teleport"}`)})
	result := f.receive(t, personUpdatedBody)

	_, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	event, err := f.repo.GetEvent(context.Background(), "t1", result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, event.Status)
	assert.NotEmpty(t, event.LastError)
}

func TestEngineParksPushOnRemoteDriftThenAppliesUseLocal(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.remote.put("lead", RemoteEntity{ID: "7", Fields: map[string]any{"id": 7, "stage_id": 4, "update_time": "2025-03-14 08:30:00"}})

	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7", RemoteID: "7",
		Payload:      map[string]any{"stage_id": 5},
		BaseSnapshot: map[string]any{"id": 7, "stage_id": 3, "update_time": "2025-03-14 08:00:00"},
	})
	require.NoError(t, err)

	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	parked, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueParked, parked.Status)
	require.NotEmpty(t, parked.ConflictID)
	assert.Zero(t, f.remote.updates)

	conflict, err := f.engine.Resolver().Get(ctx, "t1", parked.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictPending, conflict.Status)
	assert.Equal(t, ConflictFieldMismatch, conflict.ConflictType)
	assert.Equal(t, []string{"stage_id"}, conflict.ConflictingFields)
	assert.EqualValues(t, 3, conflict.BaseSnapshot["stage_id"])
	assert.EqualValues(t, 4, conflict.RemoteSnapshot["stage_id"])

	_, err = f.engine.ResolveConflict(ctx, ResolveRequest{TenantID: "t1", ConflictID: conflict.ID, Policy: ResolveUseLocal, ResolvedBy: "ops"})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)

	done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
	assert.Equal(t, 1, f.remote.updates)
	remote, err := f.remote.Get(ctx, "t1", "lead", "7")
	require.NoError(t, err)
	assert.EqualValues(t, 5, remote.Fields["stage_id"])

	events := f.drainEvents()
	assert.Contains(t, events, SyncConflictDetected)
	assert.Contains(t, events, SyncConflictResolved)
}

func TestEngineAutoResolvesWithTenantPolicy(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.AutoPolicies = map[string]ResolutionPolicy{"t1:lead": ResolveIgnore}
	})
	ctx := context.Background()
	f.remote.put("lead", RemoteEntity{ID: "7", Fields: map[string]any{"stage_id": 4, "update_time": "b"}})
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7", RemoteID: "7",
		Payload: map[string]any{"stage_id": 5}, BaseSnapshot: map[string]any{"stage_id": 3, "update_time": "a"},
	})
	require.NoError(t, err)

	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	cancelled, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCancelled, cancelled.Status)
	conflict, err := f.engine.Resolver().Get(ctx, "t1", cancelled.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, conflict.Status)
	assert.Equal(t, autoResolver, conflict.ResolvedBy)
}

func TestEnginePushCreatePersistsRemoteIDAndSnapshot(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationCreate, EntityType: "person", LocalEntityID: "local-1",
		Payload:       map[string]any{"full_name": "Grace"},
		FieldMappings: map[string]string{"full_name": "name"},
	})
	require.NoError(t, err)

	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
	assert.Equal(t, "101", done.RemoteID)

	local, err := f.repo.GetEntity(ctx, "t1", "person", "local-1")
	require.NoError(t, err)
	assert.Equal(t, "101", local.RemoteID)
	snapshot, err := f.repo.GetSnapshot(ctx, "t1", "person", "local-1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", snapshot.Fields["name"])
	assert.Equal(t, "v1", snapshot.Version)

	// A later edit of the same local entity is an update against the recorded
	// snapshot, not a second create.
	_, err = f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "person", LocalEntityID: "local-1",
		Payload: map[string]any{"name": "Grace H."},
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.creates)
	assert.Equal(t, 1, f.remote.updates)
}

func TestEnginePullDropsStaleDelivery(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	_, err := f.repo.UpsertEntity(ctx, LocalEntity{TenantID: "t1", EntityType: "person", LocalID: "p1", RemoteID: "42",
		Fields: map[string]any{"name": "New"}})
	require.NoError(t, err)
	require.NoError(t, f.repo.PutSnapshot(ctx, EntitySnapshot{TenantID: "t1", EntityType: "person", LocalEntityID: "p1",
		RemoteID: "42", Fields: map[string]any{"name": "New"}, Version: "2025-03-14 10:00:00"}))

	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Direction: DirectionPull, Operation: OperationUpdate, EntityType: "person", RemoteID: "42",
		Payload: map[string]any{"name": "Old"}, RemoteVersion: "2025-03-14 09:00:00",
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)

	done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
	local, err := f.repo.GetEntity(ctx, "t1", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "New", local.Fields["name"])
}

func TestEnginePullDeleteRemovesLocalEntity(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	_, err := f.repo.UpsertEntity(ctx, LocalEntity{TenantID: "t1", EntityType: "deal", LocalID: "d1", RemoteID: "9"})
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Direction: DirectionPull, Operation: OperationDelete, EntityType: "deal", RemoteID: "9",
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	_, err = f.repo.GetEntity(ctx, "t1", "deal", "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineRetriesTransientThenFails(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) { opts.MaxRetries = 1 })
	ctx := context.Background()
	f.remote.failWith = NewTransientRemoteError(context.DeadlineExceeded)
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1",
		Payload: map[string]any{"content": "hi"},
	})
	require.NoError(t, err)

	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	retry, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.True(t, f.clock.Now().Add(2*time.Second).Equal(retry.ScheduledAt))

	stats, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ItemsProcessed)

	f.clock.Advance(3 * time.Second)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	failed, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, failed.Status)

	health, err := f.engine.Metrics().GetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, health.ConsecutiveFailures)
}

func TestEnginePermanentErrorFailsImmediately(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.remote.failWith = NewPermanentRemoteError(400, "bad_request", "subject is required")
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationCreate, EntityType: "activity", LocalEntityID: "a1",
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	failed, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, failed.Status)
	assert.Zero(t, failed.RetryCount)
	assert.Contains(t, failed.LastError, "subject is required")
}

func TestEnginePausesUnhealthyTenant(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.FailureThreshold = 1
		opts.PauseCooldown = time.Minute
	})
	ctx := context.Background()
	f.remote.failWith = NewPermanentRemoteError(422, "", "rejected")
	_, err := f.engine.Enqueue(ctx, SyncQueueItem{TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1"})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Contains(t, f.drainEvents(), SyncTenantHealthChanged)

	f.remote.failWith = nil
	next, err := f.engine.Enqueue(ctx, SyncQueueItem{TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n2"})
	require.NoError(t, err)
	stats, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ItemsProcessed)

	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	done, err := f.engine.Queue().Get(ctx, "t1", next.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
	health, err := f.engine.Metrics().GetHealth(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, health.IsHealthy)
}

func TestEngineBadSignaturesDoNotPauseQueue(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.FailureThreshold = 2
		opts.PauseCooldown = time.Hour
	})
	ctx := context.Background()
	body := []byte(personUpdatedBody)
	for i := 0; i < 5; i++ {
		_, err := f.engine.Receiver().Receive(ctx, ReceiveRequest{TenantID: "t1", Body: body, Signature: SignBody("forged", body)})
		require.ErrorIs(t, err, ErrVerification)
	}
	health, err := f.engine.Metrics().GetHealth(ctx, "t1")
	require.NoError(t, err)
	require.False(t, health.IsHealthy)

	item, err := f.engine.Enqueue(ctx, SyncQueueItem{TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1"})
	require.NoError(t, err)
	ok, err := f.engine.ProcessNext(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
}

func TestEngineCancelParkedItemIgnoresConflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7", RemoteID: "7",
		Payload: map[string]any{"stage_id": 5}, BaseSnapshot: map[string]any{"stage_id": 3},
	})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	parked, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueParked, parked.Status)

	cancelled, err := f.engine.CancelQueueItem(ctx, "t1", item.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, QueueCancelled, cancelled.Status)
	conflict, err := f.engine.Resolver().Get(ctx, "t1", parked.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictIgnored, conflict.Status)
	assert.Equal(t, ConflictRemoteDeleted, conflict.ConflictType)

	_, err = f.engine.CancelQueueItem(ctx, "t1", item.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEngineArchivesFinishedItemsPastRetention(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.Archiver = archiver
		opts.Retention = 24 * time.Hour
	})
	ctx := context.Background()
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1"})
	require.NoError(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, archiver.items)

	f.clock.Advance(25 * time.Hour)
	stats, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archived)
	require.Len(t, archiver.items, 1)
	assert.Equal(t, item.ID, archiver.items[0].ID)
	_, err = f.engine.Queue().Get(ctx, "t1", item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineRunNeverOverlapsSameEntity(t *testing.T) {
	repo := NewMemoryRepository()
	remote := newFakeRemote()
	remote.delay = 20 * time.Millisecond
	remote.put("lead", RemoteEntity{ID: "7", Fields: map[string]any{"stage_id": 3}})
	engine, err := NewEngine(EngineOptions{
		Repository:   repo,
		Remote:       remote,
		QueueWorkers: 4,
		PollInterval: 5 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, err := engine.Enqueue(context.Background(), SyncQueueItem{
				TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7", RemoteID: "7",
				Payload: map[string]any{"stage_id": 4 + i},
			})
			assert.NoError(t, err)
			ids[i] = item.ID
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		counts, err := engine.Queue().Counts(context.Background(), "t1")
		return err == nil && counts[QueueCompleted] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.maxInFlight)
	assert.Equal(t, len(ids), remote.updates)
}

func TestEngineResolvingRemoteDeletionRecreatesRecord(t *testing.T) {
	for _, tc := range []struct {
		policy    ResolutionPolicy
		mergeData map[string]any
		title     string
	}{
		{policy: ResolveUseLocal, title: "Renewal 2026"},
		{policy: ResolveMerge, mergeData: map[string]any{"title": "Renewal 2026 (merged)"}, title: "Renewal 2026 (merged)"},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newEngineFixture(t, nil)
			ctx := context.Background()
			_, err := f.repo.UpsertEntity(ctx, LocalEntity{
				TenantID: "t1", EntityType: "lead", LocalID: "7", RemoteID: "42", Fields: map[string]any{"title": "Renewal"},
			})
			require.NoError(t, err)
			item, err := f.engine.Enqueue(ctx, SyncQueueItem{
				TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7",
				Payload: map[string]any{"title": "Renewal 2026"},
			})
			require.NoError(t, err)

			_, err = f.engine.RunOnce(ctx)
			require.NoError(t, err)
			parked, err := f.engine.Queue().Get(ctx, "t1", item.ID)
			require.NoError(t, err)
			require.Equal(t, QueueParked, parked.Status)
			conflict, err := f.engine.Resolver().Get(ctx, "t1", parked.ConflictID)
			require.NoError(t, err)
			require.Equal(t, ConflictRemoteDeleted, conflict.ConflictType)
			assert.Equal(t, "42", conflict.RemoteID)

			_, err = f.engine.ResolveConflict(ctx, ResolveRequest{
				TenantID: "t1", ConflictID: conflict.ID, Policy: tc.policy, MergeData: tc.mergeData, ResolvedBy: "ops",
			})
			require.NoError(t, err)
			_, err = f.engine.RunOnce(ctx)
			require.NoError(t, err)

			done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
			require.NoError(t, err)
			assert.Equal(t, QueueCompleted, done.Status)
			require.NotEmpty(t, done.RemoteID)
			assert.NotEqual(t, "42", done.RemoteID)
			assert.Equal(t, 1, f.remote.creates)

			local, err := f.repo.GetEntity(ctx, "t1", "lead", "7")
			require.NoError(t, err)
			assert.Equal(t, done.RemoteID, local.RemoteID)
			remote, err := f.remote.Get(ctx, "t1", "lead", done.RemoteID)
			require.NoError(t, err)
			assert.Equal(t, tc.title, remote.Fields["title"])

			counts, err := f.engine.Queue().Counts(ctx, "t1")
			require.NoError(t, err)
			assert.Zero(t, counts[QueueParked])
		})
	}
}

func TestEngineWebhookPullAndLocalPushShareEntityKey(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.putRoute(t, WebhookRoute{ID: "person-to-lead", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity","entityType":"lead","fields":["name"],"fieldMappings":{"title":"name"}}`)})
	_, err := f.repo.UpsertEntity(ctx, LocalEntity{
		TenantID: "t1", EntityType: "lead", LocalID: "7", RemoteID: "42", Fields: map[string]any{"title": "Ad"},
	})
	require.NoError(t, err)

	push, err := f.engine.Enqueue(ctx, SyncQueueItem{
		TenantID: "t1", Operation: OperationUpdate, EntityType: "lead", LocalEntityID: "7",
		Payload: map[string]any{"title": "Ada L"},
	})
	require.NoError(t, err)
	received := f.receive(t, personUpdatedBody)
	routed, err := f.engine.ProcessEvent(ctx, "t1", received.Event.ID)
	require.NoError(t, err)
	require.True(t, routed)

	feed, err := f.engine.Queue().List(ctx, QueueFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, feed.Items, 2)
	for _, item := range feed.Items {
		assert.Equal(t, push.EntityKey(), item.EntityKey(), item.ID)
	}

	claim, ok, err := f.engine.Queue().DequeueNext(ctx, "t1", "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, push.ID, claim.Item.ID)
	_, ok, err = f.engine.Queue().DequeueNext(ctx, "t1", "w2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineStaleClaimCannotOverwriteCompletedItem(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.Lease = 30 * time.Second
	})
	ctx := context.Background()
	item, err := f.engine.Enqueue(ctx, SyncQueueItem{TenantID: "t1", Operation: OperationCreate, EntityType: "note", LocalEntityID: "n1"})
	require.NoError(t, err)
	stale, ok, err := f.engine.Queue().DequeueNext(ctx, "t1", "slow")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Minute)
	_, err = f.engine.Queue().RecoverStale(ctx)
	require.NoError(t, err)
	ok, err = f.engine.ProcessNext(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.Queue().Complete(ctx, stale, CompleteResult{RemoteID: "999"})
	require.ErrorIs(t, err, ErrLockLost)
	done, err := f.engine.Queue().Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, done.Status)
	assert.NotEqual(t, "999", done.RemoteID)
	assert.Equal(t, 1, f.remote.creates)
}

func TestVersionOlder(t *testing.T) {
	assert.True(t, versionOlder("2025-03-14 09:00:00", "2025-03-14 10:00:00"))
	assert.False(t, versionOlder("2025-03-14 10:00:00", "2025-03-14 10:00:00"))
	assert.True(t, versionOlder("2025-03-14T08:00:00Z", "2025-03-14 09:00:00"))
	assert.True(t, versionOlder("1710406800", "2025-03-14 09:00:00"))
	assert.False(t, versionOlder("abc", "def"))
	assert.False(t, versionOlder("", "2025-03-14 09:00:00"))
}
