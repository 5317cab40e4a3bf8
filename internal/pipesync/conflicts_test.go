package pipesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basePushItem() SyncQueueItem {
	return SyncQueueItem{
		ID:            "item-1",
		TenantID:      "t1",
		Direction:     DirectionPush,
		Operation:     OperationUpdate,
		EntityType:    "person",
		LocalEntityID: "p1",
		RemoteID:      "101",
		Payload:       map[string]any{"name": "Ada Lovelace"},
		BaseSnapshot:  map[string]any{"name": "Ada", "email": "ada@example.com", "update_time": "2025-03-01 10:00:00"},
		RemoteVersion: "2025-03-01 10:00:00",
	}
}

func TestConflictDetectorVersionFastPath(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	remote := &RemoteEntity{ID: "101", Version: "2025-03-01 10:00:00", Fields: map[string]any{"name": "Grace"}}
	assert.Nil(t, detector.Detect(basePushItem(), remote))
}

func TestConflictDetectorFieldMismatch(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	remote := &RemoteEntity{ID: "101", Version: "2025-03-02 08:00:00", Fields: map[string]any{
		"name":        "Ada King",
		"email":       "ada@example.com",
		"update_time": "2025-03-02 08:00:00",
	}}
	conflict := detector.Detect(basePushItem(), remote)
	require.NotNil(t, conflict)
	assert.Equal(t, ConflictFieldMismatch, conflict.ConflictType)
	assert.Equal(t, []string{"name"}, conflict.ConflictingFields)
	assert.Equal(t, ConflictPending, conflict.Status)
	assert.Equal(t, "Ada King", conflict.RemoteSnapshot["name"])
	assert.Equal(t, "Ada Lovelace", conflict.LocalSnapshot["name"])
}

func TestConflictDetectorIgnoresUnrelatedRemoteChanges(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	remote := &RemoteEntity{ID: "101", Version: "2025-03-02 08:00:00", Fields: map[string]any{
		"name":  "Ada",
		"email": "countess@example.com",
	}}
	assert.Nil(t, detector.Detect(basePushItem(), remote))
}

func TestConflictDetectorConvergentChangeIsNotAConflict(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	remote := &RemoteEntity{ID: "101", Version: "2025-03-02 08:00:00", Fields: map[string]any{"name": "Ada Lovelace"}}
	assert.Nil(t, detector.Detect(basePushItem(), remote))
}

func TestConflictDetectorHonorsFieldMappings(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	item := basePushItem()
	item.Payload = map[string]any{"fullName": "Ada Lovelace"}
	item.FieldMappings = map[string]string{"fullName": "name"}
	remote := &RemoteEntity{ID: "101", Version: "v2", Fields: map[string]any{"name": "Ada King"}}
	conflict := detector.Detect(item, remote)
	require.NotNil(t, conflict)
	assert.Equal(t, []string{"name"}, conflict.ConflictingFields)
}

func TestConflictDetectorWholePayloadWithoutFieldScope(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	item := basePushItem()
	item.Operation = OperationDelete
	item.Payload = nil

	same := &RemoteEntity{ID: "101", Version: "v2", Fields: map[string]any{"name": "Ada", "email": "ada@example.com", "update_time": "later"}}
	assert.Nil(t, detector.Detect(item, same))

	changed := &RemoteEntity{ID: "101", Version: "v2", Fields: map[string]any{"name": "Ada", "email": "new@example.com"}}
	conflict := detector.Detect(item, changed)
	require.NotNil(t, conflict)
	assert.Equal(t, ConflictVersionMismatch, conflict.ConflictType)
}

func TestConflictDetectorRemoteDeleted(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	conflict := detector.Detect(basePushItem(), nil)
	require.NotNil(t, conflict)
	assert.Equal(t, ConflictRemoteDeleted, conflict.ConflictType)

	item := basePushItem()
	item.Operation = OperationDelete
	assert.Nil(t, detector.Detect(item, nil), "deleting an already deleted record converges")
}

func TestConflictDetectorFirstSyncNeverConflicts(t *testing.T) {
	detector := NewConflictDetector(newTestClock().Now)
	item := basePushItem()
	item.BaseSnapshot = nil
	item.RemoteVersion = ""
	assert.Nil(t, detector.Detect(item, &RemoteEntity{ID: "101", Fields: map[string]any{"name": "Other"}}))

	create := basePushItem()
	create.Operation = OperationCreate
	create.RemoteID = ""
	assert.Nil(t, detector.Detect(create, nil))
}

func TestValuesEqualAcrossNumericForms(t *testing.T) {
	assert.True(t, valuesEqual(42, float64(42)))
	assert.True(t, valuesEqual(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2.0, "a": 1.0}))
	assert.False(t, valuesEqual("42", 42))
}

type resolverFixture struct {
	repo     *MemoryRepository
	queue    *SyncQueue
	resolver *ConflictResolver
	clock    *testClock
	item     SyncQueueItem
	conflict SyncConflict
}

func newResolverFixture(t *testing.T) resolverFixture {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepository()
	locks := NewLockManager(repo, LockManagerOptions{Now: clock.Now})
	queue := NewSyncQueue(repo, locks, QueueOptions{Now: clock.Now})
	resolver := NewConflictResolver(repo, repo, repo, queue, ConflictResolverOptions{Now: clock.Now})
	ctx := context.Background()

	_, err := repo.UpsertEntity(ctx, LocalEntity{TenantID: "t1", EntityType: "person", LocalID: "p1", RemoteID: "101", Fields: map[string]any{"name": "Ada Lovelace"}})
	require.NoError(t, err)

	_, err = queue.Enqueue(ctx, basePushItem())
	require.NoError(t, err)
	claim, ok, err := queue.DequeueNext(ctx, "t1", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	detector := NewConflictDetector(clock.Now)
	conflict := detector.Detect(claim.Item, &RemoteEntity{ID: "101", Version: "2025-03-02 08:00:00", Fields: map[string]any{
		"name":        "Ada King",
		"update_time": "2025-03-02 08:00:00",
	}})
	require.NotNil(t, conflict)
	require.NoError(t, resolver.Record(ctx, *conflict))
	parked, err := queue.Park(ctx, claim, conflict.ID)
	require.NoError(t, err)
	return resolverFixture{repo: repo, queue: queue, resolver: resolver, clock: clock, item: parked, conflict: *conflict}
}

func TestConflictResolverUseLocalRequeuesRebasedItem(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	resolved, err := f.resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveUseLocal, ResolvedBy: "ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)
	assert.Equal(t, ResolveUseLocal, resolved.Resolution)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)

	item, err := f.queue.Get(ctx, "t1", f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, item.Status)
	assert.Equal(t, "2025-03-02 08:00:00", item.RemoteVersion)
	assert.Equal(t, "Ada King", item.BaseSnapshot["name"])
	assert.Empty(t, item.ConflictID)

	detector := NewConflictDetector(f.clock.Now)
	assert.Nil(t, detector.Detect(item, &RemoteEntity{ID: "101", Version: "2025-03-02 08:00:00", Fields: map[string]any{"name": "Ada King"}}))
}

func TestConflictResolverUseRemoteUpdatesLocalStore(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	_, err := f.resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveUseRemote})
	require.NoError(t, err)

	entity, err := f.repo.GetEntity(ctx, "t1", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada King", entity.Fields["name"])

	snapshot, err := f.repo.GetSnapshot(ctx, "t1", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-02 08:00:00", snapshot.Version)

	item, err := f.queue.Get(ctx, "t1", f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCancelled, item.Status)
}

func TestConflictResolverMergeRequiresData(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	_, err := f.resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveMerge})
	require.ErrorIs(t, err, ErrInvalidInput)

	resolved, err := f.resolver.Resolve(ctx, ResolveRequest{
		TenantID:   "t1",
		ConflictID: f.conflict.ID,
		Policy:     ResolveMerge,
		MergeData:  map[string]any{"name": "Ada King Lovelace"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada King Lovelace", resolved.ResolvedSnapshot["name"])

	entity, err := f.repo.GetEntity(ctx, "t1", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada King Lovelace", entity.Fields["name"])

	item, err := f.queue.Get(ctx, "t1", f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, item.Status)
	assert.Equal(t, "Ada King Lovelace", item.Payload["name"])
}

func TestConflictResolverIgnoreLeavesBothSides(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	resolved, err := f.resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveIgnore})
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)

	entity, err := f.repo.GetEntity(ctx, "t1", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", entity.Fields["name"])
	_, err = f.repo.GetSnapshot(ctx, "t1", "person", "p1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveUseLocal})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestConflictResolverBulkReportsPerID(t *testing.T) {
	f := newResolverFixture(t)
	outcomes := f.resolver.ResolveBulk(context.Background(), BulkResolveRequest{
		TenantID:    "t1",
		ConflictIDs: []string{f.conflict.ID, "missing", f.conflict.ID},
		Policy:      ResolveIgnore,
	})
	require.Len(t, outcomes, 3)
	assert.Equal(t, ConflictResolved, outcomes[0].Status)
	assert.Empty(t, outcomes[0].Error)
	assert.Contains(t, outcomes[1].Error, "not found")
	assert.Contains(t, outcomes[2].Error, "invalid state")
}

func TestConflictResolverMarkIgnored(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	require.NoError(t, f.resolver.MarkIgnored(ctx, "t1", f.conflict.ID, "admin"))
	conflict, err := f.resolver.Get(ctx, "t1", f.conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictIgnored, conflict.Status)
	require.NoError(t, f.resolver.MarkIgnored(ctx, "t1", f.conflict.ID, "admin"))
}

func TestParseAutoPolicies(t *testing.T) {
	policies, err := ParseAutoPolicies("t1:person:use_remote, *:deal:ignore")
	require.NoError(t, err)
	resolver := NewConflictResolver(nil, nil, nil, nil, ConflictResolverOptions{AutoPolicies: policies, Now: time.Now})

	policy, ok := resolver.AutoPolicy("t1", "person")
	require.True(t, ok)
	assert.Equal(t, ResolveUseRemote, policy)
	policy, ok = resolver.AutoPolicy("t9", "deal")
	require.True(t, ok)
	assert.Equal(t, ResolveIgnore, policy)
	_, ok = resolver.AutoPolicy("t9", "person")
	assert.False(t, ok)

	_, err = ParseAutoPolicies("t1:person:merge")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseAutoPolicies("t1:person")
	require.ErrorIs(t, err, ErrInvalidInput)
}

type flakyQueueStore struct {
	*MemoryRepository
	saveErr error
}

func (s *flakyQueueStore) SaveQueueItem(ctx context.Context, item SyncQueueItem) error {
	if s.saveErr != nil {
		err := s.saveErr
		s.saveErr = nil
		return err
	}
	return s.MemoryRepository.SaveQueueItem(ctx, item)
}

func TestConflictResolverFailedApplyLeavesConflictPending(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	store := &flakyQueueStore{MemoryRepository: f.repo, saveErr: errors.New("disk full")}
	queue := NewSyncQueue(store, NewLockManager(f.repo, LockManagerOptions{Now: f.clock.Now}), QueueOptions{Now: f.clock.Now})
	resolver := NewConflictResolver(f.repo, f.repo, f.repo, queue, ConflictResolverOptions{Now: f.clock.Now})

	_, err := resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveUseLocal})
	require.ErrorContains(t, err, "disk full")
	conflict, err := resolver.Get(ctx, "t1", f.conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictPending, conflict.Status)
	item, err := queue.Get(ctx, "t1", f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueParked, item.Status)

	resolved, err := resolver.Resolve(ctx, ResolveRequest{TenantID: "t1", ConflictID: f.conflict.ID, Policy: ResolveUseLocal})
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)
	item, err = queue.Get(ctx, "t1", f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, item.Status)
}
