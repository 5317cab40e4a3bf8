package pipesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRetryBase  = 2 * time.Second
	defaultRetryMax   = 10 * time.Minute
	defaultMaxRetries = 5
)

type QueueOptions struct {
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
	Lease      time.Duration
	// Entities, when set, lets Enqueue key items that only carry a remote
	// id by the local entity linked to it.
	Entities EntityLookup
	Now      func() time.Time
	Logger   *zap.Logger
}

type EntityLookup interface {
	FindEntityByRemoteID(ctx context.Context, tenantID, entityType, remoteID string) (LocalEntity, error)
}

// Claim is an item checked out by one worker together with the lease lock
// on its entity key.
type Claim struct {
	Item SyncQueueItem
	Lock SyncLock
}

type CompleteResult struct {
	RemoteID string
}

// SyncQueue is a per-tenant priority queue with a mutual-exclusion filter
// on entity keys.
type SyncQueue struct {
	store      QueueStore
	locks      *LockManager
	entities   EntityLookup
	retryBase  time.Duration
	retryMax   time.Duration
	maxRetries int
	lease      time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewSyncQueue(store QueueStore, locks *LockManager, opts QueueOptions) *SyncQueue {
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLockLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SyncQueue{
		store:      store,
		locks:      locks,
		entities:   opts.Entities,
		retryBase:  opts.RetryBase,
		retryMax:   opts.RetryMax,
		maxRetries: opts.MaxRetries,
		lease:      opts.Lease,
		now:        opts.Now,
		logger:     opts.Logger,
	}
}

func (q *SyncQueue) Lease() time.Duration {
	return q.lease
}

func (q *SyncQueue) Enqueue(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	item.TenantID = strings.TrimSpace(item.TenantID)
	item.EntityType = strings.ToLower(strings.TrimSpace(item.EntityType))
	item.LocalEntityID = strings.TrimSpace(item.LocalEntityID)
	item.RemoteID = strings.TrimSpace(item.RemoteID)
	if item.TenantID == "" || item.EntityType == "" {
		return SyncQueueItem{}, invalidInputf("queue item requires tenant and entity type")
	}
	switch item.Operation {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return SyncQueueItem{}, invalidInputf("unknown operation %q", item.Operation)
	}
	switch item.Direction {
	case "":
		item.Direction = DirectionPush
	case DirectionPush, DirectionPull:
	default:
		return SyncQueueItem{}, invalidInputf("unknown direction %q", item.Direction)
	}
	if item.LocalEntityID == "" && item.RemoteID != "" && q.entities != nil {
		local, err := q.entities.FindEntityByRemoteID(ctx, item.TenantID, item.EntityType, item.RemoteID)
		switch {
		case err == nil:
			item.LocalEntityID = local.LocalID
		case !errors.Is(err, ErrNotFound):
			return SyncQueueItem{}, err
		}
	}
	if !item.EntityKey().valid() {
		return SyncQueueItem{}, invalidInputf("queue item requires a local or remote entity id")
	}
	if (item.Operation == OperationDelete || item.Direction == DirectionPull) && item.RemoteID == "" {
		return SyncQueueItem{}, invalidInputf("%s %s requires a remote id", item.Direction, item.Operation)
	}
	now := q.now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.maxRetries
	}
	item.Status = QueuePending
	item.RetryCount = 0
	item.LockID = ""
	item.ConflictID = ""
	item.CreatedAt = now
	item.UpdatedAt = now
	stored, err := q.store.InsertQueueItem(ctx, item)
	if err != nil {
		return SyncQueueItem{}, err
	}
	if stored.ID == item.ID {
		q.logger.Debug("queue_item_enqueued",
			zap.String("tenant_id", stored.TenantID),
			zap.String("item_id", stored.ID),
			zap.String("entity_key", stored.EntityKey().String()),
			zap.String("operation", string(stored.Operation)),
		)
	}
	return stored, nil
}

// DequeueNext claims the next eligible item of the tenant. ok is false when
// nothing is due or every due entity key is busy.
func (q *SyncQueue) DequeueNext(ctx context.Context, tenantID, holder string) (Claim, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Claim{}, false, invalidInputf("tenant is required")
	}
	item, lock, ok, err := q.store.ClaimQueueItem(ctx, ClaimRequest{
		TenantID: tenantID,
		Holder:   holder,
		Lease:    q.lease,
		Now:      q.now().UTC(),
		LockID:   uuid.NewString(),
	})
	if err != nil || !ok {
		return Claim{}, false, err
	}
	return Claim{Item: item, Lock: lock}, true, nil
}

func (q *SyncQueue) Get(ctx context.Context, tenantID, id string) (SyncQueueItem, error) {
	return q.store.GetQueueItem(ctx, tenantID, id)
}

// RecordRemoteID persists the remote id returned by a create before any
// other step, so a retry of the same item becomes an update.
func (q *SyncQueue) RecordRemoteID(ctx context.Context, claim *Claim, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" || claim.Item.RemoteID == remoteID {
		return nil
	}
	item := claim.Item
	item.RemoteID = remoteID
	item.UpdatedAt = q.now().UTC()
	if err := q.store.SaveClaimedQueueItem(ctx, item, claim.Lock.ID); err != nil {
		return err
	}
	claim.Item = item
	return nil
}

func (q *SyncQueue) Complete(ctx context.Context, claim Claim, result CompleteResult) (SyncQueueItem, error) {
	now := q.now().UTC()
	item := claim.Item
	item.Status = QueueCompleted
	item.LastError = ""
	item.LockID = ""
	item.UpdatedAt = now
	item.CompletedAt = timePtr(now)
	if result.RemoteID != "" {
		item.RemoteID = result.RemoteID
	}
	if err := q.store.SaveClaimedQueueItem(ctx, item, claim.Lock.ID); err != nil {
		return SyncQueueItem{}, err
	}
	q.release(ctx, claim.Lock)
	return item, nil
}

// Fail records a failed attempt. Transient failures are rescheduled with
// exponential backoff while retries remain; everything else is terminal.
func (q *SyncQueue) Fail(ctx context.Context, claim Claim, cause error) (SyncQueueItem, error) {
	now := q.now().UTC()
	item := claim.Item
	item.LockID = ""
	item.StartedAt = nil
	item.UpdatedAt = now
	if cause != nil {
		item.LastError = cause.Error()
	}
	if isTransient(cause) && item.RetryCount < item.MaxRetries {
		item.ScheduledAt = now.Add(backoffDuration(q.retryBase, q.retryMax, item.RetryCount))
		item.RetryCount++
		item.Status = QueuePending
	} else {
		item.Status = QueueFailed
		item.CompletedAt = timePtr(now)
	}
	if err := q.store.SaveClaimedQueueItem(ctx, item, claim.Lock.ID); err != nil {
		return SyncQueueItem{}, err
	}
	q.release(ctx, claim.Lock)
	fields := []zap.Field{
		zap.String("tenant_id", item.TenantID),
		zap.String("item_id", item.ID),
		zap.String("entity_key", item.EntityKey().String()),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(cause),
	}
	if item.Status == QueueFailed {
		q.logger.Warn("queue_item_failed", fields...)
	} else {
		q.logger.Info("queue_item_retry_scheduled", append(fields, zap.Time("scheduled_at", item.ScheduledAt))...)
	}
	return item, nil
}

// Park holds an item on an open conflict. It stays parked until the
// conflict is resolved.
func (q *SyncQueue) Park(ctx context.Context, claim Claim, conflictID string) (SyncQueueItem, error) {
	now := q.now().UTC()
	item := claim.Item
	item.Status = QueueParked
	item.ConflictID = conflictID
	item.LockID = ""
	item.StartedAt = nil
	item.UpdatedAt = now
	if err := q.store.SaveClaimedQueueItem(ctx, item, claim.Lock.ID); err != nil {
		return SyncQueueItem{}, err
	}
	q.release(ctx, claim.Lock)
	return item, nil
}

// Requeue puts a parked item back to pending after mutate has adjusted it.
func (q *SyncQueue) Requeue(ctx context.Context, tenantID, id string, mutate func(*SyncQueueItem)) (SyncQueueItem, error) {
	item, err := q.store.GetQueueItem(ctx, tenantID, id)
	if err != nil {
		return SyncQueueItem{}, err
	}
	if item.Status != QueueParked {
		return SyncQueueItem{}, fmt.Errorf("%w: item %s is %s", ErrInvalidState, id, item.Status)
	}
	now := q.now().UTC()
	if mutate != nil {
		mutate(&item)
	}
	item.Status = QueuePending
	item.ConflictID = ""
	item.LockID = ""
	item.LastError = ""
	item.ScheduledAt = now
	item.UpdatedAt = now
	if err := q.store.SaveQueueItem(ctx, item); err != nil {
		return SyncQueueItem{}, err
	}
	return item, nil
}

// Cancel is the admin escape hatch for items that should never run (again).
func (q *SyncQueue) Cancel(ctx context.Context, tenantID, id string) (SyncQueueItem, error) {
	item, err := q.store.GetQueueItem(ctx, tenantID, id)
	if err != nil {
		return SyncQueueItem{}, err
	}
	switch item.Status {
	case QueuePending, QueueParked, QueueFailed:
	default:
		return SyncQueueItem{}, fmt.Errorf("%w: item %s is %s", ErrInvalidState, id, item.Status)
	}
	now := q.now().UTC()
	item.Status = QueueCancelled
	item.UpdatedAt = now
	item.CompletedAt = timePtr(now)
	if err := q.store.SaveQueueItem(ctx, item); err != nil {
		return SyncQueueItem{}, err
	}
	q.logger.Info("queue_item_cancelled",
		zap.String("tenant_id", item.TenantID),
		zap.String("item_id", item.ID),
	)
	return item, nil
}

// RecoverStale returns processing items whose lease expired to pending.
func (q *SyncQueue) RecoverStale(ctx context.Context) (int, error) {
	count, err := q.store.RequeueStaleItems(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.logger.Warn("queue_stale_items_recovered", zap.Int("count", count))
	}
	return count, nil
}

func (q *SyncQueue) List(ctx context.Context, filter QueueFilter) (QueueFeed, error) {
	return q.store.ListQueueItems(ctx, filter)
}

func (q *SyncQueue) Counts(ctx context.Context, tenantID string) (map[QueueStatus]int, error) {
	return q.store.CountQueueItems(ctx, tenantID)
}

func (q *SyncQueue) DueTenants(ctx context.Context) ([]string, error) {
	return q.store.ListTenantsWithDueItems(ctx, q.now().UTC())
}

func (q *SyncQueue) release(ctx context.Context, lock SyncLock) {
	if q.locks == nil {
		return
	}
	if err := q.locks.Release(ctx, lock); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("queue_lock_release_failed", zap.String("lock_id", lock.ID), zap.Error(err))
	}
}

// backoffDuration returns base * 2^retry, capped at max.
func backoffDuration(base, max time.Duration, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := base
	for i := 0; i < retry; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
