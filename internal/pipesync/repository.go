package pipesync

import (
	"context"
	"time"
)

type EventStore interface {
	// InsertEvent persists a new event. When (tenant, event id) already
	// exists the stored event is returned with inserted=false.
	InsertEvent(ctx context.Context, event WebhookEvent) (stored WebhookEvent, inserted bool, err error)
	GetEvent(ctx context.Context, tenantID, id string) (WebhookEvent, error)
	UpdateEventStatus(ctx context.Context, update EventStatusUpdate) error
	ListPendingEvents(ctx context.Context, dueBefore time.Time, limit int) ([]WebhookEvent, error)
}

type QueueStore interface {
	// InsertQueueItem stores a new item. An item whose idempotency key is
	// already known for the tenant is not inserted again; the existing item
	// is returned instead.
	InsertQueueItem(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error)
	GetQueueItem(ctx context.Context, tenantID, id string) (SyncQueueItem, error)
	SaveQueueItem(ctx context.Context, item SyncQueueItem) error
	// SaveClaimedQueueItem is SaveQueueItem for a worker holding a claim. It
	// fails with ErrLockLost unless the stored item is still processing
	// under lockID.
	SaveClaimedQueueItem(ctx context.Context, item SyncQueueItem, lockID string) error
	ClaimQueueItem(ctx context.Context, req ClaimRequest) (SyncQueueItem, SyncLock, bool, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) (QueueFeed, error)
	CountQueueItems(ctx context.Context, tenantID string) (map[QueueStatus]int, error)
	ListTenantsWithDueItems(ctx context.Context, now time.Time) ([]string, error)
	RequeueStaleItems(ctx context.Context, now time.Time) (int, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]SyncQueueItem, error)
	DeleteQueueItems(ctx context.Context, ids []string) error
}

type LockStore interface {
	AcquireLock(ctx context.Context, req LockRequest) (SyncLock, error)
	ReleaseLock(ctx context.Context, lockID string, now time.Time) error
	RenewLock(ctx context.Context, lockID string, expiresAt, now time.Time) (SyncLock, error)
	PruneLocks(ctx context.Context, before time.Time) (int, error)
}

type ConflictStore interface {
	InsertConflict(ctx context.Context, conflict SyncConflict) error
	GetConflict(ctx context.Context, tenantID, id string) (SyncConflict, error)
	// FinishConflict stores a resolution. It fails with ErrInvalidState when
	// the stored conflict is no longer pending.
	FinishConflict(ctx context.Context, conflict SyncConflict) error
	ListConflicts(ctx context.Context, filter ConflictFilter) (ConflictFeed, error)
}

type SnapshotStore interface {
	GetSnapshot(ctx context.Context, tenantID, entityType, localEntityID string) (EntitySnapshot, error)
	PutSnapshot(ctx context.Context, snapshot EntitySnapshot) error
}

type MetricsStore interface {
	RecordMetric(ctx context.Context, delta MetricDelta) error
	ListMetrics(ctx context.Context, tenantID, sinceDay string) ([]SyncMetrics, error)
	ObserveHealth(ctx context.Context, observation HealthObservation) (WebhookHealthStatus, error)
	GetHealth(ctx context.Context, tenantID string) (WebhookHealthStatus, error)
}

type RouteStore interface {
	ListRoutes(ctx context.Context, tenantID string) ([]WebhookRoute, error)
	PutRoute(ctx context.Context, route WebhookRoute) error
	DeleteRoute(ctx context.Context, tenantID, id string) error
	ReplaceRoutes(ctx context.Context, tenantID string, routes []WebhookRoute) error
}

type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, sub WebhookSubscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (WebhookSubscription, error)
	SaveSubscription(ctx context.Context, sub WebhookSubscription) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]WebhookSubscription, error)
	FindTenantByCompanyID(ctx context.Context, companyID string) (string, error)
	GetWebhookSecret(ctx context.Context, tenantID string) (WebhookSecret, error)
	PutWebhookSecret(ctx context.Context, secret WebhookSecret) error
}

// LocalStore is the application's own copy of CRM records.
type LocalStore interface {
	GetEntity(ctx context.Context, tenantID, entityType, localID string) (LocalEntity, error)
	FindEntityByRemoteID(ctx context.Context, tenantID, entityType, remoteID string) (LocalEntity, error)
	UpsertEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error)
	DeleteEntity(ctx context.Context, tenantID, entityType, localID string) error
	// UnlinkEntity clears the entity's remote id when it still equals
	// remoteID.
	UnlinkEntity(ctx context.Context, tenantID, entityType, localID, remoteID string) error
}

type Repository interface {
	EventStore
	QueueStore
	LockStore
	ConflictStore
	SnapshotStore
	MetricsStore
	RouteStore
	SubscriptionStore
	LocalStore
	Backend() string
	Close() error
}

// RemoteClient is the CRM API as seen by the engine.
type RemoteClient interface {
	Get(ctx context.Context, tenantID, entityType, remoteID string) (RemoteEntity, error)
	Create(ctx context.Context, tenantID, entityType string, fields map[string]any) (RemoteEntity, error)
	Update(ctx context.Context, tenantID, entityType, remoteID string, fields map[string]any) (RemoteEntity, error)
	Delete(ctx context.Context, tenantID, entityType, remoteID string) error
}

type HookRequest struct {
	SubscriptionURL string
	EventAction     string
	EventObject     string
}

type RemoteHook struct {
	ID        string
	CompanyID string
}

// HookRegistrar registers webhook subscriptions with the CRM.
type HookRegistrar interface {
	CreateWebhook(ctx context.Context, tenantID string, req HookRequest) (RemoteHook, error)
	DeleteWebhook(ctx context.Context, tenantID, hookID string) error
}
