package pipesync

import (
	"encoding/json"
	"strings"
	"time"
)

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventSkipped    EventStatus = "skipped"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
	QueueParked     QueueStatus = "parked"
)

var queueStatuses = []QueueStatus{QueuePending, QueueProcessing, QueueCompleted, QueueFailed, QueueCancelled, QueueParked}

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Direction says which side a queue item mutates. Push items write to the
// CRM, pull items write to the local store.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

type ConflictType string

const (
	ConflictFieldMismatch   ConflictType = "field_mismatch"
	ConflictVersionMismatch ConflictType = "version_mismatch"
	ConflictRemoteDeleted   ConflictType = "remote_deleted"
)

type ResolutionPolicy string

const (
	ResolveUseLocal  ResolutionPolicy = "use_local"
	ResolveUseRemote ResolutionPolicy = "use_remote"
	ResolveMerge     ResolutionPolicy = "merge"
	ResolveIgnore    ResolutionPolicy = "ignore"
)

func ParseResolutionPolicy(raw string) (ResolutionPolicy, error) {
	switch policy := ResolutionPolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case ResolveUseLocal, ResolveUseRemote, ResolveMerge, ResolveIgnore:
		return policy, nil
	default:
		return "", invalidInputf("unknown resolution policy %q", raw)
	}
}

type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSynced    Outcome = "synced"
	OutcomeConflict  Outcome = "conflict"
)

type WebhookEvent struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	EventID       string         `json:"eventId"`
	Action        string         `json:"action"`
	Object        string         `json:"object"`
	ObjectID      string         `json:"objectId"`
	Current       map[string]any `json:"current,omitempty"`
	Previous      map[string]any `json:"previous,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	Status        EventStatus    `json:"status"`
	StatusReason  string         `json:"statusReason,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	RouteID       string         `json:"routeId,omitempty"`
	RetryCount    int            `json:"retryCount"`
	NextRetryAt   *time.Time     `json:"nextRetryAt,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	ProcessedAt   *time.Time     `json:"processedAt,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// EventStatusUpdate moves an event to a new status. Only the non-zero
// optional fields are written.
type EventStatusUpdate struct {
	TenantID     string
	ID           string
	Status       EventStatus
	StatusReason string
	LastError    string
	RouteID      string
	RetryCount   int
	NextRetryAt  *time.Time
	ProcessedAt  *time.Time
}

type SyncQueueItem struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Direction      Direction         `json:"direction"`
	Operation      Operation         `json:"operation"`
	EntityType     string            `json:"entityType"`
	LocalEntityID  string            `json:"localEntityId,omitempty"`
	RemoteID       string            `json:"remoteId,omitempty"`
	Payload        map[string]any    `json:"payload,omitempty"`
	FieldMappings  map[string]string `json:"fieldMappings,omitempty"`
	BaseSnapshot   map[string]any    `json:"baseSnapshot,omitempty"`
	RemoteVersion  string            `json:"remoteVersion,omitempty"`
	Priority       int               `json:"priority"`
	ScheduledAt    time.Time         `json:"scheduledAt"`
	Status         QueueStatus       `json:"status"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	LastError      string            `json:"lastError,omitempty"`
	SourceEventID  string            `json:"sourceEventId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	ConflictID     string            `json:"conflictId,omitempty"`
	LockID         string            `json:"lockId,omitempty"`
	Seq            int64             `json:"seq"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// EntityKey identifies the entity an item mutates. Items without a linked
// local id are keyed by their remote id so that two pull items for the same
// CRM record still serialize.
func (i SyncQueueItem) EntityKey() LockKey {
	id := strings.TrimSpace(i.LocalEntityID)
	if id == "" && strings.TrimSpace(i.RemoteID) != "" {
		id = "remote:" + strings.TrimSpace(i.RemoteID)
	}
	return LockKey{TenantID: i.TenantID, EntityType: i.EntityType, EntityID: id}
}

type LockKey struct {
	TenantID   string `json:"tenantId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (k LockKey) String() string {
	return k.TenantID + "/" + k.EntityType + "/" + k.EntityID
}

func (k LockKey) valid() bool {
	return strings.TrimSpace(k.TenantID) != "" && strings.TrimSpace(k.EntityType) != "" && strings.TrimSpace(k.EntityID) != ""
}

// SyncLock doubles as the token returned to the holder.
type SyncLock struct {
	ID         string     `json:"id"`
	Key        LockKey    `json:"key"`
	Mode       LockMode   `json:"mode"`
	Holder     string     `json:"holder"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

func (l SyncLock) activeAt(now time.Time) bool {
	return l.ReleasedAt == nil && now.Before(l.ExpiresAt)
}

type SyncConflict struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenantId"`
	QueueItemID       string           `json:"queueItemId"`
	EntityType        string           `json:"entityType"`
	LocalEntityID     string           `json:"localEntityId,omitempty"`
	RemoteID          string           `json:"remoteId,omitempty"`
	ConflictType      ConflictType     `json:"conflictType"`
	ConflictingFields []string         `json:"conflictingFields,omitempty"`
	LocalSnapshot     map[string]any   `json:"localSnapshot,omitempty"`
	RemoteSnapshot    map[string]any   `json:"remoteSnapshot,omitempty"`
	BaseSnapshot      map[string]any   `json:"baseSnapshot,omitempty"`
	Status            ConflictStatus   `json:"status"`
	Resolution        ResolutionPolicy `json:"resolution,omitempty"`
	ResolvedSnapshot  map[string]any   `json:"resolvedSnapshot,omitempty"`
	ResolvedBy        string           `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

type SyncMetrics struct {
	TenantID        string  `json:"tenantId"`
	Day             string  `json:"day"`
	EntityType      string  `json:"entityType"`
	EventsReceived  int64   `json:"eventsReceived"`
	EventsProcessed int64   `json:"eventsProcessed"`
	EventsFailed    int64   `json:"eventsFailed"`
	EventsSkipped   int64   `json:"eventsSkipped"`
	SyncOperations  int64   `json:"syncOperations"`
	Conflicts       int64   `json:"conflicts"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	LatencySamples  int64   `json:"latencySamples"`
}

// MetricDelta is one observation folded into the day's rollup row.
type MetricDelta struct {
	TenantID   string
	Day        string
	EntityType string
	Outcome    Outcome
	LatencyMs  float64
}

type WebhookHealthStatus struct {
	TenantID            string     `json:"tenantId"`
	LastEventAt         *time.Time `json:"lastEventAt,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	LastErrorMessage    string     `json:"lastErrorMessage,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	// SyncFailures counts consecutive failed queue items only. It is what
	// pauses queue processing; intake failures never touch it.
	SyncFailures    int        `json:"syncFailures"`
	LastSyncErrorAt *time.Time `json:"lastSyncErrorAt,omitempty"`
	IsHealthy       bool       `json:"isHealthy"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// HealthObservation is applied to the health row in a single upsert.
type HealthObservation struct {
	TenantID  string
	At        time.Time
	Success   bool
	EventSeen bool
	// Intake marks observations about webhook delivery rather than queue
	// processing.
	Intake       bool
	ErrorMessage string
	Threshold    int
}

type EntitySnapshot struct {
	TenantID      string         `json:"tenantId"`
	EntityType    string         `json:"entityType"`
	LocalEntityID string         `json:"localEntityId"`
	RemoteID      string         `json:"remoteId,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Version       string         `json:"version,omitempty"`
	SyncedAt      time.Time      `json:"syncedAt"`
}

type LocalEntity struct {
	TenantID   string         `json:"tenantId"`
	EntityType string         `json:"entityType"`
	LocalID    string         `json:"localId"`
	RemoteID   string         `json:"remoteId,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type RemoteEntity struct {
	ID      string         `json:"id"`
	Fields  map[string]any `json:"fields,omitempty"`
	Version string         `json:"version,omitempty"`
}

type WebhookRoute struct {
	ID                   string           `json:"id" yaml:"id"`
	TenantID             string           `json:"tenantId" yaml:"tenant_id"`
	Name                 string           `json:"name" yaml:"name"`
	Action               string           `json:"action" yaml:"action"`
	Object               string           `json:"object" yaml:"object"`
	Priority             int              `json:"priority" yaml:"priority"`
	Active               bool             `json:"active" yaml:"active"`
	Conditions           []RouteCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression           string           `json:"expression,omitempty" yaml:"expression,omitempty"`
	HandlerConfig        json.RawMessage  `json:"handlerConfig" yaml:"-"`
	MaxExecutions        int              `json:"maxExecutions,omitempty" yaml:"max_executions,omitempty"`
	ExecutionWindowHours int              `json:"executionWindowHours,omitempty" yaml:"execution_window_hours,omitempty"`
	UpdatedAt            time.Time        `json:"updatedAt" yaml:"-"`
}

type RouteCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"op" yaml:"op"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

type WebhookSubscription struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	RemoteHookID    string     `json:"remoteHookId,omitempty"`
	EventAction     string     `json:"eventAction"`
	EventObject     string     `json:"eventObject"`
	SubscriptionURL string     `json:"subscriptionUrl"`
	CompanyID       string     `json:"companyId,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"createdAt"`
	DeactivatedAt   *time.Time `json:"deactivatedAt,omitempty"`
}

type WebhookSecret struct {
	TenantID          string     `json:"tenantId"`
	Current           string     `json:"current"`
	Previous          string     `json:"previous,omitempty"`
	PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
	RotatedAt         time.Time  `json:"rotatedAt"`
}

type Page struct {
	Cursor string
	Limit  int
}

type QueueFilter struct {
	TenantID string
	Status   QueueStatus
	Page
}

type QueueFeed struct {
	Items      []SyncQueueItem `json:"items"`
	NextCursor *string         `json:"nextCursor"`
}

type ConflictFilter struct {
	TenantID string
	Status   ConflictStatus
	Page
}

type ConflictFeed struct {
	Items      []SyncConflict `json:"items"`
	NextCursor *string        `json:"nextCursor"`
}

// ClaimRequest asks the repository to atomically pick the next eligible
// item for a tenant and lock its entity key.
type ClaimRequest struct {
	TenantID string
	Holder   string
	Lease    time.Duration
	Now      time.Time
	LockID   string
}

type LockRequest struct {
	ID     string
	Key    LockKey
	Mode   LockMode
	Holder string
	Lease  time.Duration
	Now    time.Time
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
