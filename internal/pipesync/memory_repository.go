package pipesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPageLimit = 50

type memoryState struct {
	Events        map[string]WebhookEvent        `json:"events"`
	EventIndex    map[string]string              `json:"eventIndex"`
	Items         map[string]SyncQueueItem       `json:"items"`
	ItemKeys      map[string]string              `json:"itemKeys"`
	Seq           int64                          `json:"seq"`
	Locks         map[string]SyncLock            `json:"locks"`
	Conflicts     map[string]SyncConflict        `json:"conflicts"`
	Snapshots     map[string]EntitySnapshot      `json:"snapshots"`
	Metrics       map[string]SyncMetrics         `json:"metrics"`
	Health        map[string]WebhookHealthStatus `json:"health"`
	Routes        map[string]WebhookRoute        `json:"routes"`
	Subscriptions map[string]WebhookSubscription `json:"subscriptions"`
	Secrets       map[string]WebhookSecret       `json:"secrets"`
	Entities      map[string]LocalEntity         `json:"entities"`
}

func newMemoryState() *memoryState {
	return &memoryState{
		Events:        map[string]WebhookEvent{},
		EventIndex:    map[string]string{},
		Items:         map[string]SyncQueueItem{},
		ItemKeys:      map[string]string{},
		Locks:         map[string]SyncLock{},
		Conflicts:     map[string]SyncConflict{},
		Snapshots:     map[string]EntitySnapshot{},
		Metrics:       map[string]SyncMetrics{},
		Health:        map[string]WebhookHealthStatus{},
		Routes:        map[string]WebhookRoute{},
		Subscriptions: map[string]WebhookSubscription{},
		Secrets:       map[string]WebhookSecret{},
		Entities:      map[string]LocalEntity{},
	}
}

// MemoryRepository keeps all state in process. With a path it snapshots the
// whole state to a JSON file after every mutation.
type MemoryRepository struct {
	mu    sync.Mutex
	path  string
	state *memoryState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

func NewFileRepository(path string) (*MemoryRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	r := &MemoryRepository{path: path, state: newMemoryState()}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MemoryRepository) Backend() string {
	if r.path != "" {
		return "file"
	}
	return "memory"
}

func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	loaded := newMemoryState()
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}
	fillMemoryState(loaded)
	r.state = loaded
	return nil
}

func fillMemoryState(s *memoryState) {
	fresh := newMemoryState()
	if s.Events == nil {
		s.Events = fresh.Events
	}
	if s.EventIndex == nil {
		s.EventIndex = fresh.EventIndex
	}
	if s.Items == nil {
		s.Items = fresh.Items
	}
	if s.ItemKeys == nil {
		s.ItemKeys = fresh.ItemKeys
	}
	if s.Locks == nil {
		s.Locks = fresh.Locks
	}
	if s.Conflicts == nil {
		s.Conflicts = fresh.Conflicts
	}
	if s.Snapshots == nil {
		s.Snapshots = fresh.Snapshots
	}
	if s.Metrics == nil {
		s.Metrics = fresh.Metrics
	}
	if s.Health == nil {
		s.Health = fresh.Health
	}
	if s.Routes == nil {
		s.Routes = fresh.Routes
	}
	if s.Subscriptions == nil {
		s.Subscriptions = fresh.Subscriptions
	}
	if s.Secrets == nil {
		s.Secrets = fresh.Secrets
	}
	if s.Entities == nil {
		s.Entities = fresh.Entities
	}
}

func (r *MemoryRepository) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.Marshal(r.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func compositeKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// events

func (r *MemoryRepository) InsertEvent(_ context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	if strings.TrimSpace(event.TenantID) == "" || strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.ID) == "" {
		return WebhookEvent{}, false, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	indexKey := compositeKey(event.TenantID, event.EventID)
	if existingID, ok := r.state.EventIndex[indexKey]; ok {
		return cloneEvent(r.state.Events[existingID]), false, nil
	}
	r.state.Events[event.ID] = cloneEvent(event)
	r.state.EventIndex[indexKey] = event.ID
	if err := r.saveLocked(); err != nil {
		delete(r.state.Events, event.ID)
		delete(r.state.EventIndex, indexKey)
		return WebhookEvent{}, false, err
	}
	return cloneEvent(event), true, nil
}

func (r *MemoryRepository) GetEvent(_ context.Context, tenantID, id string) (WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.state.Events[id]
	if !ok || event.TenantID != tenantID {
		return WebhookEvent{}, ErrNotFound
	}
	return cloneEvent(event), nil
}

func (r *MemoryRepository) UpdateEventStatus(_ context.Context, update EventStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.state.Events[update.ID]
	if !ok || event.TenantID != update.TenantID {
		return ErrNotFound
	}
	event = applyEventStatusUpdate(event, update)
	r.state.Events[update.ID] = event
	return r.saveLocked()
}

func applyEventStatusUpdate(event WebhookEvent, update EventStatusUpdate) WebhookEvent {
	event.Status = update.Status
	event.StatusReason = update.StatusReason
	event.LastError = update.LastError
	if update.RouteID != "" {
		event.RouteID = update.RouteID
	}
	event.RetryCount = update.RetryCount
	event.NextRetryAt = update.NextRetryAt
	if update.ProcessedAt != nil {
		event.ProcessedAt = update.ProcessedAt
	}
	return event
}

func (r *MemoryRepository) ListPendingEvents(_ context.Context, dueBefore time.Time, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WebhookEvent, 0)
	for _, event := range r.state.Events {
		if event.Status != EventPending && event.Status != EventProcessing {
			continue
		}
		if event.ReceivedAt.After(dueBefore) {
			continue
		}
		if event.NextRetryAt != nil && event.NextRetryAt.After(dueBefore) {
			continue
		}
		out = append(out, cloneEvent(event))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// queue

func (r *MemoryRepository) InsertQueueItem(_ context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.TenantID) == "" {
		return SyncQueueItem{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idemKey := ""
	if item.IdempotencyKey != "" {
		idemKey = compositeKey(item.TenantID, item.IdempotencyKey)
		if existingID, ok := r.state.ItemKeys[idemKey]; ok {
			if existing, found := r.state.Items[existingID]; found {
				return cloneItem(existing), nil
			}
		}
	}
	r.state.Seq++
	item.Seq = r.state.Seq
	r.state.Items[item.ID] = cloneItem(item)
	if idemKey != "" {
		r.state.ItemKeys[idemKey] = item.ID
	}
	if err := r.saveLocked(); err != nil {
		delete(r.state.Items, item.ID)
		if idemKey != "" {
			delete(r.state.ItemKeys, idemKey)
		}
		return SyncQueueItem{}, err
	}
	return cloneItem(item), nil
}

func (r *MemoryRepository) GetQueueItem(_ context.Context, tenantID, id string) (SyncQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.state.Items[id]
	if !ok || item.TenantID != tenantID {
		return SyncQueueItem{}, ErrNotFound
	}
	return cloneItem(item), nil
}

func (r *MemoryRepository) SaveQueueItem(_ context.Context, item SyncQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.state.Items[item.ID]
	if !ok || existing.TenantID != item.TenantID {
		return ErrNotFound
	}
	item.Seq = existing.Seq
	r.state.Items[item.ID] = cloneItem(item)
	return r.saveLocked()
}

func (r *MemoryRepository) SaveClaimedQueueItem(_ context.Context, item SyncQueueItem, lockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.state.Items[item.ID]
	if !ok || existing.TenantID != item.TenantID {
		return ErrNotFound
	}
	if existing.Status != QueueProcessing || lockID == "" || existing.LockID != lockID {
		return ErrLockLost
	}
	item.Seq = existing.Seq
	r.state.Items[item.ID] = cloneItem(item)
	return r.saveLocked()
}

func (r *MemoryRepository) ClaimQueueItem(_ context.Context, req ClaimRequest) (SyncQueueItem, SyncLock, bool, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.LockID) == "" || req.Lease <= 0 {
		return SyncQueueItem{}, SyncLock{}, false, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	heads := map[string]SyncQueueItem{}
	busy := map[string]bool{}
	for _, item := range r.state.Items {
		if item.TenantID != req.TenantID {
			continue
		}
		key := item.EntityKey().String()
		if item.Status == QueueProcessing {
			busy[key] = true
			continue
		}
		if item.Status != QueuePending || item.ScheduledAt.After(req.Now) {
			continue
		}
		if head, ok := heads[key]; !ok || scheduledBefore(item, head) {
			heads[key] = item
		}
	}
	candidates := make([]SyncQueueItem, 0, len(heads))
	for key, head := range heads {
		if busy[key] {
			continue
		}
		if _, held := r.conflictingLockLocked(head.EntityKey(), LockExclusive, req.Now); held {
			continue
		}
		candidates = append(candidates, head)
	}
	if len(candidates) == 0 {
		return SyncQueueItem{}, SyncLock{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return claimBefore(candidates[i], candidates[j])
	})
	chosen := candidates[0]
	lock := SyncLock{
		ID:         req.LockID,
		Key:        chosen.EntityKey(),
		Mode:       LockExclusive,
		Holder:     req.Holder,
		AcquiredAt: req.Now,
		ExpiresAt:  req.Now.Add(req.Lease),
	}
	previous := chosen
	chosen.Status = QueueProcessing
	chosen.LockID = lock.ID
	chosen.StartedAt = timePtr(req.Now)
	chosen.UpdatedAt = req.Now
	r.state.Locks[lock.ID] = lock
	r.state.Items[chosen.ID] = chosen
	if err := r.saveLocked(); err != nil {
		delete(r.state.Locks, lock.ID)
		r.state.Items[previous.ID] = previous
		return SyncQueueItem{}, SyncLock{}, false, err
	}
	return cloneItem(chosen), lock, true, nil
}

// scheduledBefore orders items of one entity key: FIFO by schedule, then by
// insertion.
func scheduledBefore(a, b SyncQueueItem) bool {
	if a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.Seq < b.Seq
	}
	return a.ScheduledAt.Before(b.ScheduledAt)
}

// claimBefore orders eligible heads across entity keys.
func claimBefore(a, b SyncQueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return scheduledBefore(a, b)
}

func (r *MemoryRepository) ListQueueItems(_ context.Context, filter QueueFilter) (QueueFeed, error) {
	r.mu.Lock()
	items := make([]SyncQueueItem, 0)
	for _, item := range r.state.Items {
		if item.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		items = append(items, cloneItem(item))
	}
	r.mu.Unlock()
	sort.Slice(items, func(i, j int) bool {
		return items[i].Seq < items[j].Seq
	})
	page, next, err := paginate(items, func(item SyncQueueItem) string { return item.ID }, filter.Page)
	if err != nil {
		return QueueFeed{}, err
	}
	return QueueFeed{Items: page, NextCursor: next}, nil
}

func (r *MemoryRepository) CountQueueItems(_ context.Context, tenantID string) (map[QueueStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := emptyQueueCounts()
	for _, item := range r.state.Items {
		if item.TenantID == tenantID {
			counts[item.Status]++
		}
	}
	return counts, nil
}

func emptyQueueCounts() map[QueueStatus]int {
	counts := make(map[QueueStatus]int, len(queueStatuses))
	for _, status := range queueStatuses {
		counts[status] = 0
	}
	return counts
}

func (r *MemoryRepository) ListTenantsWithDueItems(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	for _, item := range r.state.Items {
		if item.Status == QueuePending && !item.ScheduledAt.After(now) {
			seen[item.TenantID] = struct{}{}
		}
	}
	tenants := make([]string, 0, len(seen))
	for tenantID := range seen {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (r *MemoryRepository) RequeueStaleItems(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, item := range r.state.Items {
		if item.Status != QueueProcessing {
			continue
		}
		if lock, ok := r.state.Locks[item.LockID]; ok && lock.activeAt(now) {
			continue
		}
		item.Status = QueuePending
		item.LockID = ""
		item.StartedAt = nil
		item.UpdatedAt = now
		r.state.Items[id] = item
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return count, r.saveLocked()
}

func (r *MemoryRepository) ListFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]SyncQueueItem, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncQueueItem, 0)
	for _, item := range r.state.Items {
		if item.Status != QueueCompleted && item.Status != QueueCancelled {
			continue
		}
		if !item.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteQueueItems(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		item, ok := r.state.Items[id]
		if !ok {
			continue
		}
		if item.IdempotencyKey != "" {
			delete(r.state.ItemKeys, compositeKey(item.TenantID, item.IdempotencyKey))
		}
		delete(r.state.Items, id)
	}
	return r.saveLocked()
}

// locks

func (r *MemoryRepository) conflictingLockLocked(key LockKey, mode LockMode, now time.Time) (SyncLock, bool) {
	for _, lock := range r.state.Locks {
		if lock.Key != key || !lock.activeAt(now) {
			continue
		}
		if mode == LockExclusive || lock.Mode == LockExclusive {
			return lock, true
		}
	}
	return SyncLock{}, false
}

func (r *MemoryRepository) AcquireLock(_ context.Context, req LockRequest) (SyncLock, error) {
	if !req.Key.valid() || strings.TrimSpace(req.ID) == "" || req.Lease <= 0 {
		return SyncLock{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, busy := r.conflictingLockLocked(req.Key, req.Mode, req.Now); busy {
		return SyncLock{}, &LockContentionError{Key: req.Key, Holder: held.Holder}
	}
	lock := SyncLock{
		ID:         req.ID,
		Key:        req.Key,
		Mode:       req.Mode,
		Holder:     req.Holder,
		AcquiredAt: req.Now,
		ExpiresAt:  req.Now.Add(req.Lease),
	}
	r.state.Locks[lock.ID] = lock
	if err := r.saveLocked(); err != nil {
		delete(r.state.Locks, lock.ID)
		return SyncLock{}, err
	}
	return lock, nil
}

func (r *MemoryRepository) ReleaseLock(_ context.Context, lockID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.state.Locks[lockID]
	if !ok || lock.ReleasedAt != nil {
		return nil
	}
	lock.ReleasedAt = timePtr(now)
	r.state.Locks[lockID] = lock
	return r.saveLocked()
}

func (r *MemoryRepository) RenewLock(_ context.Context, lockID string, expiresAt, now time.Time) (SyncLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.state.Locks[lockID]
	if !ok || !lock.activeAt(now) {
		return SyncLock{}, ErrLockLost
	}
	lock.ExpiresAt = expiresAt
	r.state.Locks[lockID] = lock
	return lock, r.saveLocked()
}

func (r *MemoryRepository) PruneLocks(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, lock := range r.state.Locks {
		if (lock.ReleasedAt != nil && lock.ReleasedAt.Before(before)) || lock.ExpiresAt.Before(before) {
			delete(r.state.Locks, id)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, r.saveLocked()
}

// conflicts

func (r *MemoryRepository) InsertConflict(_ context.Context, conflict SyncConflict) error {
	if strings.TrimSpace(conflict.ID) == "" || strings.TrimSpace(conflict.TenantID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Conflicts[conflict.ID] = cloneConflict(conflict)
	return r.saveLocked()
}

func (r *MemoryRepository) GetConflict(_ context.Context, tenantID, id string) (SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflict, ok := r.state.Conflicts[id]
	if !ok || conflict.TenantID != tenantID {
		return SyncConflict{}, ErrNotFound
	}
	return cloneConflict(conflict), nil
}

func (r *MemoryRepository) FinishConflict(_ context.Context, conflict SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.Conflicts[conflict.ID]
	if !ok || stored.TenantID != conflict.TenantID {
		return ErrNotFound
	}
	if stored.Status != ConflictPending {
		return ErrInvalidState
	}
	r.state.Conflicts[conflict.ID] = cloneConflict(conflict)
	return r.saveLocked()
}

func (r *MemoryRepository) ListConflicts(_ context.Context, filter ConflictFilter) (ConflictFeed, error) {
	r.mu.Lock()
	conflicts := make([]SyncConflict, 0)
	for _, conflict := range r.state.Conflicts {
		if conflict.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && conflict.Status != filter.Status {
			continue
		}
		conflicts = append(conflicts, cloneConflict(conflict))
	}
	r.mu.Unlock()
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].CreatedAt.Equal(conflicts[j].CreatedAt) {
			return conflicts[i].ID < conflicts[j].ID
		}
		return conflicts[i].CreatedAt.Before(conflicts[j].CreatedAt)
	})
	page, next, err := paginate(conflicts, func(c SyncConflict) string { return c.ID }, filter.Page)
	if err != nil {
		return ConflictFeed{}, err
	}
	return ConflictFeed{Items: page, NextCursor: next}, nil
}

// snapshots

func (r *MemoryRepository) GetSnapshot(_ context.Context, tenantID, entityType, localEntityID string) (EntitySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot, ok := r.state.Snapshots[compositeKey(tenantID, entityType, localEntityID)]
	if !ok {
		return EntitySnapshot{}, ErrNotFound
	}
	snapshot.Fields = cloneMap(snapshot.Fields)
	return snapshot, nil
}

func (r *MemoryRepository) PutSnapshot(_ context.Context, snapshot EntitySnapshot) error {
	if strings.TrimSpace(snapshot.TenantID) == "" || strings.TrimSpace(snapshot.LocalEntityID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot.Fields = cloneMap(snapshot.Fields)
	r.state.Snapshots[compositeKey(snapshot.TenantID, snapshot.EntityType, snapshot.LocalEntityID)] = snapshot
	return r.saveLocked()
}

// metrics and health

func (r *MemoryRepository) RecordMetric(_ context.Context, delta MetricDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := compositeKey(delta.TenantID, delta.Day, delta.EntityType)
	row, ok := r.state.Metrics[key]
	if !ok {
		row = SyncMetrics{TenantID: delta.TenantID, Day: delta.Day, EntityType: delta.EntityType}
	}
	r.state.Metrics[key] = applyMetricDelta(row, delta)
	return r.saveLocked()
}

func (r *MemoryRepository) ListMetrics(_ context.Context, tenantID, sinceDay string) ([]SyncMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncMetrics, 0)
	for _, row := range r.state.Metrics {
		if row.TenantID != tenantID || row.Day < sinceDay {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].EntityType < out[j].EntityType
	})
	return out, nil
}

func (r *MemoryRepository) ObserveHealth(_ context.Context, observation HealthObservation) (WebhookHealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.state.Health[observation.TenantID]
	if !ok {
		current = WebhookHealthStatus{TenantID: observation.TenantID, IsHealthy: true}
	}
	next := applyHealthObservation(current, observation)
	r.state.Health[observation.TenantID] = next
	return next, r.saveLocked()
}

func (r *MemoryRepository) GetHealth(_ context.Context, tenantID string) (WebhookHealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.state.Health[tenantID]
	if !ok {
		return WebhookHealthStatus{TenantID: tenantID, IsHealthy: true}, nil
	}
	return status, nil
}

// routes

func (r *MemoryRepository) ListRoutes(_ context.Context, tenantID string) ([]WebhookRoute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WebhookRoute, 0)
	for _, route := range r.state.Routes {
		if route.TenantID == tenantID {
			out = append(out, route)
		}
	}
	sortRoutes(out)
	return out, nil
}

func (r *MemoryRepository) PutRoute(_ context.Context, route WebhookRoute) error {
	if strings.TrimSpace(route.ID) == "" || strings.TrimSpace(route.TenantID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Routes[compositeKey(route.TenantID, route.ID)] = route
	return r.saveLocked()
}

func (r *MemoryRepository) DeleteRoute(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := compositeKey(tenantID, id)
	if _, ok := r.state.Routes[key]; !ok {
		return ErrNotFound
	}
	delete(r.state.Routes, key)
	return r.saveLocked()
}

func (r *MemoryRepository) ReplaceRoutes(_ context.Context, tenantID string, routes []WebhookRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, route := range r.state.Routes {
		if route.TenantID == tenantID {
			delete(r.state.Routes, key)
		}
	}
	for _, route := range routes {
		route.TenantID = tenantID
		r.state.Routes[compositeKey(tenantID, route.ID)] = route
	}
	return r.saveLocked()
}

// subscriptions and secrets

func (r *MemoryRepository) InsertSubscription(_ context.Context, sub WebhookSubscription) error {
	if strings.TrimSpace(sub.ID) == "" || strings.TrimSpace(sub.TenantID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Subscriptions[sub.ID] = sub
	return r.saveLocked()
}

func (r *MemoryRepository) GetSubscription(_ context.Context, tenantID, id string) (WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.state.Subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return WebhookSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (r *MemoryRepository) SaveSubscription(_ context.Context, sub WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.state.Subscriptions[sub.ID]
	if !ok || existing.TenantID != sub.TenantID {
		return ErrNotFound
	}
	r.state.Subscriptions[sub.ID] = sub
	return r.saveLocked()
}

func (r *MemoryRepository) ListSubscriptions(_ context.Context, tenantID string) ([]WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WebhookSubscription, 0)
	for _, sub := range r.state.Subscriptions {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) FindTenantByCompanyID(_ context.Context, companyID string) (string, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return "", ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.state.Subscriptions {
		if sub.Active && sub.CompanyID == companyID {
			return sub.TenantID, nil
		}
	}
	return "", ErrNotFound
}

func (r *MemoryRepository) GetWebhookSecret(_ context.Context, tenantID string) (WebhookSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	secret, ok := r.state.Secrets[tenantID]
	if !ok {
		return WebhookSecret{}, ErrNotFound
	}
	return secret, nil
}

func (r *MemoryRepository) PutWebhookSecret(_ context.Context, secret WebhookSecret) error {
	if strings.TrimSpace(secret.TenantID) == "" || strings.TrimSpace(secret.Current) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Secrets[secret.TenantID] = secret
	return r.saveLocked()
}

// local entities

func (r *MemoryRepository) GetEntity(_ context.Context, tenantID, entityType, localID string) (LocalEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.state.Entities[compositeKey(tenantID, entityType, localID)]
	if !ok {
		return LocalEntity{}, ErrNotFound
	}
	entity.Fields = cloneMap(entity.Fields)
	return entity, nil
}

func (r *MemoryRepository) FindEntityByRemoteID(_ context.Context, tenantID, entityType, remoteID string) (LocalEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.findEntityByRemoteIDLocked(tenantID, entityType, remoteID)
	if !ok {
		return LocalEntity{}, ErrNotFound
	}
	entity.Fields = cloneMap(entity.Fields)
	return entity, nil
}

func (r *MemoryRepository) findEntityByRemoteIDLocked(tenantID, entityType, remoteID string) (LocalEntity, bool) {
	if strings.TrimSpace(remoteID) == "" {
		return LocalEntity{}, false
	}
	for _, entity := range r.state.Entities {
		if entity.TenantID == tenantID && entity.EntityType == entityType && entity.RemoteID == remoteID {
			return entity, true
		}
	}
	return LocalEntity{}, false
}

func (r *MemoryRepository) UpsertEntity(_ context.Context, entity LocalEntity) (LocalEntity, error) {
	if strings.TrimSpace(entity.TenantID) == "" || strings.TrimSpace(entity.EntityType) == "" {
		return LocalEntity{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity.LocalID == "" {
		if existing, ok := r.findEntityByRemoteIDLocked(entity.TenantID, entity.EntityType, entity.RemoteID); ok {
			entity.LocalID = existing.LocalID
		} else {
			entity.LocalID = uuid.NewString()
		}
	}
	key := compositeKey(entity.TenantID, entity.EntityType, entity.LocalID)
	merged := entity
	if existing, ok := r.state.Entities[key]; ok {
		merged.Fields = mergeFields(existing.Fields, entity.Fields)
		if merged.RemoteID == "" {
			merged.RemoteID = existing.RemoteID
		}
	} else {
		merged.Fields = cloneMap(entity.Fields)
	}
	r.state.Entities[key] = merged
	if err := r.saveLocked(); err != nil {
		return LocalEntity{}, err
	}
	merged.Fields = cloneMap(merged.Fields)
	return merged, nil
}

func (r *MemoryRepository) DeleteEntity(_ context.Context, tenantID, entityType, localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state.Entities, compositeKey(tenantID, entityType, localID))
	return r.saveLocked()
}

func (r *MemoryRepository) UnlinkEntity(_ context.Context, tenantID, entityType, localID, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := compositeKey(tenantID, entityType, localID)
	entity, ok := r.state.Entities[key]
	if !ok || entity.RemoteID == "" || entity.RemoteID != remoteID {
		return nil
	}
	entity.RemoteID = ""
	r.state.Entities[key] = entity
	return r.saveLocked()
}

func mergeFields(base, overlay map[string]any) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range cloneMap(overlay) {
		out[k] = v
	}
	return out
}

func cloneEvent(event WebhookEvent) WebhookEvent {
	event.Current = cloneMap(event.Current)
	event.Previous = cloneMap(event.Previous)
	event.Meta = cloneMap(event.Meta)
	return event
}

func cloneItem(item SyncQueueItem) SyncQueueItem {
	item.Payload = cloneMap(item.Payload)
	item.FieldMappings = cloneStringMap(item.FieldMappings)
	item.BaseSnapshot = cloneMap(item.BaseSnapshot)
	return item
}

func cloneConflict(conflict SyncConflict) SyncConflict {
	conflict.LocalSnapshot = cloneMap(conflict.LocalSnapshot)
	conflict.RemoteSnapshot = cloneMap(conflict.RemoteSnapshot)
	conflict.BaseSnapshot = cloneMap(conflict.BaseSnapshot)
	conflict.ResolvedSnapshot = cloneMap(conflict.ResolvedSnapshot)
	conflict.ConflictingFields = append([]string(nil), conflict.ConflictingFields...)
	return conflict
}

func sortRoutes(routes []WebhookRoute) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority < routes[j].Priority
		}
		return routes[i].ID < routes[j].ID
	})
}

func paginate[T any](items []T, id func(T) string, page Page) ([]T, *string, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	start := 0
	if cursor := strings.TrimSpace(page.Cursor); cursor != "" {
		found := false
		for i, item := range items {
			if id(item) == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, nil, invalidInputf("invalid cursor")
		}
	}
	end := start + limit
	if end >= len(items) {
		return append([]T(nil), items[start:]...), nil, nil
	}
	next := id(items[end-1])
	return append([]T(nil), items[start:end]...), &next, nil
}

func applyMetricDelta(row SyncMetrics, delta MetricDelta) SyncMetrics {
	switch delta.Outcome {
	case OutcomeReceived:
		row.EventsReceived++
	case OutcomeProcessed:
		row.EventsProcessed++
	case OutcomeFailed:
		row.EventsFailed++
	case OutcomeSkipped:
		row.EventsSkipped++
	case OutcomeSynced:
		row.SyncOperations++
	case OutcomeConflict:
		row.Conflicts++
	}
	if delta.LatencyMs > 0 && (delta.Outcome == OutcomeProcessed || delta.Outcome == OutcomeSynced) {
		row.LatencySamples++
		row.AvgLatencyMs += (delta.LatencyMs - row.AvgLatencyMs) / float64(row.LatencySamples)
	}
	return row
}

func applyHealthObservation(current WebhookHealthStatus, observation HealthObservation) WebhookHealthStatus {
	at := observation.At
	if observation.EventSeen {
		current.LastEventAt = timePtr(at)
	}
	if observation.Success {
		current.ConsecutiveFailures = 0
		if !observation.Intake {
			current.SyncFailures = 0
		}
	} else {
		current.ConsecutiveFailures++
		current.LastErrorAt = timePtr(at)
		current.LastErrorMessage = observation.ErrorMessage
		if !observation.Intake {
			current.SyncFailures++
			current.LastSyncErrorAt = timePtr(at)
		}
	}
	threshold := observation.Threshold
	if threshold <= 0 {
		threshold = defaultHealthFailureThreshold
	}
	current.IsHealthy = current.ConsecutiveFailures < threshold && current.SyncFailures < threshold
	current.UpdatedAt = at
	return current
}
