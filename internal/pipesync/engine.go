package pipesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRouterWorkers       = 2
	defaultQueueWorkers        = 4
	defaultQueuePollInterval   = 500 * time.Millisecond
	defaultRemoteTimeout       = 15 * time.Second
	defaultMaintenanceInterval = 30 * time.Second
	defaultRetention           = 7 * 24 * time.Hour
	archiveBatchSize           = 200
	maxArchiveBatches          = 10
	pendingSweepLimit          = 500
	runOnceMaxClaims           = 10000
	autoResolver               = "auto"
)

// Archiver receives finished queue items before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, items []SyncQueueItem) error
}

type EngineOptions struct {
	Repository  Repository
	Remote      RemoteClient
	Inbox       EventInbox
	Broadcaster *Broadcaster
	Archiver    Archiver

	RouterWorkers       int
	QueueWorkers        int
	PollInterval        time.Duration
	Lease               time.Duration
	RemoteTimeout       time.Duration
	MaintenanceInterval time.Duration
	Retention           time.Duration
	RetryBase           time.Duration
	RetryMax            time.Duration
	MaxRetries          int
	FailureThreshold    int
	PauseCooldown       time.Duration
	AutoPolicies        map[string]ResolutionPolicy
	HolderID            string

	Now    func() time.Time
	Logger *zap.Logger
}

// Engine owns the worker pools that move events from the inbox through the
// router into the sync queue and apply queue items to either side.
type Engine struct {
	repo        Repository
	remote      RemoteClient
	inbox       EventInbox
	broadcaster *Broadcaster
	archiver    Archiver

	locks    *LockManager
	queue    *SyncQueue
	router   *EventRouter
	detector *ConflictDetector
	resolver *ConflictResolver
	metrics  *MetricsTracker
	receiver *WebhookReceiver

	routerWorkers       int
	queueWorkers        int
	pollInterval        time.Duration
	remoteTimeout       time.Duration
	maintenanceInterval time.Duration
	retention           time.Duration
	retryBase           time.Duration
	retryMax            time.Duration
	maxRetries          int
	holder              string

	now    func() time.Time
	logger *zap.Logger
}

// RunStats summarizes one RunOnce pass.
type RunStats struct {
	EventsRouted   int `json:"eventsRouted"`
	ItemsProcessed int `json:"itemsProcessed"`
	StaleRecovered int `json:"staleRecovered"`
	Archived       int `json:"archived"`
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Repository == nil {
		return nil, invalidInputf("engine requires a repository")
	}
	if opts.Remote == nil {
		return nil, invalidInputf("engine requires a remote client")
	}
	if opts.Inbox == nil {
		opts.Inbox = NewInMemoryInbox(defaultInboxCapacity)
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(0)
	}
	if opts.RouterWorkers <= 0 {
		opts.RouterWorkers = defaultRouterWorkers
	}
	if opts.QueueWorkers <= 0 {
		opts.QueueWorkers = defaultQueueWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultQueuePollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLockLease
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = defaultMaintenanceInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if strings.TrimSpace(opts.HolderID) == "" {
		opts.HolderID = defaultHolderID()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	repo := opts.Repository
	locks := NewLockManager(repo, LockManagerOptions{DefaultLease: opts.Lease, Now: opts.Now})
	queue := NewSyncQueue(repo, locks, QueueOptions{
		RetryBase:  opts.RetryBase,
		RetryMax:   opts.RetryMax,
		MaxRetries: opts.MaxRetries,
		Lease:      opts.Lease,
		Entities:   repo,
		Now:        opts.Now,
		Logger:     opts.Logger.Named("queue"),
	})
	metrics := NewMetricsTracker(repo, MetricsOptions{
		FailureThreshold: opts.FailureThreshold,
		PauseCooldown:    opts.PauseCooldown,
		Now:              opts.Now,
		Logger:           opts.Logger.Named("metrics"),
	})
	resolver := NewConflictResolver(repo, repo, repo, queue, ConflictResolverOptions{
		AutoPolicies: opts.AutoPolicies,
		Now:          opts.Now,
		Logger:       opts.Logger.Named("conflicts"),
	})
	receiver := NewWebhookReceiver(repo, repo, opts.Inbox, metrics, ReceiverOptions{
		Now:         opts.Now,
		Logger:      opts.Logger.Named("receiver"),
		Broadcaster: opts.Broadcaster,
	})
	return &Engine{
		repo:                repo,
		remote:              opts.Remote,
		inbox:               opts.Inbox,
		broadcaster:         opts.Broadcaster,
		archiver:            opts.Archiver,
		locks:               locks,
		queue:               queue,
		router:              NewEventRouter(repo, queue, NewExecutionLimiter(opts.Now), opts.Logger.Named("router")),
		detector:            NewConflictDetector(opts.Now),
		resolver:            resolver,
		metrics:             metrics,
		receiver:            receiver,
		routerWorkers:       opts.RouterWorkers,
		queueWorkers:        opts.QueueWorkers,
		pollInterval:        opts.PollInterval,
		remoteTimeout:       opts.RemoteTimeout,
		maintenanceInterval: opts.MaintenanceInterval,
		retention:           opts.Retention,
		retryBase:           opts.RetryBase,
		retryMax:            opts.RetryMax,
		maxRetries:          opts.MaxRetries,
		holder:              opts.HolderID,
		now:                 opts.Now,
		logger:              opts.Logger,
	}, nil
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pipesync"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func (e *Engine) Receiver() *WebhookReceiver  { return e.receiver }
func (e *Engine) Queue() *SyncQueue           { return e.queue }
func (e *Engine) Locks() *LockManager         { return e.locks }
func (e *Engine) Resolver() *ConflictResolver { return e.resolver }
func (e *Engine) Metrics() *MetricsTracker    { return e.metrics }
func (e *Engine) Broadcaster() *Broadcaster   { return e.broadcaster }
func (e *Engine) Repository() Repository      { return e.repo }
func (e *Engine) Inbox() EventInbox           { return e.inbox }
func (e *Engine) Detector() *ConflictDetector { return e.detector }
func (e *Engine) Router() *EventRouter        { return e.router }

// Run starts the router, queue and maintenance loops and blocks until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.routerWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.routerLoop(ctx)
		}()
	}
	for i := 0; i < e.queueWorkers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			e.queueLoop(ctx, index)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.maintenanceLoop(ctx)
	}()
	e.logger.Info("sync_engine_started",
		zap.Int("router_workers", e.routerWorkers),
		zap.Int("queue_workers", e.queueWorkers),
		zap.String("holder", e.holder),
	)
	wg.Wait()
	e.logger.Info("sync_engine_stopped")
	return nil
}

// RunOnce routes every pending event and drains every due queue item
// synchronously.
func (e *Engine) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats
	recovered, err := e.queue.RecoverStale(ctx)
	if err != nil {
		return stats, err
	}
	stats.StaleRecovered = recovered

	events, err := e.repo.ListPendingEvents(ctx, e.now().UTC(), pendingSweepLimit)
	if err != nil {
		return stats, err
	}
	for _, event := range events {
		routed, err := e.ProcessEvent(ctx, event.TenantID, event.ID)
		if err != nil {
			return stats, err
		}
		if routed {
			stats.EventsRouted++
		}
	}

	for stats.ItemsProcessed < runOnceMaxClaims {
		tenants, err := e.queue.DueTenants(ctx)
		if err != nil {
			return stats, err
		}
		progressed := false
		for _, tenantID := range tenants {
			ok, err := e.ProcessNext(ctx, tenantID)
			if err != nil {
				return stats, err
			}
			if ok {
				progressed = true
				stats.ItemsProcessed++
			}
		}
		if !progressed {
			break
		}
	}

	archived, err := e.archiveFinished(ctx)
	stats.Archived = archived
	return stats, err
}

func (e *Engine) routerLoop(ctx context.Context) {
	for {
		entry, ok := e.inbox.Dequeue(ctx)
		if !ok {
			return
		}
		if _, err := e.ProcessEvent(ctx, entry.TenantID, entry.EventID); err != nil && ctx.Err() == nil {
			e.logger.Error("webhook_event_process_failed",
				zap.String("tenant_id", entry.TenantID),
				zap.String("event_id", entry.EventID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) queueLoop(ctx context.Context, index int) {
	for ctx.Err() == nil {
		progressed := false
		tenants, err := e.queue.DueTenants(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("queue_due_tenants_failed", zap.Error(err))
		}
		for i := range tenants {
			tenantID := tenants[(i+index)%len(tenants)]
			ok, err := e.ProcessNext(ctx, tenantID)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("queue_process_failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
			progressed = progressed || ok
		}
		if progressed {
			continue
		}
		if err := sleepContext(ctx, e.pollInterval); err != nil {
			return
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Maintain(ctx)
		}
	}
}

// Maintain runs one pass of stale-item recovery, lock pruning, the pending
// event sweep and the retention archive. Failures are logged.
func (e *Engine) Maintain(ctx context.Context) {
	if _, err := e.queue.RecoverStale(ctx); err != nil {
		e.logger.Warn("maintenance_recover_stale_failed", zap.Error(err))
	}
	if pruned, err := e.locks.Prune(ctx, e.queue.Lease()); err != nil {
		e.logger.Warn("maintenance_prune_locks_failed", zap.Error(err))
	} else if pruned > 0 {
		e.logger.Debug("maintenance_locks_pruned", zap.Int("count", pruned))
	}
	e.sweepPendingEvents(ctx)
	if _, err := e.archiveFinished(ctx); err != nil {
		e.logger.Warn("maintenance_archive_failed", zap.Error(err))
	}
}

// sweepPendingEvents re-enqueues events that never reached the inbox or
// whose router crashed mid-flight. Only events older than one maintenance
// interval are considered.
func (e *Engine) sweepPendingEvents(ctx context.Context) {
	cutoff := e.now().UTC().Add(-e.maintenanceInterval)
	events, err := e.repo.ListPendingEvents(ctx, cutoff, pendingSweepLimit)
	if err != nil {
		e.logger.Warn("maintenance_pending_sweep_failed", zap.Error(err))
		return
	}
	requeued := 0
	for _, event := range events {
		if !e.inbox.TryEnqueue(InboxEntry{TenantID: event.TenantID, EventID: event.ID}) {
			break
		}
		requeued++
	}
	if requeued > 0 {
		e.logger.Info("maintenance_pending_events_requeued", zap.Int("count", requeued))
	}
}

func (e *Engine) archiveFinished(ctx context.Context) (int, error) {
	cutoff := e.now().UTC().Add(-e.retention)
	total := 0
	for batch := 0; batch < maxArchiveBatches; batch++ {
		items, err := e.repo.ListFinishedBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			return total, nil
		}
		if e.archiver != nil {
			if err := e.archiver.Archive(ctx, items); err != nil {
				return total, fmt.Errorf("archive queue items: %w", err)
			}
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		if err := e.repo.DeleteQueueItems(ctx, ids); err != nil {
			return total, err
		}
		total += len(items)
		if len(items) < archiveBatchSize {
			break
		}
	}
	if total > 0 {
		e.logger.Info("queue_items_archived", zap.Int("count", total), zap.Bool("uploaded", e.archiver != nil))
	}
	return total, nil
}

// ProcessEvent routes one stored event. routed is false when the event was
// already handled or skipped.
func (e *Engine) ProcessEvent(ctx context.Context, tenantID, id string) (bool, error) {
	event, err := e.repo.GetEvent(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if event.Status != EventPending && event.Status != EventProcessing {
		return false, nil
	}
	if err := e.repo.UpdateEventStatus(ctx, EventStatusUpdate{
		TenantID: tenantID, ID: id, Status: EventProcessing, RetryCount: event.RetryCount,
	}); err != nil {
		return false, err
	}

	result, routeErr := e.router.Route(ctx, event)
	now := e.now().UTC()
	latency := now.Sub(event.ReceivedAt)
	update := EventStatusUpdate{TenantID: tenantID, ID: id, RetryCount: event.RetryCount, ProcessedAt: timePtr(now)}
	notice := SyncEvent{TenantID: tenantID, EventID: id, EntityType: event.Object, At: now}

	switch {
	case routeErr == nil:
		update.Status = EventCompleted
		update.RouteID = result.Route.ID
		notice.Type = SyncEventRouted
		e.recordOutcome(ctx, tenantID, event.Object, OutcomeProcessed, latency)
	case errors.Is(routeErr, ErrRouteNotFound), errors.Is(routeErr, ErrRateLimited):
		update.Status = EventSkipped
		update.StatusReason = "no_route"
		if errors.Is(routeErr, ErrRateLimited) {
			update.StatusReason = "rate_limited"
			update.RouteID = result.Route.ID
		}
		notice.Type = SyncEventSkipped
		notice.Message = update.StatusReason
		e.recordOutcome(ctx, tenantID, event.Object, OutcomeSkipped, latency)
	case errors.Is(routeErr, ErrMalformedRouteConfig):
		update.Status = EventFailed
		update.LastError = routeErr.Error()
		update.RouteID = result.Route.ID
		notice.Type = SyncEventFailed
		notice.Message = routeErr.Error()
		e.recordFailure(ctx, tenantID, event.Object, routeErr, latency)
	default:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		update.LastError = routeErr.Error()
		update.ProcessedAt = nil
		if event.RetryCount < e.maxRetries {
			update.Status = EventPending
			update.RetryCount = event.RetryCount + 1
			update.NextRetryAt = timePtr(now.Add(backoffDuration(e.retryBase, e.retryMax, event.RetryCount)))
			notice.Type = ""
		} else {
			update.Status = EventFailed
			update.ProcessedAt = timePtr(now)
			notice.Type = SyncEventFailed
			notice.Message = routeErr.Error()
			e.recordFailure(ctx, tenantID, event.Object, routeErr, latency)
		}
	}

	if err := e.repo.UpdateEventStatus(context.WithoutCancel(ctx), update); err != nil {
		return false, err
	}
	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("event_id", event.EventID),
		zap.String("status", string(update.Status)),
	}
	switch update.Status {
	case EventCompleted:
		e.logger.Info("webhook_event_routed", append(fields, zap.String("route_id", update.RouteID), zap.Int("items", len(result.Items)))...)
	case EventSkipped:
		e.logger.Info("webhook_event_skipped", append(fields, zap.String("reason", update.StatusReason))...)
	default:
		e.logger.Warn("webhook_event_route_failed", append(fields, zap.Int("retry_count", update.RetryCount), zap.Error(routeErr))...)
	}
	if notice.Type != "" {
		e.broadcaster.Publish(notice)
	}
	return update.Status == EventCompleted, nil
}

type applyResult struct {
	remoteID string
	conflict *SyncConflict
	stale    bool
}

// ProcessNext claims and applies at most one item of the tenant. ok is
// false when nothing was claimed.
func (e *Engine) ProcessNext(ctx context.Context, tenantID string) (bool, error) {
	paused, err := e.metrics.Paused(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if paused {
		return false, nil
	}
	claim, ok, err := e.queue.DequeueNext(ctx, tenantID, e.holder)
	if err != nil || !ok {
		return false, err
	}
	started := e.now()

	applyCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		e.renewLease(applyCtx, claim.Lock, cancel, lost)
	}()
	result, applyErr := e.apply(applyCtx, &claim)
	cancel()
	<-renewDone

	select {
	case <-lost:
		e.logLockLost(claim)
		return true, nil
	default:
	}

	finishCtx := context.WithoutCancel(ctx)
	latency := e.now().Sub(started)
	var finishErr error
	switch {
	case applyErr != nil:
		finishErr = e.finishFailed(finishCtx, claim, applyErr, latency)
	case result.conflict != nil:
		finishErr = e.finishConflict(finishCtx, claim, *result.conflict)
	default:
		finishErr = e.finishCompleted(finishCtx, claim, result, latency)
	}
	if errors.Is(finishErr, ErrLockLost) {
		e.logLockLost(claim)
		return true, nil
	}
	return true, finishErr
}

func (e *Engine) logLockLost(claim Claim) {
	e.logger.Warn("queue_lock_lost",
		zap.String("tenant_id", claim.Item.TenantID),
		zap.String("item_id", claim.Item.ID),
		zap.String("lock_id", claim.Lock.ID),
	)
}

func (e *Engine) finishCompleted(ctx context.Context, claim Claim, result applyResult, latency time.Duration) error {
	done, err := e.queue.Complete(ctx, claim, CompleteResult{RemoteID: result.remoteID})
	if err != nil {
		return err
	}
	outcome := OutcomeSynced
	message := ""
	if result.stale {
		outcome = OutcomeSkipped
		message = "stale"
	}
	e.recordOutcome(ctx, done.TenantID, done.EntityType, outcome, latency)
	e.logger.Info("queue_item_completed",
		zap.String("tenant_id", done.TenantID),
		zap.String("item_id", done.ID),
		zap.String("entity_key", done.EntityKey().String()),
		zap.String("direction", string(done.Direction)),
		zap.String("operation", string(done.Operation)),
		zap.Bool("stale", result.stale),
		zap.Duration("latency", latency),
	)
	e.broadcaster.Publish(SyncEvent{
		Type: SyncItemCompleted, TenantID: done.TenantID, ItemID: done.ID, EntityType: done.EntityType,
		Status: string(done.Status), Message: message, At: e.now().UTC(),
	})
	return nil
}

// renewLease extends the claim's lock every lease/3 until ctx ends. When
// the lease is lost the apply context is cancelled and lost is closed.
func (e *Engine) renewLease(ctx context.Context, lock SyncLock, cancel context.CancelFunc, lost chan<- struct{}) {
	interval := e.queue.Lease() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.locks.Renew(ctx, lock, e.queue.Lease()); err != nil {
				if errors.Is(err, ErrLockLost) {
					close(lost)
					cancel()
					return
				}
				if ctx.Err() == nil {
					e.logger.Warn("queue_lock_renew_failed", zap.String("lock_id", lock.ID), zap.Error(err))
				}
			}
		}
	}
}

func (e *Engine) finishFailed(ctx context.Context, claim Claim, cause error, latency time.Duration) error {
	item, err := e.queue.Fail(ctx, claim, cause)
	if err != nil {
		return err
	}
	notice := SyncEvent{
		TenantID: item.TenantID, ItemID: item.ID, EntityType: item.EntityType,
		Status: string(item.Status), Message: cause.Error(), At: e.now().UTC(),
	}
	if item.Status == QueueFailed {
		notice.Type = SyncItemFailed
		e.recordFailure(ctx, item.TenantID, item.EntityType, cause, latency)
	} else {
		notice.Type = SyncItemRetryScheduled
	}
	e.broadcaster.Publish(notice)
	return nil
}

func (e *Engine) finishConflict(ctx context.Context, claim Claim, conflict SyncConflict) error {
	if err := e.resolver.Record(ctx, conflict); err != nil {
		return err
	}
	if _, err := e.queue.Park(ctx, claim, conflict.ID); err != nil {
		if errors.Is(err, ErrLockLost) {
			if ignoreErr := e.resolver.MarkIgnored(ctx, conflict.TenantID, conflict.ID, e.holder); ignoreErr != nil {
				e.logger.Warn("sync_conflict_ignore_failed", zap.String("conflict_id", conflict.ID), zap.Error(ignoreErr))
			}
		}
		return err
	}
	e.recordOutcome(ctx, conflict.TenantID, conflict.EntityType, OutcomeConflict, 0)
	e.broadcaster.Publish(SyncEvent{
		Type: SyncConflictDetected, TenantID: conflict.TenantID, ItemID: conflict.QueueItemID,
		ConflictID: conflict.ID, EntityType: conflict.EntityType, Status: string(conflict.Status),
		Message: string(conflict.ConflictType), At: e.now().UTC(),
	})

	policy, ok := e.resolver.AutoPolicy(conflict.TenantID, conflict.EntityType)
	if !ok {
		return nil
	}
	resolved, err := e.ResolveConflict(ctx, ResolveRequest{
		TenantID: conflict.TenantID, ConflictID: conflict.ID, Policy: policy, ResolvedBy: autoResolver,
	})
	if err != nil {
		e.logger.Warn("sync_conflict_auto_resolve_failed",
			zap.String("tenant_id", conflict.TenantID),
			zap.String("conflict_id", conflict.ID),
			zap.String("policy", string(policy)),
			zap.Error(err),
		)
		return nil
	}
	e.logger.Info("sync_conflict_auto_resolved",
		zap.String("tenant_id", resolved.TenantID),
		zap.String("conflict_id", resolved.ID),
		zap.String("policy", string(policy)),
	)
	return nil
}

func (e *Engine) apply(ctx context.Context, claim *Claim) (applyResult, error) {
	if claim.Item.Direction == DirectionPull {
		return e.applyPull(ctx, claim.Item)
	}
	return e.applyPush(ctx, claim)
}

// applyPull writes CRM state into the local store. Deliveries older than
// the recorded snapshot are completed without touching the local copy.
func (e *Engine) applyPull(ctx context.Context, item SyncQueueItem) (applyResult, error) {
	local, err := e.repo.FindEntityByRemoteID(ctx, item.TenantID, item.EntityType, item.RemoteID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return applyResult{}, err
	}
	if found && item.RemoteVersion != "" {
		snapshot, err := e.repo.GetSnapshot(ctx, item.TenantID, item.EntityType, local.LocalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return applyResult{}, err
		}
		if err == nil && versionOlder(item.RemoteVersion, snapshot.Version) {
			e.logger.Debug("sync_pull_stale",
				zap.String("tenant_id", item.TenantID),
				zap.String("item_id", item.ID),
				zap.String("incoming_version", item.RemoteVersion),
				zap.String("recorded_version", snapshot.Version),
			)
			return applyResult{remoteID: item.RemoteID, stale: true}, nil
		}
	}

	now := e.now().UTC()
	if item.Operation == OperationDelete {
		if found {
			if err := e.repo.DeleteEntity(ctx, item.TenantID, item.EntityType, local.LocalID); err != nil {
				return applyResult{}, err
			}
		}
		return applyResult{remoteID: item.RemoteID}, nil
	}

	entity, err := e.repo.UpsertEntity(ctx, LocalEntity{
		TenantID:   item.TenantID,
		EntityType: item.EntityType,
		LocalID:    local.LocalID,
		RemoteID:   item.RemoteID,
		Fields:     item.Payload,
		UpdatedAt:  now,
	})
	if err != nil {
		return applyResult{}, err
	}
	if err := e.repo.PutSnapshot(ctx, EntitySnapshot{
		TenantID:      item.TenantID,
		EntityType:    item.EntityType,
		LocalEntityID: entity.LocalID,
		RemoteID:      item.RemoteID,
		Fields:        remoteFields(item),
		Version:       item.RemoteVersion,
		SyncedAt:      now,
	}); err != nil {
		return applyResult{}, err
	}
	return applyResult{remoteID: item.RemoteID}, nil
}

// applyPush writes local state to the CRM after checking the remote side
// has not moved since the item's base snapshot.
func (e *Engine) applyPush(ctx context.Context, claim *Claim) (applyResult, error) {
	item := claim.Item
	if item.RemoteID == "" && item.LocalEntityID != "" {
		local, err := e.repo.GetEntity(ctx, item.TenantID, item.EntityType, item.LocalEntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return applyResult{}, err
		}
		if local.RemoteID != "" {
			if err := e.queue.RecordRemoteID(ctx, claim, local.RemoteID); err != nil {
				return applyResult{}, err
			}
			item = claim.Item
		}
	}
	if len(item.BaseSnapshot) == 0 && item.LocalEntityID != "" && item.RemoteID != "" {
		snapshot, err := e.repo.GetSnapshot(ctx, item.TenantID, item.EntityType, item.LocalEntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return applyResult{}, err
		}
		if err == nil {
			item.BaseSnapshot = snapshot.Fields
			if item.RemoteVersion == "" {
				item.RemoteVersion = snapshot.Version
			}
		}
	}

	var remote *RemoteEntity
	if item.RemoteID != "" {
		current, err := e.remoteGet(ctx, item)
		switch {
		case err == nil:
			remote = &current
		case errors.Is(err, ErrNotFound):
		default:
			return applyResult{}, err
		}
	}
	if conflict := e.detector.Detect(item, remote); conflict != nil {
		return applyResult{conflict: conflict}, nil
	}

	if item.Operation == OperationDelete {
		if remote != nil {
			if err := e.remoteCall(ctx, func(callCtx context.Context) error {
				return e.remote.Delete(callCtx, item.TenantID, item.EntityType, item.RemoteID)
			}); err != nil && !errors.Is(err, ErrNotFound) {
				return applyResult{}, err
			}
		}
		return applyResult{remoteID: item.RemoteID}, nil
	}

	fields := remoteFields(item)
	var written RemoteEntity
	if item.RemoteID == "" || remote == nil {
		err := e.remoteCall(ctx, func(callCtx context.Context) error {
			var err error
			written, err = e.remote.Create(callCtx, item.TenantID, item.EntityType, fields)
			return err
		})
		if err != nil {
			return applyResult{}, err
		}
		if err := e.queue.RecordRemoteID(ctx, claim, written.ID); err != nil {
			return applyResult{}, err
		}
	} else {
		err := e.remoteCall(ctx, func(callCtx context.Context) error {
			var err error
			written, err = e.remote.Update(callCtx, item.TenantID, item.EntityType, item.RemoteID, fields)
			return err
		})
		if err != nil {
			return applyResult{}, err
		}
		if written.ID == "" {
			written.ID = item.RemoteID
		}
	}

	if item.LocalEntityID != "" {
		now := e.now().UTC()
		snapshotFields := written.Fields
		if len(snapshotFields) == 0 {
			base := map[string]any{}
			if remote != nil {
				base = remote.Fields
			}
			snapshotFields = mergeFields(base, fields)
		}
		version := written.Version
		if version == "" {
			version = stringValue(snapshotFields[versionField])
		}
		if _, err := e.repo.UpsertEntity(ctx, LocalEntity{
			TenantID:   item.TenantID,
			EntityType: item.EntityType,
			LocalID:    item.LocalEntityID,
			RemoteID:   written.ID,
			UpdatedAt:  now,
		}); err != nil {
			return applyResult{}, err
		}
		if err := e.repo.PutSnapshot(ctx, EntitySnapshot{
			TenantID:      item.TenantID,
			EntityType:    item.EntityType,
			LocalEntityID: item.LocalEntityID,
			RemoteID:      written.ID,
			Fields:        snapshotFields,
			Version:       version,
			SyncedAt:      now,
		}); err != nil {
			return applyResult{}, err
		}
	}
	return applyResult{remoteID: written.ID}, nil
}

func (e *Engine) remoteGet(ctx context.Context, item SyncQueueItem) (RemoteEntity, error) {
	var out RemoteEntity
	err := e.remoteCall(ctx, func(callCtx context.Context) error {
		var err error
		out, err = e.remote.Get(callCtx, item.TenantID, item.EntityType, item.RemoteID)
		return err
	})
	return out, err
}

// remoteCall bounds one CRM call by the remote timeout. A timeout is
// reported as a transient remote error.
func (e *Engine) remoteCall(ctx context.Context, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	err := call(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var remoteErr *RemoteError
		if !errors.As(err, &remoteErr) {
			return NewTransientRemoteError(err)
		}
	}
	return err
}

// Enqueue adds a user-driven item to the queue.
func (e *Engine) Enqueue(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	if item.Direction == "" {
		item.Direction = DirectionPush
	}
	return e.queue.Enqueue(ctx, item)
}

// CancelQueueItem cancels an item and ignores the conflict it was parked on.
func (e *Engine) CancelQueueItem(ctx context.Context, tenantID, id, by string) (SyncQueueItem, error) {
	before, err := e.queue.Get(ctx, tenantID, id)
	if err != nil {
		return SyncQueueItem{}, err
	}
	item, err := e.queue.Cancel(ctx, tenantID, id)
	if err != nil {
		return SyncQueueItem{}, err
	}
	if before.Status == QueueParked && before.ConflictID != "" {
		if err := e.resolver.MarkIgnored(ctx, tenantID, before.ConflictID, by); err != nil {
			return item, err
		}
	}
	e.broadcaster.Publish(SyncEvent{
		Type: SyncItemCancelled, TenantID: tenantID, ItemID: item.ID, ConflictID: before.ConflictID,
		EntityType: item.EntityType, Status: string(item.Status), Message: by, At: e.now().UTC(),
	})
	return item, nil
}

func (e *Engine) ResolveConflict(ctx context.Context, req ResolveRequest) (SyncConflict, error) {
	resolved, err := e.resolver.Resolve(ctx, req)
	if resolved.ID != "" {
		e.publishResolved(resolved)
	}
	return resolved, err
}

func (e *Engine) ResolveConflicts(ctx context.Context, req BulkResolveRequest) []ResolveOutcome {
	outcomes := e.resolver.ResolveBulk(ctx, req)
	for _, outcome := range outcomes {
		if outcome.Status == ConflictResolved {
			e.publishResolved(SyncConflict{ID: outcome.ConflictID, TenantID: req.TenantID, Status: outcome.Status, Resolution: req.Policy})
		}
	}
	return outcomes
}

func (e *Engine) publishResolved(conflict SyncConflict) {
	e.broadcaster.Publish(SyncEvent{
		Type: SyncConflictResolved, TenantID: conflict.TenantID, ConflictID: conflict.ID,
		ItemID: conflict.QueueItemID, EntityType: conflict.EntityType, Status: string(conflict.Status),
		Message: string(conflict.Resolution), At: e.now().UTC(),
	})
}

func (e *Engine) recordOutcome(ctx context.Context, tenantID, entityType string, outcome Outcome, latency time.Duration) {
	if err := e.metrics.RecordEvent(ctx, tenantID, entityType, outcome, latency); err != nil {
		e.logger.Warn("sync_metrics_update_failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (e *Engine) recordFailure(ctx context.Context, tenantID, entityType string, cause error, latency time.Duration) {
	before, _ := e.metrics.GetHealth(ctx, tenantID)
	if err := e.metrics.RecordFailure(ctx, tenantID, entityType, cause, latency); err != nil {
		e.logger.Warn("sync_metrics_update_failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	after, err := e.metrics.GetHealth(ctx, tenantID)
	if err == nil && before.IsHealthy && !after.IsHealthy {
		e.broadcaster.Publish(SyncEvent{
			Type: SyncTenantHealthChanged, TenantID: tenantID, Status: "unhealthy",
			Message: after.LastErrorMessage, At: e.now().UTC(),
		})
	}
}

var versionLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// versionOlder reports whether incoming is strictly older than recorded.
// Versions are CRM update timestamps or unix times; anything that cannot
// be ordered is treated as not older.
func versionOlder(incoming, recorded string) bool {
	incoming, recorded = strings.TrimSpace(incoming), strings.TrimSpace(recorded)
	if incoming == "" || recorded == "" {
		return false
	}
	a, okA := parseVersionTime(incoming)
	b, okB := parseVersionTime(recorded)
	if okA && okB {
		return a.Before(b)
	}
	return false
}

func parseVersionTime(raw string) (time.Time, bool) {
	for _, layout := range versionLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		switch {
		case n > 1e15:
			return time.UnixMicro(int64(n)).UTC(), true
		case n > 1e12:
			return time.UnixMilli(int64(n)).UTC(), true
		default:
			return time.Unix(int64(n), 0).UTC(), true
		}
	}
	return time.Time{}, false
}
