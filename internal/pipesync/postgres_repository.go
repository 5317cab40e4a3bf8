package pipesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentworkforce/pipesync/internal/migrations"
)

const postgresTenantLockScope = "pipesync_tenant"

var postgresSQLOpen sqlOpenFunc = sql.Open

// PostgresRepository stores every table of the sync engine in Postgres.
// Claims and lock acquisition for a tenant serialize on a transaction-scoped
// advisory lock, so the "one processing item per entity key" rule holds
// across processes.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := postgresSQLOpen("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryWithDB wraps an already opened handle.
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

// Migrate brings the schema up to date.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, r.db)
}

func (r *PostgresRepository) Backend() string {
	return "postgres"
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresAdvisoryKey(postgresTenantLockScope, tenantID))
	return err
}

// events

const eventColumns = `id, tenant_id, event_id, action, object, object_id, current_data, previous_data, meta,
	status, status_reason, last_error, route_id, retry_count, next_retry_at, received_at, processed_at, correlation_id`

func scanEvent(row rowScanner) (WebhookEvent, error) {
	var (
		event                   WebhookEvent
		current, previous, meta []byte
		status                  string
		nextRetryAt, processed  sql.NullTime
	)
	err := row.Scan(&event.ID, &event.TenantID, &event.EventID, &event.Action, &event.Object, &event.ObjectID,
		&current, &previous, &meta, &status, &event.StatusReason, &event.LastError, &event.RouteID,
		&event.RetryCount, &nextRetryAt, &event.ReceivedAt, &processed, &event.CorrelationID)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Status = EventStatus(status)
	event.NextRetryAt = nullTimePtr(nextRetryAt)
	event.ProcessedAt = nullTimePtr(processed)
	event.ReceivedAt = event.ReceivedAt.UTC()
	if event.Current, err = decodeJSONMap(current); err != nil {
		return WebhookEvent{}, err
	}
	if event.Previous, err = decodeJSONMap(previous); err != nil {
		return WebhookEvent{}, err
	}
	if event.Meta, err = decodeJSONMap(meta); err != nil {
		return WebhookEvent{}, err
	}
	return event, nil
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	if strings.TrimSpace(event.TenantID) == "" || strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.ID) == "" {
		return WebhookEvent{}, false, ErrInvalidInput
	}
	current, err := jsonArg(event.Current)
	if err != nil {
		return WebhookEvent{}, false, err
	}
	previous, err := jsonArg(event.Previous)
	if err != nil {
		return WebhookEvent{}, false, err
	}
	meta, err := jsonArg(event.Meta)
	if err != nil {
		return WebhookEvent{}, false, err
	}
	var id string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
		RETURNING id`,
		event.ID, event.TenantID, event.EventID, event.Action, event.Object, event.ObjectID,
		current, previous, meta, string(event.Status), event.StatusReason, event.LastError, event.RouteID,
		event.RetryCount, timeArg(event.NextRetryAt), event.ReceivedAt.UTC(), timeArg(event.ProcessedAt), event.CorrelationID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := scanEvent(r.db.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM webhook_events WHERE tenant_id = $1 AND event_id = $2`,
			event.TenantID, event.EventID))
		if getErr != nil {
			return WebhookEvent{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return WebhookEvent{}, false, err
	}
	return cloneEvent(event), true, nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, tenantID, id string) (WebhookEvent, error) {
	event, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	return event, err
}

func (r *PostgresRepository) UpdateEventStatus(ctx context.Context, update EventStatusUpdate) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			status = $3,
			status_reason = $4,
			last_error = $5,
			route_id = COALESCE(NULLIF($6, ''), route_id),
			retry_count = $7,
			next_retry_at = $8,
			processed_at = COALESCE($9, processed_at)
		WHERE tenant_id = $1 AND id = $2`,
		update.TenantID, update.ID, string(update.Status), update.StatusReason, update.LastError, update.RouteID,
		update.RetryCount, timeArg(update.NextRetryAt), timeArg(update.ProcessedAt))
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *PostgresRepository) ListPendingEvents(ctx context.Context, dueBefore time.Time, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status IN ('pending', 'processing')
			AND received_at <= $1
			AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY received_at, id
		LIMIT $2`, dueBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebhookEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// queue

const queueColumns = `id, seq, tenant_id, direction, operation, entity_type, local_entity_id, remote_id,
	payload, field_mappings, base_snapshot, remote_version, priority, scheduled_at, status, retry_count,
	max_retries, last_error, source_event_id, idempotency_key, conflict_id, lock_id, created_at, updated_at,
	started_at, completed_at`

func scanQueueItem(row rowScanner) (SyncQueueItem, error) {
	var (
		item                         SyncQueueItem
		direction, operation, status string
		payload, mappings, base      []byte
		idemKey                      sql.NullString
		started, completed           sql.NullTime
	)
	err := row.Scan(&item.ID, &item.Seq, &item.TenantID, &direction, &operation, &item.EntityType,
		&item.LocalEntityID, &item.RemoteID, &payload, &mappings, &base, &item.RemoteVersion, &item.Priority,
		&item.ScheduledAt, &status, &item.RetryCount, &item.MaxRetries, &item.LastError, &item.SourceEventID,
		&idemKey, &item.ConflictID, &item.LockID, &item.CreatedAt, &item.UpdatedAt, &started, &completed)
	if err != nil {
		return SyncQueueItem{}, err
	}
	item.Direction = Direction(direction)
	item.Operation = Operation(operation)
	item.Status = QueueStatus(status)
	item.IdempotencyKey = idemKey.String
	item.ScheduledAt = item.ScheduledAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.StartedAt = nullTimePtr(started)
	item.CompletedAt = nullTimePtr(completed)
	if item.Payload, err = decodeJSONMap(payload); err != nil {
		return SyncQueueItem{}, err
	}
	if item.BaseSnapshot, err = decodeJSONMap(base); err != nil {
		return SyncQueueItem{}, err
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &item.FieldMappings); err != nil {
			return SyncQueueItem{}, err
		}
	}
	return item, nil
}

func queueItemArgs(item SyncQueueItem) ([]any, error) {
	payload, err := jsonArg(item.Payload)
	if err != nil {
		return nil, err
	}
	mappings, err := jsonArg(item.FieldMappings)
	if err != nil {
		return nil, err
	}
	base, err := jsonArg(item.BaseSnapshot)
	if err != nil {
		return nil, err
	}
	var idemKey any
	if item.IdempotencyKey != "" {
		idemKey = item.IdempotencyKey
	}
	return []any{
		item.ID, item.TenantID, string(item.Direction), string(item.Operation), item.EntityType,
		item.LocalEntityID, item.RemoteID, item.EntityKey().String(), payload, mappings, base,
		item.RemoteVersion, item.Priority, item.ScheduledAt.UTC(), string(item.Status), item.RetryCount,
		item.MaxRetries, item.LastError, item.SourceEventID, idemKey, item.ConflictID, item.LockID,
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(), timeArg(item.StartedAt), timeArg(item.CompletedAt),
	}, nil
}

func (r *PostgresRepository) InsertQueueItem(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.TenantID) == "" {
		return SyncQueueItem{}, ErrInvalidInput
	}
	args, err := queueItemArgs(item)
	if err != nil {
		return SyncQueueItem{}, err
	}
	var seq int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO sync_queue (id, tenant_id, direction, operation, entity_type, local_entity_id, remote_id,
			entity_key, payload, field_mappings, base_snapshot, remote_version, priority, scheduled_at, status,
			retry_count, max_retries, last_error, source_event_id, idempotency_key, conflict_id, lock_id,
			created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING seq`, args...).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return scanQueueItem(r.db.QueryRowContext(ctx,
			`SELECT `+queueColumns+` FROM sync_queue WHERE tenant_id = $1 AND idempotency_key = $2`,
			item.TenantID, item.IdempotencyKey))
	}
	if err != nil {
		return SyncQueueItem{}, err
	}
	item.Seq = seq
	return cloneItem(item), nil
}

func (r *PostgresRepository) GetQueueItem(ctx context.Context, tenantID, id string) (SyncQueueItem, error) {
	item, err := scanQueueItem(r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncQueueItem{}, ErrNotFound
	}
	return item, err
}

const queueUpdate = `
		UPDATE sync_queue SET
			direction = $3, operation = $4, entity_type = $5, local_entity_id = $6, remote_id = $7,
			entity_key = $8, payload = $9, field_mappings = $10, base_snapshot = $11, remote_version = $12,
			priority = $13, scheduled_at = $14, status = $15, retry_count = $16, max_retries = $17,
			last_error = $18, source_event_id = $19, idempotency_key = $20, conflict_id = $21, lock_id = $22,
			created_at = $23, updated_at = $24, started_at = $25, completed_at = $26
		WHERE id = $1 AND tenant_id = $2`

func (r *PostgresRepository) SaveQueueItem(ctx context.Context, item SyncQueueItem) error {
	args, err := queueItemArgs(item)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, queueUpdate, args...)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *PostgresRepository) SaveClaimedQueueItem(ctx context.Context, item SyncQueueItem, lockID string) error {
	if strings.TrimSpace(lockID) == "" {
		return ErrLockLost
	}
	args, err := queueItemArgs(item)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, queueUpdate+` AND status = 'processing' AND lock_id = $27`,
		append(args, lockID)...)
	if err != nil {
		return err
	}
	if err := requireAffected(result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrLockLost
		}
		return err
	}
	return nil
}

// ClaimQueueItem picks the oldest pending item of every entity key, drops
// keys that already have a processing item or an active lock, and takes the
// highest priority of what is left.
func (r *PostgresRepository) ClaimQueueItem(ctx context.Context, req ClaimRequest) (SyncQueueItem, SyncLock, bool, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.LockID) == "" || req.Lease <= 0 {
		return SyncQueueItem{}, SyncLock{}, false, ErrInvalidInput
	}
	now := req.Now.UTC()
	var (
		claimed SyncQueueItem
		lock    SyncLock
		found   bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockTenant(ctx, tx, req.TenantID); err != nil {
			return err
		}
		item, err := scanQueueItem(tx.QueryRowContext(ctx, `
			SELECT `+queueColumns+` FROM (
				SELECT DISTINCT ON (q.entity_key) q.*
				FROM sync_queue q
				WHERE q.tenant_id = $1 AND q.status = 'pending' AND q.scheduled_at <= $2
				ORDER BY q.entity_key, q.scheduled_at, q.seq
			) heads
			WHERE NOT EXISTS (
				SELECT 1 FROM sync_queue p
				WHERE p.tenant_id = heads.tenant_id AND p.entity_key = heads.entity_key AND p.status = 'processing'
			)
			AND NOT EXISTS (
				SELECT 1 FROM sync_locks l
				WHERE l.tenant_id || '/' || l.entity_type || '/' || l.entity_id = heads.entity_key
					AND l.released_at IS NULL AND l.expires_at > $2
			)
			ORDER BY heads.priority DESC, heads.scheduled_at, heads.seq
			LIMIT 1`, req.TenantID, now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		lock = SyncLock{
			ID:         req.LockID,
			Key:        item.EntityKey(),
			Mode:       LockExclusive,
			Holder:     req.Holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.Lease),
		}
		if err := insertLock(ctx, tx, lock); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'processing', lock_id = $2, started_at = $3, updated_at = $3
			WHERE id = $1`, item.ID, lock.ID, now); err != nil {
			return err
		}
		item.Status = QueueProcessing
		item.LockID = lock.ID
		item.StartedAt = timePtr(now)
		item.UpdatedAt = now
		claimed = item
		found = true
		return nil
	})
	if err != nil {
		return SyncQueueItem{}, SyncLock{}, false, err
	}
	return claimed, lock, found, nil
}

func (r *PostgresRepository) ListQueueItems(ctx context.Context, filter QueueFilter) (QueueFeed, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	var afterSeq int64
	if cursor := strings.TrimSpace(filter.Cursor); cursor != "" {
		err := r.db.QueryRowContext(ctx, `SELECT seq FROM sync_queue WHERE tenant_id = $1 AND id = $2`,
			filter.TenantID, cursor).Scan(&afterSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return QueueFeed{}, invalidInputf("invalid cursor")
		}
		if err != nil {
			return QueueFeed{}, err
		}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2) AND seq > $3
		ORDER BY seq
		LIMIT $4`, filter.TenantID, string(filter.Status), afterSeq, limit+1)
	if err != nil {
		return QueueFeed{}, err
	}
	defer rows.Close()
	items := make([]SyncQueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return QueueFeed{}, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return QueueFeed{}, err
	}
	feed := QueueFeed{Items: items}
	if len(items) > limit {
		feed.Items = items[:limit]
		next := items[limit-1].ID
		feed.NextCursor = &next
	}
	return feed, nil
}

func (r *PostgresRepository) CountQueueItems(ctx context.Context, tenantID string) (map[QueueStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := emptyQueueCounts()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[QueueStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) ListTenantsWithDueItems(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM sync_queue
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY tenant_id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tenants := make([]string, 0)
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenantID)
	}
	return tenants, rows.Err()
}

func (r *PostgresRepository) RequeueStaleItems(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue q SET status = 'pending', lock_id = '', started_at = NULL, updated_at = $1
		WHERE q.status = 'processing'
			AND NOT EXISTS (
				SELECT 1 FROM sync_locks l
				WHERE l.id = q.lock_id AND l.released_at IS NULL AND l.expires_at > $1
			)`, now.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (r *PostgresRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]SyncQueueItem, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
		ORDER BY seq
		LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SyncQueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteQueueItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// locks

const lockColumns = `id, tenant_id, entity_type, entity_id, mode, holder, acquired_at, expires_at, released_at`

func scanLock(row rowScanner) (SyncLock, error) {
	var (
		lock     SyncLock
		mode     string
		released sql.NullTime
	)
	err := row.Scan(&lock.ID, &lock.Key.TenantID, &lock.Key.EntityType, &lock.Key.EntityID, &mode,
		&lock.Holder, &lock.AcquiredAt, &lock.ExpiresAt, &released)
	if err != nil {
		return SyncLock{}, err
	}
	lock.Mode = LockMode(mode)
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	lock.ExpiresAt = lock.ExpiresAt.UTC()
	lock.ReleasedAt = nullTimePtr(released)
	return lock, nil
}

func insertLock(ctx context.Context, tx *sql.Tx, lock SyncLock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)`,
		lock.ID, lock.Key.TenantID, lock.Key.EntityType, lock.Key.EntityID, string(lock.Mode), lock.Holder,
		lock.AcquiredAt.UTC(), lock.ExpiresAt.UTC())
	return err
}

func (r *PostgresRepository) AcquireLock(ctx context.Context, req LockRequest) (SyncLock, error) {
	if !req.Key.valid() || strings.TrimSpace(req.ID) == "" || req.Lease <= 0 {
		return SyncLock{}, ErrInvalidInput
	}
	now := req.Now.UTC()
	lock := SyncLock{
		ID:         req.ID,
		Key:        req.Key,
		Mode:       req.Mode,
		Holder:     req.Holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(req.Lease),
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockTenant(ctx, tx, req.Key.TenantID); err != nil {
			return err
		}
		var holder string
		err := tx.QueryRowContext(ctx, `
			SELECT holder FROM sync_locks
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
				AND released_at IS NULL AND expires_at > $4
				AND ($5 = 'exclusive' OR mode = 'exclusive')
			LIMIT 1`, req.Key.TenantID, req.Key.EntityType, req.Key.EntityID, now, string(req.Mode)).Scan(&holder)
		if err == nil {
			return &LockContentionError{Key: req.Key, Holder: holder}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return insertLock(ctx, tx, lock)
	})
	if err != nil {
		return SyncLock{}, err
	}
	return lock, nil
}

func (r *PostgresRepository) ReleaseLock(ctx context.Context, lockID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_locks SET released_at = $2 WHERE id = $1 AND released_at IS NULL`, lockID, now.UTC())
	return err
}

func (r *PostgresRepository) RenewLock(ctx context.Context, lockID string, expiresAt, now time.Time) (SyncLock, error) {
	lock, err := scanLock(r.db.QueryRowContext(ctx, `
		UPDATE sync_locks SET expires_at = $2
		WHERE id = $1 AND released_at IS NULL AND expires_at > $3
		RETURNING `+lockColumns, lockID, expiresAt.UTC(), now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLock{}, ErrLockLost
	}
	return lock, err
}

func (r *PostgresRepository) PruneLocks(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_locks
		WHERE (released_at IS NOT NULL AND released_at < $1) OR expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// conflicts

const conflictColumns = `id, tenant_id, queue_item_id, entity_type, local_entity_id, remote_id, conflict_type,
	conflicting_fields, local_snapshot, remote_snapshot, base_snapshot, status, resolution, resolved_snapshot,
	resolved_by, resolved_at, created_at`

func scanConflict(row rowScanner) (SyncConflict, error) {
	var (
		c                                 SyncConflict
		conflictType, status, resolution  string
		fields, local, remote, base, done []byte
		resolvedAt                        sql.NullTime
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.QueueItemID, &c.EntityType, &c.LocalEntityID, &c.RemoteID,
		&conflictType, &fields, &local, &remote, &base, &status, &resolution, &done, &c.ResolvedBy,
		&resolvedAt, &c.CreatedAt)
	if err != nil {
		return SyncConflict{}, err
	}
	c.ConflictType = ConflictType(conflictType)
	c.Status = ConflictStatus(status)
	c.Resolution = ResolutionPolicy(resolution)
	c.ResolvedAt = nullTimePtr(resolvedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.ConflictingFields); err != nil {
			return SyncConflict{}, err
		}
	}
	for _, pair := range []struct {
		raw []byte
		dst *map[string]any
	}{{local, &c.LocalSnapshot}, {remote, &c.RemoteSnapshot}, {base, &c.BaseSnapshot}, {done, &c.ResolvedSnapshot}} {
		decoded, err := decodeJSONMap(pair.raw)
		if err != nil {
			return SyncConflict{}, err
		}
		*pair.dst = decoded
	}
	return c, nil
}

func conflictArgs(c SyncConflict) ([]any, error) {
	encoded := make([]any, 0, 5)
	for _, v := range []any{c.ConflictingFields, c.LocalSnapshot, c.RemoteSnapshot, c.BaseSnapshot, c.ResolvedSnapshot} {
		arg, err := jsonArg(v)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, arg)
	}
	return []any{
		c.ID, c.TenantID, c.QueueItemID, c.EntityType, c.LocalEntityID, c.RemoteID, string(c.ConflictType),
		encoded[0], encoded[1], encoded[2], encoded[3], string(c.Status), string(c.Resolution), encoded[4],
		c.ResolvedBy, timeArg(c.ResolvedAt), c.CreatedAt.UTC(),
	}, nil
}

func (r *PostgresRepository) InsertConflict(ctx context.Context, conflict SyncConflict) error {
	if strings.TrimSpace(conflict.ID) == "" || strings.TrimSpace(conflict.TenantID) == "" {
		return ErrInvalidInput
	}
	args, err := conflictArgs(conflict)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, args...)
	return err
}

func (r *PostgresRepository) GetConflict(ctx context.Context, tenantID, id string) (SyncConflict, error) {
	conflict, err := scanConflict(r.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncConflict{}, ErrNotFound
	}
	return conflict, err
}

func (r *PostgresRepository) FinishConflict(ctx context.Context, conflict SyncConflict) error {
	args, err := conflictArgs(conflict)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE sync_conflicts SET
			queue_item_id = $3, entity_type = $4, local_entity_id = $5, remote_id = $6, conflict_type = $7,
			conflicting_fields = $8, local_snapshot = $9, remote_snapshot = $10, base_snapshot = $11,
			status = $12, resolution = $13, resolved_snapshot = $14, resolved_by = $15, resolved_at = $16,
			created_at = $17
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'`, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetConflict(ctx, conflict.TenantID, conflict.ID); err != nil {
		return err
	}
	return ErrInvalidState
}

func (r *PostgresRepository) ListConflicts(ctx context.Context, filter ConflictFilter) (ConflictFeed, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	var (
		afterAt time.Time
		afterID string
	)
	if cursor := strings.TrimSpace(filter.Cursor); cursor != "" {
		err := r.db.QueryRowContext(ctx, `SELECT created_at, id FROM sync_conflicts WHERE tenant_id = $1 AND id = $2`,
			filter.TenantID, cursor).Scan(&afterAt, &afterID)
		if errors.Is(err, sql.ErrNoRows) {
			return ConflictFeed{}, invalidInputf("invalid cursor")
		}
		if err != nil {
			return ConflictFeed{}, err
		}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
			AND ($3 = '' OR (created_at, id) > ($4, $3))
		ORDER BY created_at, id
		LIMIT $5`, filter.TenantID, string(filter.Status), afterID, afterAt.UTC(), limit+1)
	if err != nil {
		return ConflictFeed{}, err
	}
	defer rows.Close()
	conflicts := make([]SyncConflict, 0)
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return ConflictFeed{}, err
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return ConflictFeed{}, err
	}
	feed := ConflictFeed{Items: conflicts}
	if len(conflicts) > limit {
		feed.Items = conflicts[:limit]
		next := conflicts[limit-1].ID
		feed.NextCursor = &next
	}
	return feed, nil
}

// snapshots

func (r *PostgresRepository) GetSnapshot(ctx context.Context, tenantID, entityType, localEntityID string) (EntitySnapshot, error) {
	var (
		snapshot EntitySnapshot
		fields   []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, entity_type, local_entity_id, remote_id, fields, version, synced_at
		FROM entity_snapshots WHERE tenant_id = $1 AND entity_type = $2 AND local_entity_id = $3`,
		tenantID, entityType, localEntityID).Scan(&snapshot.TenantID, &snapshot.EntityType,
		&snapshot.LocalEntityID, &snapshot.RemoteID, &fields, &snapshot.Version, &snapshot.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EntitySnapshot{}, ErrNotFound
	}
	if err != nil {
		return EntitySnapshot{}, err
	}
	snapshot.SyncedAt = snapshot.SyncedAt.UTC()
	snapshot.Fields, err = decodeJSONMap(fields)
	return snapshot, err
}

func (r *PostgresRepository) PutSnapshot(ctx context.Context, snapshot EntitySnapshot) error {
	if strings.TrimSpace(snapshot.TenantID) == "" || strings.TrimSpace(snapshot.LocalEntityID) == "" {
		return ErrInvalidInput
	}
	fields, err := jsonArg(snapshot.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entity_snapshots (tenant_id, entity_type, local_entity_id, remote_id, fields, version, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, local_entity_id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			fields = EXCLUDED.fields,
			version = EXCLUDED.version,
			synced_at = EXCLUDED.synced_at`,
		snapshot.TenantID, snapshot.EntityType, snapshot.LocalEntityID, snapshot.RemoteID, fields,
		snapshot.Version, snapshot.SyncedAt.UTC())
	return err
}

// metrics and health

func (r *PostgresRepository) RecordMetric(ctx context.Context, delta MetricDelta) error {
	row := applyMetricDelta(SyncMetrics{}, delta)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metrics (tenant_id, day, entity_type, events_received, events_processed, events_failed,
			events_skipped, sync_operations, conflicts, avg_latency_ms, latency_samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, day, entity_type) DO UPDATE SET
			events_received = sync_metrics.events_received + EXCLUDED.events_received,
			events_processed = sync_metrics.events_processed + EXCLUDED.events_processed,
			events_failed = sync_metrics.events_failed + EXCLUDED.events_failed,
			events_skipped = sync_metrics.events_skipped + EXCLUDED.events_skipped,
			sync_operations = sync_metrics.sync_operations + EXCLUDED.sync_operations,
			conflicts = sync_metrics.conflicts + EXCLUDED.conflicts,
			avg_latency_ms = CASE WHEN EXCLUDED.latency_samples = 0 THEN sync_metrics.avg_latency_ms
				ELSE sync_metrics.avg_latency_ms
					+ (EXCLUDED.avg_latency_ms - sync_metrics.avg_latency_ms) / (sync_metrics.latency_samples + 1)
				END,
			latency_samples = sync_metrics.latency_samples + EXCLUDED.latency_samples`,
		delta.TenantID, delta.Day, delta.EntityType, row.EventsReceived, row.EventsProcessed, row.EventsFailed,
		row.EventsSkipped, row.SyncOperations, row.Conflicts, row.AvgLatencyMs, row.LatencySamples)
	return err
}

func (r *PostgresRepository) ListMetrics(ctx context.Context, tenantID, sinceDay string) ([]SyncMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, day, entity_type, events_received, events_processed, events_failed, events_skipped,
			sync_operations, conflicts, avg_latency_ms, latency_samples
		FROM sync_metrics
		WHERE tenant_id = $1 AND day >= $2
		ORDER BY day DESC, entity_type`, tenantID, sinceDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SyncMetrics, 0)
	for rows.Next() {
		var m SyncMetrics
		if err := rows.Scan(&m.TenantID, &m.Day, &m.EntityType, &m.EventsReceived, &m.EventsProcessed,
			&m.EventsFailed, &m.EventsSkipped, &m.SyncOperations, &m.Conflicts, &m.AvgLatencyMs,
			&m.LatencySamples); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const healthColumns = `tenant_id, last_event_at, last_error_at, last_error_message, consecutive_failures,
	sync_failures, last_sync_error_at, is_healthy, updated_at`

func scanHealth(row rowScanner) (WebhookHealthStatus, error) {
	var (
		status                         WebhookHealthStatus
		lastEvent, lastError, lastSync sql.NullTime
	)
	err := row.Scan(&status.TenantID, &lastEvent, &lastError, &status.LastErrorMessage,
		&status.ConsecutiveFailures, &status.SyncFailures, &lastSync, &status.IsHealthy, &status.UpdatedAt)
	if err != nil {
		return WebhookHealthStatus{}, err
	}
	status.LastEventAt = nullTimePtr(lastEvent)
	status.LastErrorAt = nullTimePtr(lastError)
	status.LastSyncErrorAt = nullTimePtr(lastSync)
	status.UpdatedAt = status.UpdatedAt.UTC()
	return status, nil
}

func (r *PostgresRepository) ObserveHealth(ctx context.Context, observation HealthObservation) (WebhookHealthStatus, error) {
	var next WebhookHealthStatus
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_health (tenant_id, is_healthy, updated_at) VALUES ($1, TRUE, $2)
			ON CONFLICT (tenant_id) DO NOTHING`, observation.TenantID, observation.At.UTC()); err != nil {
			return err
		}
		current, err := scanHealth(tx.QueryRowContext(ctx,
			`SELECT `+healthColumns+` FROM webhook_health WHERE tenant_id = $1 FOR UPDATE`, observation.TenantID))
		if err != nil {
			return err
		}
		next = applyHealthObservation(current, observation)
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_health SET last_event_at = $2, last_error_at = $3, last_error_message = $4,
				consecutive_failures = $5, sync_failures = $6, last_sync_error_at = $7, is_healthy = $8,
				updated_at = $9
			WHERE tenant_id = $1`,
			next.TenantID, timeArg(next.LastEventAt), timeArg(next.LastErrorAt), next.LastErrorMessage,
			next.ConsecutiveFailures, next.SyncFailures, timeArg(next.LastSyncErrorAt), next.IsHealthy,
			next.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		return WebhookHealthStatus{}, err
	}
	return next, nil
}

func (r *PostgresRepository) GetHealth(ctx context.Context, tenantID string) (WebhookHealthStatus, error) {
	status, err := scanHealth(r.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM webhook_health WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookHealthStatus{TenantID: tenantID, IsHealthy: true}, nil
	}
	return status, err
}

// routes

const routeColumns = `tenant_id, id, name, action, object, priority, active, conditions, expression,
	handler_config, max_executions, execution_window_hours, updated_at`

func scanRoute(row rowScanner) (WebhookRoute, error) {
	var (
		route               WebhookRoute
		conditions, handler []byte
	)
	err := row.Scan(&route.TenantID, &route.ID, &route.Name, &route.Action, &route.Object, &route.Priority,
		&route.Active, &conditions, &route.Expression, &handler, &route.MaxExecutions,
		&route.ExecutionWindowHours, &route.UpdatedAt)
	if err != nil {
		return WebhookRoute{}, err
	}
	route.UpdatedAt = route.UpdatedAt.UTC()
	if len(conditions) > 0 && string(conditions) != "null" {
		if err := json.Unmarshal(conditions, &route.Conditions); err != nil {
			return WebhookRoute{}, err
		}
	}
	if len(handler) > 0 && string(handler) != "null" {
		route.HandlerConfig = json.RawMessage(append([]byte(nil), handler...))
	}
	return route, nil
}

func routeArgs(route WebhookRoute) ([]any, error) {
	conditions, err := jsonArg(route.Conditions)
	if err != nil {
		return nil, err
	}
	handler := "null"
	if len(route.HandlerConfig) > 0 {
		handler = string(route.HandlerConfig)
	}
	return []any{
		route.TenantID, route.ID, route.Name, route.Action, route.Object, route.Priority, route.Active,
		conditions, route.Expression, handler, route.MaxExecutions, route.ExecutionWindowHours,
		route.UpdatedAt.UTC(),
	}, nil
}

const upsertRouteQuery = `
	INSERT INTO webhook_routes (` + routeColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (tenant_id, id) DO UPDATE SET
		name = EXCLUDED.name, action = EXCLUDED.action, object = EXCLUDED.object,
		priority = EXCLUDED.priority, active = EXCLUDED.active, conditions = EXCLUDED.conditions,
		expression = EXCLUDED.expression, handler_config = EXCLUDED.handler_config,
		max_executions = EXCLUDED.max_executions, execution_window_hours = EXCLUDED.execution_window_hours,
		updated_at = EXCLUDED.updated_at`

func (r *PostgresRepository) ListRoutes(ctx context.Context, tenantID string) ([]WebhookRoute, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+routeColumns+` FROM webhook_routes WHERE tenant_id = $1 ORDER BY priority, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebhookRoute, 0)
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, route)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) PutRoute(ctx context.Context, route WebhookRoute) error {
	if strings.TrimSpace(route.ID) == "" || strings.TrimSpace(route.TenantID) == "" {
		return ErrInvalidInput
	}
	args, err := routeArgs(route)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsertRouteQuery, args...)
	return err
}

func (r *PostgresRepository) DeleteRoute(ctx context.Context, tenantID, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhook_routes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *PostgresRepository) ReplaceRoutes(ctx context.Context, tenantID string, routes []WebhookRoute) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_routes WHERE tenant_id = $1`, tenantID); err != nil {
			return err
		}
		for _, route := range routes {
			route.TenantID = tenantID
			args, err := routeArgs(route)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertRouteQuery, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// subscriptions and secrets

const subscriptionColumns = `id, tenant_id, remote_hook_id, event_action, event_object, subscription_url,
	company_id, active, created_at, deactivated_at`

func scanSubscription(row rowScanner) (WebhookSubscription, error) {
	var (
		sub         WebhookSubscription
		deactivated sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.RemoteHookID, &sub.EventAction, &sub.EventObject,
		&sub.SubscriptionURL, &sub.CompanyID, &sub.Active, &sub.CreatedAt, &deactivated)
	if err != nil {
		return WebhookSubscription{}, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.DeactivatedAt = nullTimePtr(deactivated)
	return sub, nil
}

func (r *PostgresRepository) InsertSubscription(ctx context.Context, sub WebhookSubscription) error {
	if strings.TrimSpace(sub.ID) == "" || strings.TrimSpace(sub.TenantID) == "" {
		return ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.TenantID, sub.RemoteHookID, sub.EventAction, sub.EventObject, sub.SubscriptionURL,
		sub.CompanyID, sub.Active, sub.CreatedAt.UTC(), timeArg(sub.DeactivatedAt))
	return err
}

func (r *PostgresRepository) GetSubscription(ctx context.Context, tenantID, id string) (WebhookSubscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookSubscription{}, ErrNotFound
	}
	return sub, err
}

func (r *PostgresRepository) SaveSubscription(ctx context.Context, sub WebhookSubscription) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET remote_hook_id = $3, event_action = $4, event_object = $5,
			subscription_url = $6, company_id = $7, active = $8, deactivated_at = $9
		WHERE id = $1 AND tenant_id = $2`,
		sub.ID, sub.TenantID, sub.RemoteHookID, sub.EventAction, sub.EventObject, sub.SubscriptionURL,
		sub.CompanyID, sub.Active, timeArg(sub.DeactivatedAt))
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (r *PostgresRepository) ListSubscriptions(ctx context.Context, tenantID string) ([]WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebhookSubscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FindTenantByCompanyID(ctx context.Context, companyID string) (string, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return "", ErrNotFound
	}
	var tenantID string
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM webhook_subscriptions
		WHERE active AND company_id = $1
		ORDER BY created_at
		LIMIT 1`, companyID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return tenantID, err
}

func (r *PostgresRepository) GetWebhookSecret(ctx context.Context, tenantID string) (WebhookSecret, error) {
	var (
		secret  WebhookSecret
		expires sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, current_secret, previous_secret, previous_expires_at, rotated_at
		FROM webhook_secrets WHERE tenant_id = $1`, tenantID).Scan(&secret.TenantID, &secret.Current,
		&secret.Previous, &expires, &secret.RotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookSecret{}, ErrNotFound
	}
	if err != nil {
		return WebhookSecret{}, err
	}
	secret.PreviousExpiresAt = nullTimePtr(expires)
	secret.RotatedAt = secret.RotatedAt.UTC()
	return secret, nil
}

func (r *PostgresRepository) PutWebhookSecret(ctx context.Context, secret WebhookSecret) error {
	if strings.TrimSpace(secret.TenantID) == "" || strings.TrimSpace(secret.Current) == "" {
		return ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_secrets (tenant_id, current_secret, previous_secret, previous_expires_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			current_secret = EXCLUDED.current_secret,
			previous_secret = EXCLUDED.previous_secret,
			previous_expires_at = EXCLUDED.previous_expires_at,
			rotated_at = EXCLUDED.rotated_at`,
		secret.TenantID, secret.Current, secret.Previous, timeArg(secret.PreviousExpiresAt), secret.RotatedAt.UTC())
	return err
}

// local entities

const entityColumns = `tenant_id, entity_type, local_id, remote_id, fields, updated_at`

func scanEntity(row rowScanner) (LocalEntity, error) {
	var (
		entity LocalEntity
		fields []byte
	)
	if err := row.Scan(&entity.TenantID, &entity.EntityType, &entity.LocalID, &entity.RemoteID, &fields, &entity.UpdatedAt); err != nil {
		return LocalEntity{}, err
	}
	entity.UpdatedAt = entity.UpdatedAt.UTC()
	decoded, err := decodeJSONMap(fields)
	if err != nil {
		return LocalEntity{}, err
	}
	entity.Fields = decoded
	return entity, nil
}

func (r *PostgresRepository) GetEntity(ctx context.Context, tenantID, entityType, localID string) (LocalEntity, error) {
	entity, err := scanEntity(r.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 AND local_id = $3`, tenantID, entityType, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEntity{}, ErrNotFound
	}
	return entity, err
}

func (r *PostgresRepository) FindEntityByRemoteID(ctx context.Context, tenantID, entityType, remoteID string) (LocalEntity, error) {
	if strings.TrimSpace(remoteID) == "" {
		return LocalEntity{}, ErrNotFound
	}
	entity, err := scanEntity(r.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 AND remote_id = $3
		LIMIT 1`, tenantID, entityType, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEntity{}, ErrNotFound
	}
	return entity, err
}

func (r *PostgresRepository) UpsertEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error) {
	if strings.TrimSpace(entity.TenantID) == "" || strings.TrimSpace(entity.EntityType) == "" {
		return LocalEntity{}, ErrInvalidInput
	}
	merged := entity
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if merged.LocalID == "" && strings.TrimSpace(merged.RemoteID) != "" {
			var localID string
			err := tx.QueryRowContext(ctx, `
				SELECT local_id FROM local_entities
				WHERE tenant_id = $1 AND entity_type = $2 AND remote_id = $3
				LIMIT 1`, merged.TenantID, merged.EntityType, merged.RemoteID).Scan(&localID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			merged.LocalID = localID
		}
		if merged.LocalID == "" {
			merged.LocalID = uuid.NewString()
		}
		existing, err := scanEntity(tx.QueryRowContext(ctx, `
			SELECT `+entityColumns+` FROM local_entities
			WHERE tenant_id = $1 AND entity_type = $2 AND local_id = $3
			FOR UPDATE`, merged.TenantID, merged.EntityType, merged.LocalID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			merged.Fields = cloneMap(entity.Fields)
		case err != nil:
			return err
		default:
			merged.Fields = mergeFields(existing.Fields, entity.Fields)
			if merged.RemoteID == "" {
				merged.RemoteID = existing.RemoteID
			}
		}
		fields, err := jsonArg(merged.Fields)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO local_entities (`+entityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, entity_type, local_id) DO UPDATE SET
				remote_id = EXCLUDED.remote_id,
				fields = EXCLUDED.fields,
				updated_at = EXCLUDED.updated_at`,
			merged.TenantID, merged.EntityType, merged.LocalID, merged.RemoteID, fields, merged.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		return LocalEntity{}, err
	}
	return merged, nil
}

func (r *PostgresRepository) DeleteEntity(ctx context.Context, tenantID, entityType, localID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM local_entities WHERE tenant_id = $1 AND entity_type = $2 AND local_id = $3`,
		tenantID, entityType, localID)
	return err
}

func (r *PostgresRepository) UnlinkEntity(ctx context.Context, tenantID, entityType, localID, remoteID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE local_entities SET remote_id = ''
		WHERE tenant_id = $1 AND entity_type = $2 AND local_id = $3 AND remote_id = $4 AND remote_id <> ''`,
		tenantID, entityType, localID, remoteID)
	return err
}

// helpers

func jsonArg(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return timePtr(t.Time.UTC())
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresAdvisoryKey(scope, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(scope)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
