package pipesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// versionField is the Pipedrive field that moves on every remote write.
const versionField = "update_time"

type ConflictDetector struct {
	now func() time.Time
}

func NewConflictDetector(now func() time.Time) *ConflictDetector {
	if now == nil {
		now = time.Now
	}
	return &ConflictDetector{now: now}
}

// Detect compares the remote state a push item was authored against with
// the current remote state. remote is nil when the remote entity no longer
// exists. A nil conflict means the push may proceed.
func (d *ConflictDetector) Detect(item SyncQueueItem, remote *RemoteEntity) *SyncConflict {
	if item.Direction != DirectionPush {
		return nil
	}
	if item.Operation == OperationCreate && item.RemoteID == "" {
		return nil
	}
	if remote == nil {
		if item.Operation == OperationDelete {
			return nil
		}
		return d.newConflict(item, ConflictRemoteDeleted, nil, nil)
	}
	base := item.BaseSnapshot
	if len(base) == 0 {
		return nil
	}
	baseVersion := item.RemoteVersion
	if baseVersion == "" {
		baseVersion = stringValue(base[versionField])
	}
	remoteVersion := remote.Version
	if remoteVersion == "" {
		remoteVersion = stringValue(remote.Fields[versionField])
	}
	if baseVersion != "" && baseVersion == remoteVersion {
		return nil
	}

	scope := writtenFields(item)
	if len(scope) == 0 {
		if canonicalHash(withoutField(base, versionField)) == canonicalHash(withoutField(remote.Fields, versionField)) {
			return nil
		}
		return d.newConflict(item, ConflictVersionMismatch, nil, remote.Fields)
	}
	mismatched := make([]string, 0)
	for _, pair := range scope {
		remoteValue, remoteHas := remote.Fields[pair.remote]
		baseValue, baseHas := base[pair.remote]
		if remoteHas == baseHas && valuesEqual(remoteValue, baseValue) {
			continue
		}
		if valuesEqual(remoteValue, item.Payload[pair.local]) {
			continue
		}
		mismatched = append(mismatched, pair.remote)
	}
	if len(mismatched) == 0 {
		return nil
	}
	sort.Strings(mismatched)
	return d.newConflict(item, ConflictFieldMismatch, mismatched, remote.Fields)
}

func (d *ConflictDetector) newConflict(item SyncQueueItem, kind ConflictType, fields []string, remote map[string]any) *SyncConflict {
	return &SyncConflict{
		ID:                uuid.NewString(),
		TenantID:          item.TenantID,
		QueueItemID:       item.ID,
		EntityType:        item.EntityType,
		LocalEntityID:     item.LocalEntityID,
		RemoteID:          item.RemoteID,
		ConflictType:      kind,
		ConflictingFields: fields,
		LocalSnapshot:     cloneMap(item.Payload),
		RemoteSnapshot:    cloneMap(remote),
		BaseSnapshot:      cloneMap(item.BaseSnapshot),
		Status:            ConflictPending,
		CreatedAt:         d.now().UTC(),
	}
}

type fieldPair struct {
	local  string
	remote string
}

func writtenFields(item SyncQueueItem) []fieldPair {
	pairs := make([]fieldPair, 0, len(item.Payload))
	for key := range item.Payload {
		remote := key
		if mapped, ok := item.FieldMappings[key]; ok && strings.TrimSpace(mapped) != "" {
			remote = mapped
		}
		pairs = append(pairs, fieldPair{local: key, remote: remote})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].local < pairs[j].local })
	return pairs
}

// remoteFields renames payload keys through the item's field mappings.
func remoteFields(item SyncQueueItem) map[string]any {
	out := make(map[string]any, len(item.Payload))
	for _, pair := range writtenFields(item) {
		out[pair.remote] = item.Payload[pair.local]
	}
	return out
}

func withoutField(in map[string]any, field string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k != field {
			out[k] = v
		}
	}
	return out
}

// canonicalHash is stable across key order and numeric representation since
// encoding/json sorts map keys.
func canonicalHash(in map[string]any) string {
	data, err := json.Marshal(normalizeValue(in))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func valuesEqual(a, b any) bool {
	left, err := json.Marshal(normalizeValue(a))
	if err != nil {
		return false
	}
	right, err := json.Marshal(normalizeValue(b))
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// normalizeValue round-trips through JSON so that int and float64 forms of
// the same number compare equal.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func stringValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%v", typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

type ResolveRequest struct {
	TenantID   string
	ConflictID string
	Policy     ResolutionPolicy
	MergeData  map[string]any
	ResolvedBy string
}

type BulkResolveRequest struct {
	TenantID    string
	ConflictIDs []string
	Policy      ResolutionPolicy
	MergeData   map[string]any
	ResolvedBy  string
}

type ResolveOutcome struct {
	ConflictID string         `json:"conflictId"`
	Status     ConflictStatus `json:"status,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type ConflictResolverOptions struct {
	// AutoPolicies maps "tenant:entity_type" to a policy applied as soon as
	// a conflict is recorded. Either part may be "*".
	AutoPolicies map[string]ResolutionPolicy
	Now          func() time.Time
	Logger       *zap.Logger
}

type ConflictResolver struct {
	conflicts ConflictStore
	snapshots SnapshotStore
	local     LocalStore
	queue     *SyncQueue
	auto      map[string]ResolutionPolicy
	now       func() time.Time
	logger    *zap.Logger
}

func NewConflictResolver(conflicts ConflictStore, snapshots SnapshotStore, local LocalStore, queue *SyncQueue, opts ConflictResolverOptions) *ConflictResolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	auto := make(map[string]ResolutionPolicy, len(opts.AutoPolicies))
	for key, policy := range opts.AutoPolicies {
		auto[strings.ToLower(strings.TrimSpace(key))] = policy
	}
	return &ConflictResolver{
		conflicts: conflicts,
		snapshots: snapshots,
		local:     local,
		queue:     queue,
		auto:      auto,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// ParseAutoPolicies reads "tenant:entity_type:policy" triples separated by
// commas. Merge cannot be automatic since it needs caller data.
func ParseAutoPolicies(raw string) (map[string]ResolutionPolicy, error) {
	out := map[string]ResolutionPolicy{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, invalidInputf("auto policy %q must be tenant:entity_type:policy", entry)
		}
		policy, err := ParseResolutionPolicy(parts[2])
		if err != nil {
			return nil, err
		}
		if policy == ResolveMerge {
			return nil, invalidInputf("merge cannot be applied automatically")
		}
		out[strings.TrimSpace(parts[0])+":"+strings.TrimSpace(parts[1])] = policy
	}
	return out, nil
}

func (r *ConflictResolver) AutoPolicy(tenantID, entityType string) (ResolutionPolicy, bool) {
	for _, key := range []string{
		tenantID + ":" + entityType,
		tenantID + ":*",
		"*:" + entityType,
		"*:*",
	} {
		if policy, ok := r.auto[strings.ToLower(key)]; ok {
			return policy, true
		}
	}
	return "", false
}

// Record persists a freshly detected conflict. The caller parks the item.
func (r *ConflictResolver) Record(ctx context.Context, conflict SyncConflict) error {
	if err := r.conflicts.InsertConflict(ctx, conflict); err != nil {
		return err
	}
	r.logger.Info("sync_conflict_recorded",
		zap.String("tenant_id", conflict.TenantID),
		zap.String("conflict_id", conflict.ID),
		zap.String("conflict_type", string(conflict.ConflictType)),
		zap.Strings("fields", conflict.ConflictingFields),
	)
	return nil
}

func (r *ConflictResolver) Get(ctx context.Context, tenantID, id string) (SyncConflict, error) {
	return r.conflicts.GetConflict(ctx, tenantID, id)
}

func (r *ConflictResolver) List(ctx context.Context, filter ConflictFilter) (ConflictFeed, error) {
	return r.conflicts.ListConflicts(ctx, filter)
}

func (r *ConflictResolver) Resolve(ctx context.Context, req ResolveRequest) (SyncConflict, error) {
	policy, err := ParseResolutionPolicy(string(req.Policy))
	if err != nil {
		return SyncConflict{}, err
	}
	if policy == ResolveMerge && len(req.MergeData) == 0 {
		return SyncConflict{}, invalidInputf("merge requires mergeData")
	}
	conflict, err := r.conflicts.GetConflict(ctx, req.TenantID, req.ConflictID)
	if err != nil {
		return SyncConflict{}, err
	}
	if conflict.Status != ConflictPending {
		return SyncConflict{}, fmt.Errorf("%w: conflict %s is %s", ErrInvalidState, conflict.ID, conflict.Status)
	}

	now := r.now().UTC()
	resolved := conflict
	resolved.Status = ConflictResolved
	resolved.Resolution = policy
	resolved.ResolvedBy = strings.TrimSpace(req.ResolvedBy)
	resolved.ResolvedAt = timePtr(now)
	switch policy {
	case ResolveUseLocal:
		resolved.ResolvedSnapshot = cloneMap(conflict.LocalSnapshot)
	case ResolveUseRemote:
		resolved.ResolvedSnapshot = cloneMap(conflict.RemoteSnapshot)
	case ResolveMerge:
		resolved.ResolvedSnapshot = cloneMap(req.MergeData)
	}

	// The conflict stays pending until its side effects are applied.
	if err := r.apply(ctx, resolved, req.MergeData); err != nil {
		r.logger.Error("sync_conflict_apply_failed",
			zap.String("tenant_id", resolved.TenantID),
			zap.String("conflict_id", resolved.ID),
			zap.String("policy", string(policy)),
			zap.Error(err),
		)
		return SyncConflict{}, err
	}
	if err := r.conflicts.FinishConflict(ctx, resolved); err != nil {
		return SyncConflict{}, err
	}
	r.logger.Info("sync_conflict_resolved",
		zap.String("tenant_id", resolved.TenantID),
		zap.String("conflict_id", resolved.ID),
		zap.String("policy", string(policy)),
		zap.String("resolved_by", resolved.ResolvedBy),
	)
	return resolved, nil
}

func (r *ConflictResolver) apply(ctx context.Context, conflict SyncConflict, mergeData map[string]any) error {
	switch conflict.Resolution {
	case ResolveUseLocal:
		if err := r.unlinkDeleted(ctx, conflict); err != nil {
			return err
		}
		_, err := r.queue.Requeue(ctx, conflict.TenantID, conflict.QueueItemID, func(item *SyncQueueItem) {
			rebase(item, conflict)
		})
		return ignoreMissingItem(err)
	case ResolveUseRemote:
		if err := r.pullRemote(ctx, conflict); err != nil {
			return err
		}
		_, err := r.queue.Cancel(ctx, conflict.TenantID, conflict.QueueItemID)
		return ignoreMissingItem(err)
	case ResolveMerge:
		if conflict.LocalEntityID != "" {
			if _, err := r.local.UpsertEntity(ctx, LocalEntity{
				TenantID:   conflict.TenantID,
				EntityType: conflict.EntityType,
				LocalID:    conflict.LocalEntityID,
				Fields:     mergeData,
				UpdatedAt:  r.now().UTC(),
			}); err != nil {
				return err
			}
		}
		if err := r.unlinkDeleted(ctx, conflict); err != nil {
			return err
		}
		_, err := r.queue.Requeue(ctx, conflict.TenantID, conflict.QueueItemID, func(item *SyncQueueItem) {
			rebase(item, conflict)
			item.Payload = cloneMap(mergeData)
			if item.Operation == OperationDelete {
				item.Operation = OperationUpdate
			}
		})
		return ignoreMissingItem(err)
	case ResolveIgnore:
		_, err := r.queue.Cancel(ctx, conflict.TenantID, conflict.QueueItemID)
		return ignoreMissingItem(err)
	}
	return nil
}

// unlinkDeleted drops the local entity's link to a remote record that no
// longer exists. The requeued item then creates a fresh record and links it.
func (r *ConflictResolver) unlinkDeleted(ctx context.Context, conflict SyncConflict) error {
	if conflict.ConflictType != ConflictRemoteDeleted || conflict.LocalEntityID == "" || conflict.RemoteID == "" {
		return nil
	}
	return r.local.UnlinkEntity(ctx, conflict.TenantID, conflict.EntityType, conflict.LocalEntityID, conflict.RemoteID)
}

// rebase points the item at the remote state seen in the conflict so the
// next attempt does not detect the same divergence again.
func rebase(item *SyncQueueItem, conflict SyncConflict) {
	item.BaseSnapshot = cloneMap(conflict.RemoteSnapshot)
	item.RemoteVersion = stringValue(conflict.RemoteSnapshot[versionField])
	if conflict.ConflictType == ConflictRemoteDeleted {
		if item.Operation == OperationUpdate {
			item.Operation = OperationCreate
		}
		item.RemoteID = ""
	}
}

func (r *ConflictResolver) pullRemote(ctx context.Context, conflict SyncConflict) error {
	now := r.now().UTC()
	if conflict.ConflictType == ConflictRemoteDeleted {
		if conflict.LocalEntityID == "" {
			return nil
		}
		return r.local.DeleteEntity(ctx, conflict.TenantID, conflict.EntityType, conflict.LocalEntityID)
	}
	entity, err := r.local.UpsertEntity(ctx, LocalEntity{
		TenantID:   conflict.TenantID,
		EntityType: conflict.EntityType,
		LocalID:    conflict.LocalEntityID,
		RemoteID:   conflict.RemoteID,
		Fields:     conflict.RemoteSnapshot,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}
	return r.snapshots.PutSnapshot(ctx, EntitySnapshot{
		TenantID:      conflict.TenantID,
		EntityType:    conflict.EntityType,
		LocalEntityID: entity.LocalID,
		RemoteID:      conflict.RemoteID,
		Fields:        cloneMap(conflict.RemoteSnapshot),
		Version:       stringValue(conflict.RemoteSnapshot[versionField]),
		SyncedAt:      now,
	})
}

// MarkIgnored closes a pending conflict whose item was cancelled by an
// operator.
func (r *ConflictResolver) MarkIgnored(ctx context.Context, tenantID, conflictID, by string) error {
	conflict, err := r.conflicts.GetConflict(ctx, tenantID, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status != ConflictPending {
		return nil
	}
	conflict.Status = ConflictIgnored
	conflict.Resolution = ResolveIgnore
	conflict.ResolvedBy = by
	conflict.ResolvedAt = timePtr(r.now().UTC())
	err = r.conflicts.FinishConflict(ctx, conflict)
	if errors.Is(err, ErrInvalidState) {
		return nil
	}
	return err
}

// ResolveBulk resolves every id independently and reports one outcome per
// id in input order.
func (r *ConflictResolver) ResolveBulk(ctx context.Context, req BulkResolveRequest) []ResolveOutcome {
	outcomes := make([]ResolveOutcome, 0, len(req.ConflictIDs))
	for _, id := range req.ConflictIDs {
		resolved, err := r.Resolve(ctx, ResolveRequest{
			TenantID:   req.TenantID,
			ConflictID: id,
			Policy:     req.Policy,
			MergeData:  req.MergeData,
			ResolvedBy: req.ResolvedBy,
		})
		outcome := ResolveOutcome{ConflictID: id}
		if err != nil {
			outcome.Error = err.Error()
			if resolved.ID != "" {
				outcome.Status = resolved.Status
			}
		} else {
			outcome.Status = resolved.Status
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func ignoreMissingItem(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
