package pipesync

import (
	"context"
	"strings"
)

type InboxStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// SyncStatus is the operator view of one tenant.
type SyncStatus struct {
	TenantID      string              `json:"tenantId"`
	Queue         map[QueueStatus]int `json:"queue"`
	OpenConflicts ConflictFeed        `json:"openConflicts"`
	Metrics       []SyncMetrics       `json:"metrics"`
	Health        WebhookHealthStatus `json:"health"`
	Paused        bool                `json:"paused"`
	Inbox         InboxStatus         `json:"inbox"`
}

type StatusRequest struct {
	TenantID  string
	Conflicts Page
	Days      int
}

func (e *Engine) Status(ctx context.Context, req StatusRequest) (SyncStatus, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return SyncStatus{}, invalidInputf("tenant is required")
	}
	counts, err := e.queue.Counts(ctx, tenantID)
	if err != nil {
		return SyncStatus{}, err
	}
	conflicts, err := e.resolver.List(ctx, ConflictFilter{TenantID: tenantID, Status: ConflictPending, Page: req.Conflicts})
	if err != nil {
		return SyncStatus{}, err
	}
	metrics, err := e.metrics.ListMetrics(ctx, tenantID, req.Days)
	if err != nil {
		return SyncStatus{}, err
	}
	health, err := e.metrics.GetHealth(ctx, tenantID)
	if err != nil {
		return SyncStatus{}, err
	}
	paused, err := e.metrics.Paused(ctx, tenantID)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		TenantID:      tenantID,
		Queue:         counts,
		OpenConflicts: conflicts,
		Metrics:       metrics,
		Health:        health,
		Paused:        paused,
		Inbox:         InboxStatus{Depth: e.inbox.Depth(), Capacity: e.inbox.Capacity()},
	}, nil
}
