package pipesync

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHealthFailureThreshold = 5
	defaultHealthPauseCooldown    = time.Minute
	metricsHistoryDays            = 7
)

type MetricsOptions struct {
	FailureThreshold int
	PauseCooldown    time.Duration
	Now              func() time.Time
	Logger           *zap.Logger
}

// MetricsTracker folds outcomes into the per-day rollup rows and the tenant
// health row. Only the current UTC day is ever written.
type MetricsTracker struct {
	store     MetricsStore
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewMetricsTracker(store MetricsStore, opts MetricsOptions) *MetricsTracker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultHealthFailureThreshold
	}
	if opts.PauseCooldown <= 0 {
		opts.PauseCooldown = defaultHealthPauseCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MetricsTracker{
		store:     store,
		threshold: opts.FailureThreshold,
		cooldown:  opts.PauseCooldown,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// RecordEvent counts one outcome. failed bumps consecutive_failures while
// processed and synced reset it.
func (m *MetricsTracker) RecordEvent(ctx context.Context, tenantID, entityType string, outcome Outcome, latency time.Duration) error {
	now := m.now().UTC()
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if entityType == "" {
		entityType = "unknown"
	}
	if err := m.store.RecordMetric(ctx, MetricDelta{
		TenantID:   tenantID,
		Day:        dayKey(now),
		EntityType: entityType,
		Outcome:    outcome,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
	}); err != nil {
		return err
	}
	switch outcome {
	case OutcomeFailed:
		return m.observe(ctx, HealthObservation{TenantID: tenantID, At: now, Success: false, ErrorMessage: string(outcome) + " " + entityType})
	case OutcomeProcessed, OutcomeSynced:
		return m.observe(ctx, HealthObservation{TenantID: tenantID, At: now, Success: true})
	}
	return nil
}

// RecordFailure is RecordEvent(failed) with the error message kept on the
// health row.
func (m *MetricsTracker) RecordFailure(ctx context.Context, tenantID, entityType string, cause error, latency time.Duration) error {
	now := m.now().UTC()
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if entityType == "" {
		entityType = "unknown"
	}
	if err := m.store.RecordMetric(ctx, MetricDelta{
		TenantID:   tenantID,
		Day:        dayKey(now),
		EntityType: entityType,
		Outcome:    OutcomeFailed,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
	}); err != nil {
		return err
	}
	message := "failed"
	if cause != nil {
		message = cause.Error()
	}
	return m.observe(ctx, HealthObservation{TenantID: tenantID, At: now, Success: false, ErrorMessage: message})
}

// RecordReceipt marks an accepted webhook delivery.
func (m *MetricsTracker) RecordReceipt(ctx context.Context, tenantID, object string) error {
	now := m.now().UTC()
	if err := m.store.RecordMetric(ctx, MetricDelta{
		TenantID:   tenantID,
		Day:        dayKey(now),
		EntityType: strings.ToLower(strings.TrimSpace(object)),
		Outcome:    OutcomeReceived,
	}); err != nil {
		return err
	}
	return m.observe(ctx, HealthObservation{TenantID: tenantID, At: now, Success: true, EventSeen: true, Intake: true})
}

// RecordVerificationFailure marks a rejected webhook delivery. Nothing else
// about the request is stored. It counts toward the health flag but never
// pauses queue processing.
func (m *MetricsTracker) RecordVerificationFailure(ctx context.Context, tenantID, reason string) error {
	if strings.TrimSpace(tenantID) == "" {
		return nil
	}
	return m.observe(ctx, HealthObservation{
		TenantID:     tenantID,
		At:           m.now().UTC(),
		Success:      false,
		Intake:       true,
		ErrorMessage: "verification failed: " + reason,
	})
}

func (m *MetricsTracker) observe(ctx context.Context, observation HealthObservation) error {
	observation.Threshold = m.threshold
	status, err := m.store.ObserveHealth(ctx, observation)
	if err != nil {
		return err
	}
	if !status.IsHealthy && status.ConsecutiveFailures == m.threshold {
		m.logger.Warn("tenant_marked_unhealthy",
			zap.String("tenant_id", status.TenantID),
			zap.Int("consecutive_failures", status.ConsecutiveFailures),
			zap.String("last_error", status.LastErrorMessage),
		)
	}
	return nil
}

func (m *MetricsTracker) GetHealth(ctx context.Context, tenantID string) (WebhookHealthStatus, error) {
	return m.store.GetHealth(ctx, tenantID)
}

// ListMetrics returns the rollup rows of the last days days, newest first.
func (m *MetricsTracker) ListMetrics(ctx context.Context, tenantID string, days int) ([]SyncMetrics, error) {
	if days <= 0 {
		days = metricsHistoryDays
	}
	since := dayKey(m.now().UTC().AddDate(0, 0, -(days - 1)))
	return m.store.ListMetrics(ctx, tenantID, since)
}

// Paused reports whether queue processing for the tenant should hold off.
// A tenant whose queue items failed threshold times in a row is paused
// until the cooldown since the last such failure has passed; the next
// attempt then decides whether it recovers.
func (m *MetricsTracker) Paused(ctx context.Context, tenantID string) (bool, error) {
	status, err := m.store.GetHealth(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if status.SyncFailures < m.threshold || status.LastSyncErrorAt == nil {
		return false, nil
	}
	return m.now().UTC().Before(status.LastSyncErrorAt.Add(m.cooldown)), nil
}
