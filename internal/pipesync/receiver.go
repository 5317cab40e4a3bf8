package pipesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const signaturePrefix = "sha256="

type ReceiveStatus string

const (
	ReceiveAccepted  ReceiveStatus = "accepted"
	ReceiveDuplicate ReceiveStatus = "duplicate"
)

// ReceiveRequest is one raw webhook delivery. TenantID may be empty, in
// which case the tenant is looked up from the payload's company id.
type ReceiveRequest struct {
	TenantID      string
	Body          []byte
	Signature     string
	CorrelationID string
}

type ReceiveResult struct {
	Status   ReceiveStatus `json:"status"`
	Event    WebhookEvent  `json:"event"`
	Enqueued bool          `json:"enqueued"`
}

type ReceiverOptions struct {
	Now         func() time.Time
	Logger      *zap.Logger
	Broadcaster *Broadcaster
}

type WebhookReceiver struct {
	events      EventStore
	subs        SubscriptionStore
	inbox       EventInbox
	metrics     *MetricsTracker
	now         func() time.Time
	logger      *zap.Logger
	broadcaster *Broadcaster
}

func NewWebhookReceiver(events EventStore, subs SubscriptionStore, inbox EventInbox, metrics *MetricsTracker, opts ReceiverOptions) *WebhookReceiver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebhookReceiver{
		events:      events,
		subs:        subs,
		inbox:       inbox,
		metrics:     metrics,
		now:         opts.Now,
		logger:      opts.Logger,
		broadcaster: opts.Broadcaster,
	}
}

// Receive verifies, deduplicates and persists one delivery. Nothing is
// stored when verification fails.
func (r *WebhookReceiver) Receive(ctx context.Context, req ReceiveRequest) (ReceiveResult, error) {
	if len(req.Body) == 0 {
		return ReceiveResult{}, invalidInputf("webhook body is empty")
	}
	now := r.now().UTC()
	tenantID := strings.TrimSpace(req.TenantID)

	var (
		decoded   DecodedWebhook
		decodeErr error
		decodedOK bool
	)
	if tenantID == "" {
		decoded, decodeErr = DecodeWebhook(req.Body)
		if decodeErr != nil {
			return ReceiveResult{}, &VerificationError{Reason: "tenant cannot be determined"}
		}
		decodedOK = true
		resolved, err := r.subs.FindTenantByCompanyID(ctx, decoded.CompanyID)
		if errors.Is(err, ErrNotFound) {
			return ReceiveResult{}, &VerificationError{Reason: "unknown company " + decoded.CompanyID}
		}
		if err != nil {
			return ReceiveResult{}, err
		}
		tenantID = resolved
	}

	if err := r.verify(ctx, tenantID, req.Body, req.Signature, now); err != nil {
		return ReceiveResult{}, err
	}

	if !decodedOK {
		decoded, decodeErr = DecodeWebhook(req.Body)
		if decodeErr != nil {
			return ReceiveResult{}, decodeErr
		}
	}

	event := WebhookEvent{
		ID:            ulid.Make().String(),
		TenantID:      tenantID,
		EventID:       decoded.EventID,
		Action:        decoded.Action,
		Object:        decoded.Object,
		ObjectID:      decoded.ObjectID,
		Current:       decoded.Current,
		Previous:      decoded.Previous,
		Meta:          decoded.Meta,
		Status:        EventPending,
		ReceivedAt:    now,
		CorrelationID: req.CorrelationID,
	}
	stored, inserted, err := r.events.InsertEvent(ctx, event)
	if err != nil {
		return ReceiveResult{}, err
	}
	if !inserted {
		r.logger.Debug("webhook_event_duplicate",
			zap.String("tenant_id", tenantID),
			zap.String("event_id", stored.EventID),
			zap.String("correlation_id", req.CorrelationID),
		)
		return ReceiveResult{Status: ReceiveDuplicate, Event: stored}, nil
	}

	if r.metrics != nil {
		if err := r.metrics.RecordReceipt(ctx, tenantID, stored.Object); err != nil {
			r.logger.Warn("webhook_metrics_update_failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	enqueued := r.inbox != nil && r.inbox.TryEnqueue(InboxEntry{TenantID: tenantID, EventID: stored.ID})
	if !enqueued {
		r.logger.Warn("webhook_inbox_full",
			zap.String("tenant_id", tenantID),
			zap.String("event_id", stored.ID),
		)
	}
	r.logger.Info("webhook_event_received",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", stored.EventID),
		zap.String("action", stored.Action),
		zap.String("object", stored.Object),
		zap.String("correlation_id", req.CorrelationID),
	)
	r.broadcaster.Publish(SyncEvent{
		Type:       SyncEventReceived,
		TenantID:   tenantID,
		EventID:    stored.ID,
		EntityType: stored.Object,
		Status:     string(stored.Status),
		At:         now,
	})
	return ReceiveResult{Status: ReceiveAccepted, Event: stored, Enqueued: enqueued}, nil
}

func (r *WebhookReceiver) verify(ctx context.Context, tenantID string, body []byte, signature string, now time.Time) error {
	secret, err := r.subs.GetWebhookSecret(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	known := err == nil
	reason := ""
	switch {
	case !known:
		reason = "no webhook secret"
	case strings.TrimSpace(signature) == "":
		reason = "missing signature"
	case !secret.Accepts(body, signature, now):
		reason = "signature mismatch"
	}
	if reason == "" {
		return nil
	}
	r.logger.Warn("webhook_verification_failed",
		zap.String("tenant_id", tenantID),
		zap.String("reason", reason),
	)
	// A tenant without a stored secret gets no health row.
	if r.metrics != nil && known {
		if err := r.metrics.RecordVerificationFailure(ctx, tenantID, reason); err != nil {
			r.logger.Warn("webhook_metrics_update_failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return &VerificationError{TenantID: tenantID, Reason: reason}
}

// Accepts reports whether signature is a valid HMAC of body under the
// current secret, or under the previous one while its grace window is open.
func (s WebhookSecret) Accepts(body []byte, signature string, now time.Time) bool {
	if VerifySignature(s.Current, body, signature) {
		return true
	}
	if s.Previous != "" && s.PreviousExpiresAt != nil && now.Before(*s.PreviousExpiresAt) {
		return VerifySignature(s.Previous, body, signature)
	}
	return false
}

func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), signaturePrefix)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
