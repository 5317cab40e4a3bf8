package pipesync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSecretGrace = 24 * time.Hour
	webhookPathPrefix  = "/v1/webhooks/pipedrive/"
)

var pipedriveEventActions = map[string]struct{}{
	"added": {}, "updated": {}, "deleted": {}, "merged": {}, "*": {},
}

var pipedriveEventObjects = map[string]struct{}{
	"activity": {}, "activityType": {}, "deal": {}, "note": {}, "organization": {}, "person": {},
	"pipeline": {}, "product": {}, "stage": {}, "user": {}, "lead": {}, "*": {},
}

type SubscriptionOptions struct {
	PublicBaseURL string
	SecretGrace   time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

type CreateSubscriptionRequest struct {
	EventAction string `json:"eventAction"`
	EventObject string `json:"eventObject"`
}

// SubscriptionManager keeps the CRM's webhook registrations and the
// per-tenant signing secret in step with the local subscription rows.
type SubscriptionManager struct {
	store     SubscriptionStore
	registrar HookRegistrar
	baseURL   string
	grace     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewSubscriptionManager(store SubscriptionStore, registrar HookRegistrar, opts SubscriptionOptions) *SubscriptionManager {
	if opts.SecretGrace <= 0 {
		opts.SecretGrace = defaultSecretGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SubscriptionManager{
		store:     store,
		registrar: registrar,
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
		grace:     opts.SecretGrace,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// CallbackURL is where the CRM delivers a tenant's webhooks.
func (m *SubscriptionManager) CallbackURL(tenantID string) string {
	return m.baseURL + webhookPathPrefix + url.PathEscape(tenantID)
}

func (m *SubscriptionManager) Create(ctx context.Context, tenantID string, req CreateSubscriptionRequest) (WebhookSubscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	action := strings.TrimSpace(req.EventAction)
	object := strings.TrimSpace(req.EventObject)
	if tenantID == "" {
		return WebhookSubscription{}, invalidInputf("tenant is required")
	}
	if _, ok := pipedriveEventActions[action]; !ok {
		return WebhookSubscription{}, invalidInputf("unsupported event action %q", req.EventAction)
	}
	if _, ok := pipedriveEventObjects[object]; !ok {
		return WebhookSubscription{}, invalidInputf("unsupported event object %q", req.EventObject)
	}
	if m.baseURL == "" {
		return WebhookSubscription{}, invalidInputf("public base url is not configured")
	}
	if _, err := m.EnsureSecret(ctx, tenantID); err != nil {
		return WebhookSubscription{}, err
	}
	callback := m.CallbackURL(tenantID)
	hook, err := m.registrar.CreateWebhook(ctx, tenantID, HookRequest{
		SubscriptionURL: callback,
		EventAction:     action,
		EventObject:     object,
	})
	if err != nil {
		return WebhookSubscription{}, fmt.Errorf("register webhook: %w", err)
	}
	sub := WebhookSubscription{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		RemoteHookID:    hook.ID,
		EventAction:     action,
		EventObject:     object,
		SubscriptionURL: callback,
		CompanyID:       hook.CompanyID,
		Active:          true,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.store.InsertSubscription(ctx, sub); err != nil {
		if delErr := m.registrar.DeleteWebhook(ctx, tenantID, hook.ID); delErr != nil {
			m.logger.Warn("webhook_registration_orphaned",
				zap.String("tenant_id", tenantID),
				zap.String("remote_hook_id", hook.ID),
				zap.Error(delErr),
			)
		}
		return WebhookSubscription{}, err
	}
	m.logger.Info("webhook_subscription_created",
		zap.String("tenant_id", tenantID),
		zap.String("subscription_id", sub.ID),
		zap.String("remote_hook_id", sub.RemoteHookID),
	)
	return sub, nil
}

func (m *SubscriptionManager) List(ctx context.Context, tenantID string) ([]WebhookSubscription, error) {
	return m.store.ListSubscriptions(ctx, tenantID)
}

// Deactivate removes the CRM registration and marks the row inactive.
// Deactivating an inactive subscription is a no-op.
func (m *SubscriptionManager) Deactivate(ctx context.Context, tenantID, id string) (WebhookSubscription, error) {
	sub, err := m.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return WebhookSubscription{}, err
	}
	if !sub.Active {
		return sub, nil
	}
	if sub.RemoteHookID != "" {
		if err := m.registrar.DeleteWebhook(ctx, tenantID, sub.RemoteHookID); err != nil && !errors.Is(err, ErrNotFound) {
			return WebhookSubscription{}, fmt.Errorf("delete webhook: %w", err)
		}
	}
	sub.Active = false
	sub.DeactivatedAt = timePtr(m.now().UTC())
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return WebhookSubscription{}, err
	}
	m.logger.Info("webhook_subscription_deactivated",
		zap.String("tenant_id", tenantID),
		zap.String("subscription_id", sub.ID),
	)
	return sub, nil
}

func (m *SubscriptionManager) EnsureSecret(ctx context.Context, tenantID string) (WebhookSecret, error) {
	secret, err := m.store.GetWebhookSecret(ctx, tenantID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return WebhookSecret{}, err
	}
	value, err := newSecret()
	if err != nil {
		return WebhookSecret{}, err
	}
	secret = WebhookSecret{TenantID: tenantID, Current: value, RotatedAt: m.now().UTC()}
	if err := m.store.PutWebhookSecret(ctx, secret); err != nil {
		return WebhookSecret{}, err
	}
	return secret, nil
}

// RotateSecret issues a new signing secret. The old one keeps verifying
// deliveries until the grace window ends.
func (m *SubscriptionManager) RotateSecret(ctx context.Context, tenantID string) (WebhookSecret, error) {
	current, err := m.store.GetWebhookSecret(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return WebhookSecret{}, err
	}
	value, err := newSecret()
	if err != nil {
		return WebhookSecret{}, err
	}
	now := m.now().UTC()
	next := WebhookSecret{TenantID: tenantID, Current: value, RotatedAt: now}
	if current.Current != "" {
		next.Previous = current.Current
		next.PreviousExpiresAt = timePtr(now.Add(m.grace))
	}
	if err := m.store.PutWebhookSecret(ctx, next); err != nil {
		return WebhookSecret{}, err
	}
	m.logger.Info("webhook_secret_rotated",
		zap.String("tenant_id", tenantID),
		zap.Duration("grace", m.grace),
	)
	return next, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
