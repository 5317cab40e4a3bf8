package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/pipesync/internal/pipesync"
)

const (
	DefaultBaseURL           = "https://api.pipedrive.com"
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerMinute = 80
	defaultBurst             = 10
	defaultMaxRetries        = 2
	defaultBaseDelay         = 200 * time.Millisecond
	defaultMaxDelay          = 5 * time.Second
	maxErrorBody             = 64 << 10
)

var entityPaths = map[string]string{
	"activity":     "activities",
	"deal":         "deals",
	"lead":         "leads",
	"note":         "notes",
	"organization": "organizations",
	"person":       "persons",
	"pipeline":     "pipelines",
	"product":      "products",
	"project":      "projects",
	"stage":        "stages",
}

type Options struct {
	BaseURL           string
	APIToken          string
	TenantTokens      map[string]string
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Breaker           BreakerSettings
	Logger            *zap.Logger
}

// Client talks to the Pipedrive REST API on behalf of many tenants. Every
// tenant gets its own rate limiter and circuit breaker so that one noisy
// account cannot starve or trip the others.
type Client struct {
	baseURL      string
	apiToken     string
	tenantTokens map[string]string
	httpClient   *http.Client
	rpm          int
	burst        int
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	breakerCfg   BreakerSettings
	logger       *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]circuitBreaker
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tokens := make(map[string]string, len(opts.TenantTokens))
	for tenant, token := range opts.TenantTokens {
		tokens[strings.TrimSpace(tenant)] = strings.TrimSpace(token)
	}
	return &Client{
		baseURL:      baseURL,
		apiToken:     strings.TrimSpace(opts.APIToken),
		tenantTokens: tokens,
		httpClient:   opts.HTTPClient,
		rpm:          opts.RequestsPerMinute,
		burst:        opts.Burst,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		breakerCfg:   opts.Breaker,
		logger:       opts.Logger,
		limiters:     map[string]*rate.Limiter{},
		breakers:     map[string]circuitBreaker{},
	}
}

// ParseTenantTokens reads "tenant=token" pairs separated by commas.
func ParseTenantTokens(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, token, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(tenant) == "" || strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("%w: tenant token %q must be tenant=token", pipesync.ErrInvalidInput, pair)
		}
		out[strings.TrimSpace(tenant)] = strings.TrimSpace(token)
	}
	return out, nil
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorInfo string          `json:"error_info"`
	ErrorCode any             `json:"errorCode"`
}

func (c *Client) Get(ctx context.Context, tenantID, entityType, remoteID string) (pipesync.RemoteEntity, error) {
	path, err := entityPath(entityType, remoteID)
	if err != nil {
		return pipesync.RemoteEntity{}, err
	}
	var data map[string]any
	if err := c.do(ctx, tenantID, http.MethodGet, path, nil, &data); err != nil {
		return pipesync.RemoteEntity{}, err
	}
	if data == nil {
		return pipesync.RemoteEntity{}, fmt.Errorf("%s %s: %w", entityType, remoteID, pipesync.ErrNotFound)
	}
	return toRemoteEntity(data), nil
}

func (c *Client) Create(ctx context.Context, tenantID, entityType string, fields map[string]any) (pipesync.RemoteEntity, error) {
	path, err := entityPath(entityType, "")
	if err != nil {
		return pipesync.RemoteEntity{}, err
	}
	var data map[string]any
	if err := c.do(ctx, tenantID, http.MethodPost, path, fields, &data); err != nil {
		return pipesync.RemoteEntity{}, err
	}
	return toRemoteEntity(data), nil
}

func (c *Client) Update(ctx context.Context, tenantID, entityType, remoteID string, fields map[string]any) (pipesync.RemoteEntity, error) {
	path, err := entityPath(entityType, remoteID)
	if err != nil {
		return pipesync.RemoteEntity{}, err
	}
	method := http.MethodPut
	if strings.EqualFold(entityType, "lead") {
		method = http.MethodPatch
	}
	var data map[string]any
	if err := c.do(ctx, tenantID, method, path, fields, &data); err != nil {
		return pipesync.RemoteEntity{}, err
	}
	entity := toRemoteEntity(data)
	if entity.ID == "" {
		entity.ID = remoteID
	}
	return entity, nil
}

func (c *Client) Delete(ctx context.Context, tenantID, entityType, remoteID string) error {
	path, err := entityPath(entityType, remoteID)
	if err != nil {
		return err
	}
	return c.do(ctx, tenantID, http.MethodDelete, path, nil, nil)
}

func (c *Client) CreateWebhook(ctx context.Context, tenantID string, req pipesync.HookRequest) (pipesync.RemoteHook, error) {
	body := map[string]any{
		"subscription_url": req.SubscriptionURL,
		"event_action":     req.EventAction,
		"event_object":     req.EventObject,
	}
	var data map[string]any
	if err := c.do(ctx, tenantID, http.MethodPost, "/v1/webhooks", body, &data); err != nil {
		return pipesync.RemoteHook{}, err
	}
	return pipesync.RemoteHook{ID: idString(data["id"]), CompanyID: idString(data["company_id"])}, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, tenantID, hookID string) error {
	return c.do(ctx, tenantID, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(hookID), nil, nil)
}

func entityPath(entityType, remoteID string) (string, error) {
	segment, ok := entityPaths[strings.ToLower(strings.TrimSpace(entityType))]
	if !ok {
		return "", pipesync.NewPermanentRemoteError(0, "unsupported_entity", "unsupported entity type "+entityType)
	}
	if remoteID == "" {
		return "/v1/" + segment, nil
	}
	return "/v1/" + segment + "/" + url.PathEscape(remoteID), nil
}

func toRemoteEntity(data map[string]any) pipesync.RemoteEntity {
	return pipesync.RemoteEntity{
		ID:      idString(data["id"]),
		Fields:  data,
		Version: idString(data["update_time"]),
	}
}

func idString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}

func (c *Client) token(tenantID string) string {
	if token := c.tenantTokens[tenantID]; token != "" {
		return token
	}
	return c.apiToken
}

func (c *Client) tenantGuards(tenantID string) (*rate.Limiter, circuitBreaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(c.rpm)/60), c.burst)
		c.limiters[tenantID] = limiter
	}
	breaker, ok := c.breakers[tenantID]
	if !ok {
		breaker = newBreaker("pipedrive-"+tenantID, c.breakerCfg, func(name string, from, to gobreaker.State) {
			c.logger.Warn("pipedrive_breaker_state_changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
		c.breakers[tenantID] = breaker
	}
	return limiter, breaker
}

func (c *Client) do(ctx context.Context, tenantID, method, requestPath string, body, out any) error {
	token := c.token(tenantID)
	if token == "" {
		return pipesync.NewPermanentRemoteError(0, "missing_token", "no Pipedrive API token for tenant "+tenantID)
	}
	limiter, breaker := c.tenantGuards(tenantID)
	return breaker.Execute(func() error {
		return c.doJSON(ctx, limiter, token, method, requestPath, body, out)
	})
}

func (c *Client) doJSON(ctx context.Context, limiter *rate.Limiter, token, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return pipesync.NewTransientRemoteError(err)
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("x-api-token", token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", ulid.Make().String())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return pipesync.NewTransientRemoteError(waitErr)
				}
				continue
			}
			return pipesync.NewTransientRemoteError(err)
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*16))
		_ = resp.Body.Close()
		if readErr != nil {
			return pipesync.NewTransientRemoteError(readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return pipesync.NewTransientRemoteError(fmt.Errorf("decode response: %w", err))
			}
			if len(env.Data) == 0 || string(env.Data) == "null" {
				return nil
			}
			return json.Unmarshal(env.Data, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("pipedrive_request_retry",
				zap.String("method", method),
				zap.String("path", requestPath),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return pipesync.NewTransientRemoteError(waitErr)
			}
			continue
		}
		return classify(resp.StatusCode, payload)
	}
}

func classify(status int, payload []byte) error {
	if len(payload) > maxErrorBody {
		payload = payload[:maxErrorBody]
	}
	var env envelope
	_ = json.Unmarshal(payload, &env)
	message := strings.TrimSpace(env.Error)
	if message == "" {
		message = http.StatusText(status)
	}
	code := idString(env.ErrorCode)
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s: %w", message, pipesync.ErrNotFound)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &pipesync.RemoteError{StatusCode: status, Code: code, Message: message, Transient: true}
	default:
		return pipesync.NewPermanentRemoteError(status, code, message)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter, ok := parseRetryAfter(retryAfterHeader); ok {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta, true
		}
		return 0, true
	}
	return 0, false
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ pipesync.RemoteClient  = (*Client)(nil)
	_ pipesync.HookRegistrar = (*Client)(nil)
)
