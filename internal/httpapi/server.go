package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/pipesync/internal/pipesync"
)

const (
	signatureHeader     = "X-Pipesync-Signature"
	correlationIDHeader = "X-Correlation-Id"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StreamPing      time.Duration
	// StreamOrigins lists extra host patterns allowed to open the sync
	// stream from a browser. Same-host origins are always accepted.
	StreamOrigins []string
	Now           func() time.Time
	Logger        *zap.Logger
}

type Server struct {
	engine        *pipesync.Engine
	subscriptions *pipesync.SubscriptionManager
	cfg           ServerConfig
	rateLimiter   *rateLimiter
	logger        *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *pipesync.Engine, subscriptions *pipesync.SubscriptionManager, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPing <= 0 {
		cfg.StreamPing = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:        engine,
		subscriptions: subscriptions,
		cfg:           cfg,
		rateLimiter:   limiter,
		logger:        cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "webhooks" && parts[2] == "pipedrive" && r.Method == http.MethodPost {
		switch len(parts) {
		case 3:
			s.handleWebhook(w, r, "", correlationID)
			return
		case 4:
			s.handleWebhook(w, r, parts[3], correlationID)
			return
		}
	}

	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	tenantID := parts[2]
	rest := parts[3:]

	var requiredScope string
	var route string
	switch {
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "health" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_health"
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_stream"
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "queue" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "queue_list"
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "queue" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "queue_enqueue"
	case len(rest) == 4 && rest[0] == "sync" && rest[1] == "queue" && rest[3] == "cancel" && r.Method == http.MethodPost:
		requiredScope = "sync:admin"
		route = "queue_cancel"
	case len(rest) == 2 && rest[0] == "sync" && rest[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "conflicts:read"
		route = "conflict_list"
	case len(rest) == 3 && rest[0] == "sync" && rest[1] == "conflicts" && rest[2] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "conflicts:resolve"
		route = "conflict_resolve"
	case len(rest) == 3 && rest[0] == "sync" && rest[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "conflicts:read"
		route = "conflict"
	case len(rest) == 2 && rest[0] == "webhooks" && rest[1] == "subscriptions" && r.Method == http.MethodGet:
		requiredScope = "webhooks:read"
		route = "subscription_list"
	case len(rest) == 2 && rest[0] == "webhooks" && rest[1] == "subscriptions" && r.Method == http.MethodPost:
		requiredScope = "webhooks:write"
		route = "subscription_create"
	case len(rest) == 4 && rest[0] == "webhooks" && rest[1] == "subscriptions" && rest[3] == "deactivate" && r.Method == http.MethodPost:
		requiredScope = "webhooks:write"
		route = "subscription_deactivate"
	case len(rest) == 3 && rest[0] == "webhooks" && rest[1] == "secret" && rest[2] == "rotate" && r.Method == http.MethodPost:
		requiredScope = "webhooks:write"
		route = "secret_rotate"
	case len(rest) == 1 && rest[0] == "routes" && r.Method == http.MethodGet:
		requiredScope = "routes:read"
		route = "route_list"
	case len(rest) == 2 && rest[0] == "routes" && r.Method == http.MethodPut:
		requiredScope = "routes:write"
		route = "route_put"
	case len(rest) == 2 && rest[0] == "routes" && r.Method == http.MethodDelete:
		requiredScope = "routes:write"
		route = "route_delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	now := s.cfg.Now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync_status":
		s.handleSyncStatus(w, r, tenantID, correlationID)
	case "sync_health":
		s.handleSyncHealth(w, r, tenantID, correlationID)
	case "sync_stream":
		s.handleSyncStream(w, r, tenantID, correlationID)
	case "queue_list":
		s.handleQueueList(w, r, tenantID, correlationID)
	case "queue_enqueue":
		s.handleQueueEnqueue(w, r, tenantID, correlationID)
	case "queue_cancel":
		s.handleQueueCancel(w, r, tenantID, rest[2], claims.Subject, correlationID)
	case "conflict_list":
		s.handleConflictList(w, r, tenantID, correlationID)
	case "conflict":
		s.handleConflict(w, r, tenantID, rest[2], correlationID)
	case "conflict_resolve":
		s.handleConflictResolve(w, r, tenantID, claims.Subject, correlationID)
	case "subscription_list":
		s.handleSubscriptionList(w, r, tenantID, correlationID)
	case "subscription_create":
		s.handleSubscriptionCreate(w, r, tenantID, correlationID)
	case "subscription_deactivate":
		s.handleSubscriptionDeactivate(w, r, tenantID, rest[2], correlationID)
	case "secret_rotate":
		s.handleSecretRotate(w, r, tenantID, correlationID)
	case "route_list":
		s.handleRouteList(w, r, tenantID, correlationID)
	case "route_put":
		s.handleRoutePut(w, r, tenantID, rest[1], correlationID)
	case "route_delete":
		s.handleRouteDelete(w, r, tenantID, rest[1], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.engine.Receiver().Receive(r.Context(), pipesync.ReceiveRequest{
		TenantID:      tenantID,
		Body:          body,
		Signature:     r.Header.Get(signatureHeader),
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	status := http.StatusAccepted
	if result.Status == pipesync.ReceiveDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	status, err := s.engine.Status(r.Context(), pipesync.StatusRequest{
		TenantID:  tenantID,
		Conflicts: pageFromQuery(r),
		Days:      parseBoundedInt(r.URL.Query().Get("days"), 7, 1, 90),
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	health, err := s.engine.Metrics().GetHealth(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	feed, err := s.engine.Queue().List(r.Context(), pipesync.QueueFilter{
		TenantID: tenantID,
		Status:   pipesync.QueueStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Page:     pageFromQuery(r),
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

type enqueueRequest struct {
	Direction      pipesync.Direction `json:"direction"`
	Operation      pipesync.Operation `json:"operation"`
	EntityType     string             `json:"entityType"`
	LocalEntityID  string             `json:"localEntityId"`
	RemoteID       string             `json:"remoteId"`
	Payload        map[string]any     `json:"payload"`
	FieldMappings  map[string]string  `json:"fieldMappings"`
	BaseSnapshot   map[string]any     `json:"baseSnapshot"`
	Priority       int                `json:"priority"`
	MaxRetries     int                `json:"maxRetries"`
	IdempotencyKey string             `json:"idempotencyKey"`
}

func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var body enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	item, err := s.engine.Enqueue(r.Context(), pipesync.SyncQueueItem{
		TenantID:       tenantID,
		Direction:      body.Direction,
		Operation:      body.Operation,
		EntityType:     body.EntityType,
		LocalEntityID:  body.LocalEntityID,
		RemoteID:       body.RemoteID,
		Payload:        body.Payload,
		FieldMappings:  body.FieldMappings,
		BaseSnapshot:   body.BaseSnapshot,
		Priority:       body.Priority,
		MaxRetries:     body.MaxRetries,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request, tenantID, itemID, subject, correlationID string) {
	item, err := s.engine.CancelQueueItem(r.Context(), tenantID, itemID, subject)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleConflictList(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	feed, err := s.engine.Resolver().List(r.Context(), pipesync.ConflictFilter{
		TenantID: tenantID,
		Status:   pipesync.ConflictStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Page:     pageFromQuery(r),
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleConflict(w http.ResponseWriter, r *http.Request, tenantID, conflictID, correlationID string) {
	conflict, err := s.engine.Resolver().Get(r.Context(), tenantID, conflictID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type resolveRequest struct {
	ConflictID  string         `json:"conflictId"`
	ConflictIDs []string       `json:"conflictIds"`
	Policy      string         `json:"policy"`
	MergeData   map[string]any `json:"mergeData"`
}

func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request, tenantID, subject, correlationID string) {
	var body resolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	policy, err := pipesync.ParseResolutionPolicy(body.Policy)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if len(body.ConflictIDs) > 0 {
		outcomes := s.engine.ResolveConflicts(r.Context(), pipesync.BulkResolveRequest{
			TenantID:    tenantID,
			ConflictIDs: body.ConflictIDs,
			Policy:      policy,
			MergeData:   body.MergeData,
			ResolvedBy:  subject,
		})
		writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
		return
	}
	if strings.TrimSpace(body.ConflictID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "conflictId or conflictIds is required", correlationID)
		return
	}
	conflict, err := s.engine.ResolveConflict(r.Context(), pipesync.ResolveRequest{
		TenantID:   tenantID,
		ConflictID: body.ConflictID,
		Policy:     policy,
		MergeData:  body.MergeData,
		ResolvedBy: subject,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleSubscriptionList(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	subs, err := s.subscriptions.List(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (s *Server) handleSubscriptionCreate(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var body struct {
		EventAction string `json:"eventAction"`
		EventObject string `json:"eventObject"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	sub, err := s.subscriptions.Create(r.Context(), tenantID, pipesync.CreateSubscriptionRequest{
		EventAction: body.EventAction,
		EventObject: body.EventObject,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleSubscriptionDeactivate(w http.ResponseWriter, r *http.Request, tenantID, subID, correlationID string) {
	sub, err := s.subscriptions.Deactivate(r.Context(), tenantID, subID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSecretRotate(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	secret, err := s.subscriptions.RotateSecret(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) handleRouteList(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	routes, err := s.engine.Repository().ListRoutes(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

func (s *Server) handleRoutePut(w http.ResponseWriter, r *http.Request, tenantID, routeID, correlationID string) {
	var route pipesync.WebhookRoute
	if !s.decodeJSONBody(w, r, correlationID, &route) {
		return
	}
	route.ID = routeID
	route.TenantID = tenantID
	route.UpdatedAt = s.cfg.Now().UTC()
	if route.Action == "" {
		route.Action = "*"
	}
	if route.Object == "" {
		route.Object = "*"
	}
	if err := pipesync.ValidateRoute(route); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if err := s.engine.Repository().PutRoute(r.Context(), route); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request, tenantID, routeID, correlationID string) {
	if err := s.engine.Repository().DeleteRoute(r.Context(), tenantID, routeID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, pipesync.ErrVerification):
		writeError(w, http.StatusUnauthorized, "verification_failed", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrNotFound), errors.Is(err, pipesync.ErrRouteNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrInvalidInput), errors.Is(err, pipesync.ErrMalformedRouteConfig):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrLockBusy), errors.Is(err, pipesync.ErrOptimisticConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrPermanentRemote), errors.Is(err, pipesync.ErrTransientRemote):
		writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
	case errors.Is(err, pipesync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("http_request_failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// ensureCorrelationID echoes the caller's id or generates one.
func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	correlationID := strings.TrimSpace(r.Header.Get(correlationIDHeader))
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	w.Header().Set(correlationIDHeader, correlationID)
	return correlationID
}

func pageFromQuery(r *http.Request) pipesync.Page {
	return pipesync.Page{
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		Limit:  parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500),
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// AccessLog logs one line per request.
func AccessLog(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", w.Header().Get(correlationIDHeader)),
		)
	})
}
