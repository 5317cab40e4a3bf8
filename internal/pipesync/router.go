package pipesync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RouteResult is the outcome of routing one event. Items are the queue items
// the matched route fans out to, already enqueued.
type RouteResult struct {
	Route WebhookRoute
	Items []SyncQueueItem
}

type EventRouter struct {
	routes  RouteStore
	queue   *SyncQueue
	limiter *ExecutionLimiter
	cache   *routeCache
	logger  *zap.Logger
}

func NewEventRouter(routes RouteStore, queue *SyncQueue, limiter *ExecutionLimiter, logger *zap.Logger) *EventRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRouter{
		routes:  routes,
		queue:   queue,
		limiter: limiter,
		cache:   newRouteCache(),
		logger:  logger,
	}
}

// match returns the first active route whose filters accept the event.
// Routes are tried by ascending priority number, ties by id.
func (r *EventRouter) match(ctx context.Context, event WebhookEvent) (*compiledRoute, error) {
	routes, err := r.routes.ListRoutes(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}
	sortRoutes(routes)
	for _, route := range routes {
		if !route.Active || !routeSelects(route, event) {
			continue
		}
		compiled, err := r.cache.get(route)
		if err != nil {
			return nil, err
		}
		matched, err := compiled.matches(event)
		if err != nil {
			return nil, err
		}
		if matched {
			return compiled, nil
		}
	}
	return nil, ErrRouteNotFound
}

func routeSelects(route WebhookRoute, event WebhookEvent) bool {
	action := strings.ToLower(strings.TrimSpace(route.Action))
	object := strings.ToLower(strings.TrimSpace(route.Object))
	if action != "*" && action != event.Action {
		return false
	}
	return object == "*" || object == event.Object
}

// Route matches the event and enqueues every item its handler produces. It
// returns ErrRouteNotFound when nothing matches, ErrRateLimited when the
// route's execution budget is spent and a *MalformedRouteConfigError when
// the matched route cannot be applied.
func (r *EventRouter) Route(ctx context.Context, event WebhookEvent) (RouteResult, error) {
	compiled, err := r.match(ctx, event)
	if err != nil {
		return RouteResult{}, err
	}
	result := RouteResult{Route: compiled.route}
	items := make([]SyncQueueItem, 0, len(compiled.handler.Steps))
	for index, step := range compiled.handler.Steps {
		item, err := step.buildItem(event, compiled.route, index)
		if err != nil {
			return result, &MalformedRouteConfigError{RouteID: compiled.route.ID, Err: err}
		}
		items = append(items, item)
	}
	if r.limiter != nil && !r.limiter.Allow(compiled.route) {
		return result, fmt.Errorf("route %s: %w", compiled.route.ID, ErrRateLimited)
	}
	for _, item := range items {
		stored, err := r.queue.Enqueue(ctx, item)
		if err != nil {
			return result, fmt.Errorf("enqueue %s: %w", item.IdempotencyKey, err)
		}
		result.Items = append(result.Items, stored)
	}
	r.logger.Debug("webhook_event_routed",
		zap.String("tenant_id", event.TenantID),
		zap.String("event_id", event.EventID),
		zap.String("route_id", compiled.route.ID),
		zap.Int("items", len(result.Items)),
	)
	return result, nil
}
