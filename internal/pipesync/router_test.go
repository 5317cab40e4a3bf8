package pipesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routerFixture struct {
	repo   *MemoryRepository
	queue  *SyncQueue
	router *EventRouter
	clock  *testClock
}

func newRouterFixture() routerFixture {
	clock := newTestClock()
	repo := NewMemoryRepository()
	locks := NewLockManager(repo, LockManagerOptions{Now: clock.Now})
	queue := NewSyncQueue(repo, locks, QueueOptions{Now: clock.Now})
	router := NewEventRouter(repo, queue, NewExecutionLimiter(clock.Now), nil)
	return routerFixture{repo: repo, queue: queue, router: router, clock: clock}
}

func (f routerFixture) putRoute(t *testing.T, route WebhookRoute) {
	t.Helper()
	if route.TenantID == "" {
		route.TenantID = "t1"
	}
	route.Active = true
	route.UpdatedAt = f.clock.Now()
	require.NoError(t, f.repo.PutRoute(context.Background(), route))
}

func personUpdated(f routerFixture) WebhookEvent {
	return WebhookEvent{
		ID:         "evt-internal-1",
		TenantID:   "t1",
		EventID:    "evt-1",
		Action:     "updated",
		Object:     "person",
		ObjectID:   "42",
		Current:    map[string]any{"id": 42, "name": "Ada", "stage_id": 4, "update_time": "2025-03-14 09:00:00"},
		Previous:   map[string]any{"id": 42, "name": "Ada", "stage_id": 3},
		ReceivedAt: f.clock.Now(),
	}
}

func TestEventRouterFirstMatchByPriorityNumber(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "b-low", Action: "updated", Object: "person", Priority: 5,
		HandlerConfig: json.RawMessage(`{"kind":"delete_entity"}`)})
	f.putRoute(t, WebhookRoute{ID: "a-high", Action: "updated", Object: "*", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity","entityType":"lead","fields":["name"],"fieldMappings":{"title":"name"}}`)})

	result, err := f.router.Route(context.Background(), personUpdated(f))
	require.NoError(t, err)
	assert.Equal(t, "a-high", result.Route.ID)
	require.Len(t, result.Items, 1)
	item := result.Items[0]
	assert.Equal(t, DirectionPull, item.Direction)
	assert.Equal(t, OperationUpdate, item.Operation)
	assert.Equal(t, "lead", item.EntityType)
	assert.Equal(t, "42", item.RemoteID)
	assert.Equal(t, "evt-1:0", item.IdempotencyKey)
	assert.Equal(t, map[string]any{"title": "Ada", "update_time": "2025-03-14 09:00:00"}, item.Payload)
	assert.Equal(t, "2025-03-14 09:00:00", item.RemoteVersion)
}

func TestEventRouterConditionsFilterRoutes(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "won-only", Action: "updated", Object: "person", Priority: 1,
		Conditions:    []RouteCondition{{Field: "current.status", Operator: "eq", Value: "won"}},
		HandlerConfig: json.RawMessage(`{"kind":"delete_entity"}`)})
	f.putRoute(t, WebhookRoute{ID: "stage-moved", Action: "updated", Object: "person", Priority: 2,
		Conditions: []RouteCondition{
			{Field: "stage_id", Operator: "changed"},
			{Field: "current.stage_id", Operator: "gte", Value: 4},
			{Field: "current.name", Operator: "in", Value: []any{"Ada", "Grace"}},
		},
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)})

	result, err := f.router.Route(context.Background(), personUpdated(f))
	require.NoError(t, err)
	assert.Equal(t, "stage-moved", result.Route.ID)
}

func TestEventRouterExpressionCondition(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "expr", Action: "updated", Object: "person", Priority: 1,
		Expression:    `current.stage_id > previous.stage_id && action == "updated"`,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)})

	result, err := f.router.Route(context.Background(), personUpdated(f))
	require.NoError(t, err)
	assert.Equal(t, "expr", result.Route.ID)

	event := personUpdated(f)
	event.EventID = "evt-2"
	event.Current["stage_id"] = 2
	_, err = f.router.Route(context.Background(), event)
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestEventRouterFansOut(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "fan", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"steps":[
			{"kind":"upsert_entity","entityType":"lead"},
			{"kind":"log_activity","subject":"Follow up","activityType":"call","dueInDays":2}
		]}`)})

	result, err := f.router.Route(context.Background(), personUpdated(f))
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	activity := result.Items[1]
	assert.Equal(t, DirectionPush, activity.Direction)
	assert.Equal(t, OperationCreate, activity.Operation)
	assert.Equal(t, "activity", activity.EntityType)
	assert.Equal(t, "evt-1:1", activity.IdempotencyKey)
	assert.Equal(t, "Follow up", activity.Payload["subject"])
	assert.EqualValues(t, 42, activity.Payload["person_id"])
	assert.Equal(t, "2025-03-16", activity.Payload["due_date"])

	again, err := f.router.Route(context.Background(), personUpdated(f))
	require.NoError(t, err)
	assert.Equal(t, result.Items[0].ID, again.Items[0].ID)
	counts, err := f.queue.Counts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[QueuePending])
}

func TestEventRouterNoMatchIsRouteNotFound(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "deals", Action: "updated", Object: "deal", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)})
	inactive := WebhookRoute{ID: "off", TenantID: "t1", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)}
	require.NoError(t, f.repo.PutRoute(context.Background(), inactive))

	_, err := f.router.Route(context.Background(), personUpdated(f))
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestEventRouterMalformedHandlerIsIsolated(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "broken", Action: "updated", Object: "person", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"send_fax"}`)})
	f.putRoute(t, WebhookRoute{ID: "deals", Action: "added", Object: "deal", Priority: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)})

	_, err := f.router.Route(context.Background(), personUpdated(f))
	require.ErrorIs(t, err, ErrMalformedRouteConfig)

	deal := personUpdated(f)
	deal.EventID = "evt-deal"
	deal.Action = "added"
	deal.Object = "deal"
	result, err := f.router.Route(context.Background(), deal)
	require.NoError(t, err)
	assert.Equal(t, OperationCreate, result.Items[0].Operation)
}

func TestEventRouterExecutionLimit(t *testing.T) {
	f := newRouterFixture()
	f.putRoute(t, WebhookRoute{ID: "limited", Action: "updated", Object: "person", Priority: 1,
		MaxExecutions: 2, ExecutionWindowHours: 1,
		HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)})

	for i, id := range []string{"e1", "e2", "e3"} {
		event := personUpdated(f)
		event.EventID = id
		_, err := f.router.Route(context.Background(), event)
		if i < 2 {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, ErrRateLimited)
	}

	f.clock.Advance(30 * time.Minute)
	event := personUpdated(f)
	event.EventID = "e4"
	_, err := f.router.Route(context.Background(), event)
	require.NoError(t, err)
}

func TestParseHandlerConfigRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown kind":     `{"kind":"explode"}`,
		"missing subject":  `{"kind":"log_activity"}`,
		"extra property":   `{"kind":"upsert_entity","color":"red"}`,
		"empty steps":      `{"steps":[]}`,
		"not an object":    `"upsert_entity"`,
		"negative retries": `{"kind":"delete_entity","maxRetries":-1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHandlerConfig(json.RawMessage(raw))
			require.Error(t, err)
		})
	}
	cfg, err := ParseHandlerConfig(json.RawMessage(`{"kind":"upsert_entity","priority":3}`))
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 1)
	assert.Equal(t, 3, cfg.Steps[0].Priority)
}

func TestValidateRouteChecksConditions(t *testing.T) {
	route := WebhookRoute{ID: "r", HandlerConfig: json.RawMessage(`{"kind":"upsert_entity"}`)}
	require.NoError(t, ValidateRoute(route))

	route.Conditions = []RouteCondition{{Field: "current.x", Operator: "matches"}}
	require.ErrorIs(t, ValidateRoute(route), ErrMalformedRouteConfig)

	route.Conditions = []RouteCondition{{Field: "current.x", Operator: "in", Value: "a"}}
	require.ErrorIs(t, ValidateRoute(route), ErrMalformedRouteConfig)

	route.Conditions = nil
	route.Expression = "current.x >"
	require.ErrorIs(t, ValidateRoute(route), ErrMalformedRouteConfig)
}

func TestEvalConditionOperators(t *testing.T) {
	env := eventEnv(WebhookEvent{
		Action:   "updated",
		Current:  map[string]any{"value": 1500.0, "title": "Big deal", "labels": []any{"vip", "eu"}, "owner": nil},
		Previous: map[string]any{"value": 1500.0},
	})
	cases := []struct {
		cond RouteCondition
		want bool
	}{
		{RouteCondition{Field: "current.value", Operator: "gt", Value: 1000}, true},
		{RouteCondition{Field: "current.value", Operator: "lte", Value: 1000}, false},
		{RouteCondition{Field: "current.title", Operator: "contains", Value: "Big"}, true},
		{RouteCondition{Field: "current.labels", Operator: "contains", Value: "vip"}, true},
		{RouteCondition{Field: "current.owner", Operator: "exists"}, false},
		{RouteCondition{Field: "current.missing", Operator: "not_exists"}, true},
		{RouteCondition{Field: "value", Operator: "changed"}, false},
		{RouteCondition{Field: "title", Operator: "changed"}, true},
		{RouteCondition{Field: "action", Operator: "neq", Value: "added"}, true},
		{RouteCondition{Field: "current.title", Operator: "not_in", Value: []any{"Small deal"}}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalCondition(tc.cond, env), "%s %s", tc.cond.Field, tc.cond.Operator)
	}
}
