package pipesync

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed handler_schema.json
var handlerSchemaJSON []byte

const handlerSchemaURL = "https://pipesync.dev/schemas/handler.json"

var (
	handlerSchemaOnce sync.Once
	handlerSchema     *jsonschema.Schema
	handlerSchemaErr  error
)

func compiledHandlerSchema() (*jsonschema.Schema, error) {
	handlerSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(handlerSchemaJSON))
		if err != nil {
			handlerSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(handlerSchemaURL, doc); err != nil {
			handlerSchemaErr = err
			return
		}
		handlerSchema, handlerSchemaErr = compiler.Compile(handlerSchemaURL)
	})
	return handlerSchema, handlerSchemaErr
}

type HandlerKind string

const (
	HandlerUpsertEntity HandlerKind = "upsert_entity"
	HandlerDeleteEntity HandlerKind = "delete_entity"
	HandlerLogActivity  HandlerKind = "log_activity"
)

// Handler is one step of a route. Upsert and delete pull remote state into
// the local store; log_activity pushes a new CRM activity.
type Handler struct {
	Kind          HandlerKind       `json:"kind"`
	EntityType    string            `json:"entityType,omitempty"`
	Fields        []string          `json:"fields,omitempty"`
	FieldMappings map[string]string `json:"fieldMappings,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	ActivityType  string            `json:"activityType,omitempty"`
	Note          string            `json:"note,omitempty"`
	DueInDays     *int              `json:"dueInDays,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	MaxRetries    int               `json:"maxRetries,omitempty"`
}

type HandlerConfig struct {
	Steps []Handler `json:"steps"`
}

// ParseHandlerConfig validates raw route config against the handler schema
// and decodes it. A single handler object is accepted as a one-step config.
func ParseHandlerConfig(raw json.RawMessage) (HandlerConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return HandlerConfig{}, errors.New("handler config is empty")
	}
	schema, err := compiledHandlerSchema()
	if err != nil {
		return HandlerConfig{}, fmt.Errorf("handler schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return HandlerConfig{}, fmt.Errorf("decode handler config: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return HandlerConfig{}, err
	}
	var probe struct {
		Steps []Handler `json:"steps"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return HandlerConfig{}, err
	}
	if len(probe.Steps) > 0 {
		return HandlerConfig{Steps: probe.Steps}, nil
	}
	var single Handler
	if err := json.Unmarshal(raw, &single); err != nil {
		return HandlerConfig{}, err
	}
	return HandlerConfig{Steps: []Handler{single}}, nil
}

var activityLinkFields = map[string]string{
	"person":       "person_id",
	"organization": "org_id",
	"deal":         "deal_id",
	"lead":         "lead_id",
	"project":      "project_id",
}

// buildItem turns one handler step into a queue item for the event.
func (h Handler) buildItem(event WebhookEvent, route WebhookRoute, index int) (SyncQueueItem, error) {
	entityType := strings.ToLower(strings.TrimSpace(h.EntityType))
	if entityType == "" {
		entityType = event.Object
	}
	item := SyncQueueItem{
		TenantID:       event.TenantID,
		EntityType:     entityType,
		Priority:       h.Priority,
		MaxRetries:     h.MaxRetries,
		SourceEventID:  event.ID,
		IdempotencyKey: event.EventID + ":" + strconv.Itoa(index),
		ScheduledAt:    event.ReceivedAt,
	}
	switch h.Kind {
	case HandlerUpsertEntity:
		if event.ObjectID == "" {
			return SyncQueueItem{}, errors.New("upsert_entity requires an object id")
		}
		item.Direction = DirectionPull
		item.Operation = OperationUpdate
		if event.Action == "added" {
			item.Operation = OperationCreate
		}
		item.RemoteID = event.ObjectID
		item.FieldMappings = cloneStringMap(h.FieldMappings)
		item.Payload = pullPayload(event.Current, h.Fields, h.FieldMappings)
		item.RemoteVersion = stringValue(event.Current[versionField])
	case HandlerDeleteEntity:
		if event.ObjectID == "" {
			return SyncQueueItem{}, errors.New("delete_entity requires an object id")
		}
		item.Direction = DirectionPull
		item.Operation = OperationDelete
		item.RemoteID = event.ObjectID
		item.RemoteVersion = stringValue(event.Meta["timestamp"])
	case HandlerLogActivity:
		item.Direction = DirectionPush
		item.Operation = OperationCreate
		item.EntityType = "activity"
		item.LocalEntityID = "activity-" + event.EventID + "-" + strconv.Itoa(index)
		payload := map[string]any{
			"subject": h.Subject,
		}
		if h.ActivityType != "" {
			payload["type"] = h.ActivityType
		}
		if h.Note != "" {
			payload["note"] = h.Note
		}
		if h.DueInDays != nil {
			payload["due_date"] = event.ReceivedAt.UTC().Add(time.Duration(*h.DueInDays) * 24 * time.Hour).Format("2006-01-02")
		}
		if field, ok := activityLinkFields[event.Object]; ok && event.ObjectID != "" {
			payload[field] = numericOrString(event.ObjectID)
		}
		item.Payload = payload
	default:
		return SyncQueueItem{}, fmt.Errorf("unknown handler kind %q", h.Kind)
	}
	return item, nil
}

// pullPayload selects remote fields and renames them to local names. The
// mappings are keyed local name to remote name.
func pullPayload(current map[string]any, fields []string, mappings map[string]string) map[string]any {
	if current == nil {
		return map[string]any{}
	}
	localName := make(map[string]string, len(mappings))
	for local, remote := range mappings {
		localName[remote] = local
	}
	selected := current
	if len(fields) > 0 {
		selected = make(map[string]any, len(fields))
		for _, field := range fields {
			if v, ok := current[field]; ok {
				selected[field] = v
			}
		}
		if v, ok := current[versionField]; ok {
			selected[versionField] = v
		}
	}
	out := make(map[string]any, len(selected))
	for remote, v := range cloneMap(selected) {
		if local, ok := localName[remote]; ok {
			out[local] = v
			continue
		}
		out[remote] = v
	}
	return out
}

func numericOrString(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

var conditionOperators = map[string]struct{}{
	"eq": {}, "neq": {}, "in": {}, "not_in": {}, "exists": {}, "not_exists": {},
	"changed": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {}, "contains": {},
}

type compiledRoute struct {
	route   WebhookRoute
	handler HandlerConfig
	program *vm.Program
}

// ValidateRoute reports a *MalformedRouteConfigError for a route that could
// never be applied.
func ValidateRoute(route WebhookRoute) error {
	_, err := compileRoute(route)
	return err
}

func compileRoute(route WebhookRoute) (*compiledRoute, error) {
	malformed := func(err error) error {
		return &MalformedRouteConfigError{RouteID: route.ID, Err: err}
	}
	for _, cond := range route.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return nil, malformed(errors.New("condition field is required"))
		}
		if _, ok := conditionOperators[cond.Operator]; !ok {
			return nil, malformed(fmt.Errorf("unknown condition operator %q", cond.Operator))
		}
		if cond.Operator == "in" || cond.Operator == "not_in" {
			if _, ok := cond.Value.([]any); !ok {
				return nil, malformed(fmt.Errorf("operator %s requires a list value", cond.Operator))
			}
		}
	}
	handler, err := ParseHandlerConfig(route.HandlerConfig)
	if err != nil {
		return nil, malformed(err)
	}
	compiled := &compiledRoute{route: route, handler: handler}
	if src := strings.TrimSpace(route.Expression); src != "" {
		program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, malformed(fmt.Errorf("compile expression: %w", err))
		}
		compiled.program = program
	}
	return compiled, nil
}

func eventEnv(event WebhookEvent) map[string]any {
	return map[string]any{
		"action":   event.Action,
		"object":   event.Object,
		"objectId": event.ObjectID,
		"current":  nonNilMap(event.Current),
		"previous": nonNilMap(event.Previous),
		"meta":     nonNilMap(event.Meta),
	}
}

func nonNilMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func (c *compiledRoute) matches(event WebhookEvent) (bool, error) {
	env := eventEnv(event)
	for _, cond := range c.route.Conditions {
		if !evalCondition(cond, env) {
			return false, nil
		}
	}
	if c.program == nil {
		return true, nil
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, &MalformedRouteConfigError{RouteID: c.route.ID, Err: fmt.Errorf("run expression: %w", err)}
	}
	matched, ok := out.(bool)
	return ok && matched, nil
}

func lookupPath(env map[string]any, path string) (any, bool) {
	var current any = env
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evalCondition(cond RouteCondition, env map[string]any) bool {
	field := strings.TrimSpace(cond.Field)
	if cond.Operator == "changed" {
		name := strings.TrimPrefix(strings.TrimPrefix(field, "current."), "previous.")
		now, nowOK := lookupPath(env, "current."+name)
		before, beforeOK := lookupPath(env, "previous."+name)
		return nowOK != beforeOK || !valuesEqual(now, before)
	}
	value, present := lookupPath(env, field)
	switch cond.Operator {
	case "exists":
		return present && value != nil
	case "not_exists":
		return !present || value == nil
	case "eq":
		return present && valuesEqual(value, cond.Value)
	case "neq":
		return !present || !valuesEqual(value, cond.Value)
	case "in", "not_in":
		list, _ := cond.Value.([]any)
		found := false
		for _, candidate := range list {
			if present && valuesEqual(value, candidate) {
				found = true
				break
			}
		}
		if cond.Operator == "in" {
			return found
		}
		return !found
	case "gt", "gte", "lt", "lte":
		if !present {
			return false
		}
		cmp, ok := compareValues(value, cond.Value)
		if !ok {
			return false
		}
		switch cond.Operator {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "contains":
		if !present {
			return false
		}
		switch typed := value.(type) {
		case string:
			needle, ok := cond.Value.(string)
			return ok && strings.Contains(typed, needle)
		case []any:
			for _, element := range typed {
				if valuesEqual(element, cond.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(typed, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// routeCache keeps compiled routes until their UpdatedAt moves.
type routeCache struct {
	mu      sync.Mutex
	entries map[string]routeCacheEntry
}

type routeCacheEntry struct {
	updatedAt time.Time
	compiled  *compiledRoute
	err       error
}

func newRouteCache() *routeCache {
	return &routeCache{entries: map[string]routeCacheEntry{}}
}

func (c *routeCache) get(route WebhookRoute) (*compiledRoute, error) {
	key := route.TenantID + "|" + route.ID
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.updatedAt.Equal(route.UpdatedAt) {
		return entry.compiled, entry.err
	}
	compiled, err := compileRoute(route)
	c.mu.Lock()
	c.entries[key] = routeCacheEntry{updatedAt: route.UpdatedAt, compiled: compiled, err: err}
	c.mu.Unlock()
	return compiled, err
}
