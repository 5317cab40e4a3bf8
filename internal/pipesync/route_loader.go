package pipesync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultRouteReloadDebounce = 200 * time.Millisecond

type routeFile struct {
	Routes []routeFileEntry `yaml:"routes"`
}

type routeFileEntry struct {
	ID                   string           `yaml:"id"`
	Tenant               string           `yaml:"tenant"`
	Name                 string           `yaml:"name"`
	Action               string           `yaml:"action"`
	Object               string           `yaml:"object"`
	Priority             int              `yaml:"priority"`
	Active               *bool            `yaml:"active"`
	Conditions           []RouteCondition `yaml:"conditions"`
	Expression           string           `yaml:"expression"`
	Handler              any              `yaml:"handler"`
	MaxExecutions        int              `yaml:"max_executions"`
	ExecutionWindowHours int              `yaml:"execution_window_hours"`
}

// ParseRoutesFile decodes a YAML (or JSON) routes document and groups the
// routes by tenant. Every route is validated; one bad route rejects the
// whole document.
func ParseRoutesFile(data []byte, now time.Time) (map[string][]WebhookRoute, error) {
	var doc routeFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalidInputf("routes file: %v", err)
	}
	out := map[string][]WebhookRoute{}
	seen := map[string]struct{}{}
	for index, entry := range doc.Routes {
		tenant := strings.TrimSpace(entry.Tenant)
		id := strings.TrimSpace(entry.ID)
		if tenant == "" || id == "" {
			return nil, invalidInputf("routes file: route %d requires tenant and id", index)
		}
		key := tenant + "/" + id
		if _, dup := seen[key]; dup {
			return nil, invalidInputf("routes file: duplicate route %s", key)
		}
		seen[key] = struct{}{}
		handler, err := json.Marshal(entry.Handler)
		if err != nil {
			return nil, &MalformedRouteConfigError{RouteID: id, Err: err}
		}
		route := WebhookRoute{
			ID:                   id,
			TenantID:             tenant,
			Name:                 entry.Name,
			Action:               strings.ToLower(strings.TrimSpace(entry.Action)),
			Object:               strings.ToLower(strings.TrimSpace(entry.Object)),
			Priority:             entry.Priority,
			Active:               entry.Active == nil || *entry.Active,
			Conditions:           entry.Conditions,
			Expression:           entry.Expression,
			HandlerConfig:        handler,
			MaxExecutions:        entry.MaxExecutions,
			ExecutionWindowHours: entry.ExecutionWindowHours,
			UpdatedAt:            now,
		}
		if route.Action == "" {
			route.Action = "*"
		}
		if route.Object == "" {
			route.Object = "*"
		}
		if err := ValidateRoute(route); err != nil {
			return nil, err
		}
		out[tenant] = append(out[tenant], route)
	}
	return out, nil
}

type RouteLoaderOptions struct {
	Debounce time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
}

// RouteLoader mirrors a routes file into the route store. Tenants that
// disappear from the file lose their routes.
type RouteLoader struct {
	store    RouteStore
	path     string
	debounce time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	tenants map[string]struct{}
}

func NewRouteLoader(store RouteStore, path string, opts RouteLoaderOptions) *RouteLoader {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultRouteReloadDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RouteLoader{
		store:    store,
		path:     filepath.Clean(path),
		debounce: opts.Debounce,
		now:      opts.Now,
		logger:   opts.Logger,
		tenants:  map[string]struct{}{},
	}
}

// Load reads the file and replaces every tenant's routes. On error the
// store is left untouched.
func (l *RouteLoader) Load(ctx context.Context) (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("read routes file: %w", err)
	}
	byTenant, err := ParseRoutesFile(data, l.now().UTC())
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	tenants := make([]string, 0, len(byTenant))
	for tenant := range byTenant {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	total := 0
	for _, tenant := range tenants {
		if err := l.store.ReplaceRoutes(ctx, tenant, byTenant[tenant]); err != nil {
			return total, err
		}
		total += len(byTenant[tenant])
	}
	for tenant := range l.tenants {
		if _, ok := byTenant[tenant]; ok {
			continue
		}
		if err := l.store.ReplaceRoutes(ctx, tenant, nil); err != nil {
			return total, err
		}
	}
	l.tenants = make(map[string]struct{}, len(byTenant))
	for tenant := range byTenant {
		l.tenants[tenant] = struct{}{}
	}
	l.logger.Info("routes_file_loaded",
		zap.String("path", l.path),
		zap.Int("tenants", len(byTenant)),
		zap.Int("routes", total),
	)
	return total, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors that replace the file by rename are
// picked up.
func (l *RouteLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("routes_file_watch_error", zap.Error(err))
		case <-fire:
			fire = nil
			if _, err := l.Load(ctx); err != nil {
				l.logger.Error("routes_file_invalid", zap.String("path", l.path), zap.Error(err))
			}
		}
	}
}
