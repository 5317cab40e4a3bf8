// Package app assembles the sync service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/agentworkforce/pipesync/internal/archive"
	"github.com/agentworkforce/pipesync/internal/config"
	"github.com/agentworkforce/pipesync/internal/httpapi"
	"github.com/agentworkforce/pipesync/internal/logging"
	"github.com/agentworkforce/pipesync/internal/migrations"
	"github.com/agentworkforce/pipesync/internal/pipedrive"
	"github.com/agentworkforce/pipesync/internal/pipesync"
)

const shutdownTimeout = 30 * time.Second

// ErrNoPostgres is returned by migration helpers when the repository is not
// backed by Postgres.
var ErrNoPostgres = errors.New("migrations require a postgres database dsn")

// NewApp builds the fx application for the serve command.
func NewApp(cfg config.Config) *fx.App {
	return fx.New(Options(cfg))
}

// Options is the dependency graph shared by NewApp and tests.
func Options(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			NewLogger,
			NewRepository,
			NewInbox,
			NewPipedriveClient,
			NewArchiver,
			NewEngine,
			NewSubscriptionManager,
			NewHTTPServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerHooks),
	)
}

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("config_fallback", zap.String("detail", warning))
	}
	return logger, nil
}

func NewRepository(cfg config.Config) (pipesync.Repository, error) {
	repo, err := pipesync.BuildRepositoryFromDSN(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

func NewInbox(cfg config.Config) (pipesync.EventInbox, error) {
	inbox, err := pipesync.BuildInboxFromDSN(cfg.InboxDSN, cfg.InboxSize)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	return inbox, nil
}

func NewPipedriveClient(cfg config.Config, logger *zap.Logger) (*pipedrive.Client, error) {
	tokens, err := pipedrive.ParseTenantTokens(cfg.Pipedrive.TenantTokens)
	if err != nil {
		return nil, fmt.Errorf("PIPEDRIVE_TENANT_TOKENS: %w", err)
	}
	threshold := cfg.Pipedrive.BreakerThreshold
	if threshold < 0 {
		threshold = 0
	}
	return pipedrive.NewClient(pipedrive.Options{
		BaseURL:           cfg.Pipedrive.BaseURL,
		APIToken:          cfg.Pipedrive.APIToken,
		TenantTokens:      tokens,
		Timeout:           cfg.Pipedrive.Timeout,
		RequestsPerMinute: cfg.Pipedrive.RequestsPerMinute,
		Burst:             cfg.Pipedrive.Burst,
		MaxRetries:        cfg.Pipedrive.MaxRetries,
		Breaker: pipedrive.BreakerSettings{
			Enabled:          cfg.Pipedrive.BreakerEnabled,
			FailureThreshold: uint32(threshold),
			Timeout:          cfg.Pipedrive.BreakerTimeout,
		},
		Logger: logger.Named("pipedrive"),
	}), nil
}

// NewArchiver returns a nil Archiver when no bucket is configured.
func NewArchiver(cfg config.Config, logger *zap.Logger) (pipesync.Archiver, error) {
	if !cfg.Archive.Enabled() {
		return nil, nil
	}
	archiveCfg := archive.Config{
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKey,
		SecretAccessKey: cfg.Archive.SecretKey,
		Prefix:          cfg.Archive.Prefix,
		UsePathStyle:    cfg.Archive.UsePathStyle,
	}
	client, err := archive.NewS3Client(context.Background(), archiveCfg)
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	archiver, err := archive.NewS3Archiver(client, archiveCfg, logger.Named("archive"))
	if err != nil {
		return nil, err
	}
	return archiver, nil
}

func NewEngine(
	cfg config.Config,
	repo pipesync.Repository,
	inbox pipesync.EventInbox,
	remote *pipedrive.Client,
	archiver pipesync.Archiver,
	logger *zap.Logger,
) (*pipesync.Engine, error) {
	policies, err := pipesync.ParseAutoPolicies(cfg.AutoResolve)
	if err != nil {
		return nil, fmt.Errorf("PIPESYNC_AUTO_RESOLVE: %w", err)
	}
	return pipesync.NewEngine(pipesync.EngineOptions{
		Repository:          repo,
		Remote:              remote,
		Inbox:               inbox,
		Archiver:            archiver,
		RouterWorkers:       cfg.RouterWorkers,
		QueueWorkers:        cfg.QueueWorkers,
		PollInterval:        cfg.PollInterval,
		Lease:               cfg.LockLease,
		RemoteTimeout:       cfg.Pipedrive.Timeout,
		MaintenanceInterval: cfg.MaintenanceInterval,
		Retention:           cfg.Retention,
		RetryBase:           cfg.RetryBase,
		RetryMax:            cfg.RetryMax,
		MaxRetries:          cfg.MaxRetries,
		FailureThreshold:    cfg.FailureThreshold,
		PauseCooldown:       cfg.PauseCooldown,
		AutoPolicies:        policies,
		Logger:              logger.Named("engine"),
	})
}

func NewSubscriptionManager(cfg config.Config, repo pipesync.Repository, remote *pipedrive.Client, logger *zap.Logger) *pipesync.SubscriptionManager {
	return pipesync.NewSubscriptionManager(repo, remote, pipesync.SubscriptionOptions{
		PublicBaseURL: cfg.PublicBaseURL,
		SecretGrace:   cfg.SecretGrace,
		Logger:        logger.Named("subscriptions"),
	})
}

func NewHTTPServer(cfg config.Config, engine *pipesync.Engine, subscriptions *pipesync.SubscriptionManager, logger *zap.Logger) *http.Server {
	handler := httpapi.NewServer(engine, subscriptions, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		StreamOrigins:   cfg.StreamOrigins,
		Logger:          logger.Named("http"),
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.AccessLog(handler, logger.Named("access")),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerHooks(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg config.Config,
	engine *pipesync.Engine,
	repo pipesync.Repository,
	inbox pipesync.EventInbox,
	server *http.Server,
	logger *zap.Logger,
) {
	var cancelWorkers context.CancelFunc
	workersDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			cancelWorkers = cancel

			if cfg.RoutesFile != "" {
				loader := pipesync.NewRouteLoader(repo, cfg.RoutesFile, pipesync.RouteLoaderOptions{Logger: logger.Named("routes")})
				if _, err := loader.Load(ctx); err != nil {
					cancel()
					return err
				}
				go func() {
					if err := loader.Watch(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("route_watch_failed", zap.Error(err))
					}
				}()
			}

			go func() {
				defer close(workersDone)
				if err := engine.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("engine_stopped", zap.Error(err))
				}
			}()

			go func() {
				logger.Info("http_server_starting",
					zap.String("addr", cfg.Addr),
					zap.String("repository", repo.Backend()),
					zap.Int("inbox_capacity", inbox.Capacity()),
				)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http_server_failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("http_server_stopping")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			var errs []error
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http_server_forced_shutdown", zap.Error(err))
				errs = append(errs, err)
			}
			if cancelWorkers != nil {
				cancelWorkers()
				select {
				case <-workersDone:
				case <-shutdownCtx.Done():
					errs = append(errs, shutdownCtx.Err())
				}
			}
			if err := inbox.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close inbox: %w", err))
			}
			if err := repo.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close repository: %w", err))
			}
			_ = logger.Sync()
			return errors.Join(errs...)
		},
	})
}

// RunMigrations applies ("up") or rolls back ("down") the Postgres schema.
func RunMigrations(ctx context.Context, cfg config.Config, action string, logger *zap.Logger) error {
	if !cfg.UsesPostgres() {
		return ErrNoPostgres
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := pipesync.NewPostgresRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer repo.Close()

	logger.Info("migration_starting", zap.String("action", action))
	switch action {
	case "", "up":
		err = migrations.Up(ctx, repo.DB())
	case "down":
		err = migrations.Down(ctx, repo.DB())
	default:
		return fmt.Errorf("unknown migration command: %s", action)
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", action, err)
	}
	version, err := migrations.Version(ctx, repo.DB())
	if err != nil {
		return err
	}
	logger.Info("migration_applied", zap.String("action", action), zap.Int64("version", version))
	return nil
}

// OpenEngine builds an engine without workers or an HTTP listener for
// one-shot CLI commands. The returned close func releases storage.
func OpenEngine(cfg config.Config) (*pipesync.Engine, func() error, error) {
	var (
		engine *pipesync.Engine
		repo   pipesync.Repository
		inbox  pipesync.EventInbox
	)
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			NewLogger,
			NewRepository,
			NewInbox,
			NewPipedriveClient,
			NewArchiver,
			NewEngine,
		),
		fx.NopLogger,
		fx.Populate(&engine, &repo, &inbox),
	)
	if err := app.Err(); err != nil {
		return nil, nil, err
	}
	closeFn := func() error {
		return errors.Join(inbox.Close(), repo.Close())
	}
	return engine, closeFn, nil
}
