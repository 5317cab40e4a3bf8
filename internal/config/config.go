package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	BackendProfile string
	DataDir        string
	DatabaseDSN    string
	InboxDSN       string
	InboxSize      int

	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StreamOrigins   []string

	RouterWorkers       int
	QueueWorkers        int
	LockLease           time.Duration
	PollInterval        time.Duration
	RetryBase           time.Duration
	RetryMax            time.Duration
	MaxRetries          int
	FailureThreshold    int
	PauseCooldown       time.Duration
	SecretGrace         time.Duration
	Retention           time.Duration
	MaintenanceInterval time.Duration
	RoutesFile          string
	AutoResolve         string
	PublicBaseURL       string

	Pipedrive Pipedrive
	Archive   Archive

	// Warnings lists variables that were set but could not be parsed.
	Warnings []string
}

type Pipedrive struct {
	BaseURL           string
	APIToken          string
	TenantTokens      string
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	BreakerEnabled    bool
	BreakerThreshold  int
	BreakerTimeout    time.Duration
}

type Archive struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
}

func (a Archive) Enabled() bool {
	return strings.TrimSpace(a.Bucket) != ""
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	e := &envReader{}
	cfg := Config{
		Addr:      stringEnv("PIPESYNC_ADDR", ":8080"),
		LogLevel:  stringEnv("PIPESYNC_LOG_LEVEL", "info"),
		LogFormat: stringEnv("PIPESYNC_LOG_FORMAT", "json"),

		BackendProfile: strings.ToLower(stringEnv("PIPESYNC_BACKEND_PROFILE", "")),
		DataDir:        stringEnv("PIPESYNC_DATA_DIR", ".pipesync"),
		DatabaseDSN:    stringEnv("PIPESYNC_DATABASE_DSN", ""),
		InboxDSN:       stringEnv("PIPESYNC_INBOX_DSN", ""),
		InboxSize:      e.intEnv("PIPESYNC_INBOX_SIZE", 1024),

		JWTSecret:       stringEnv("PIPESYNC_JWT_SECRET", "dev-secret"),
		RateLimitMax:    e.intEnv("PIPESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: e.durationEnv("PIPESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    e.int64Env("PIPESYNC_MAX_BODY_BYTES", 1<<20),
		StreamOrigins:   listEnv("PIPESYNC_STREAM_ORIGINS"),

		RouterWorkers:       e.intEnv("PIPESYNC_ROUTER_WORKERS", 2),
		QueueWorkers:        e.intEnv("PIPESYNC_QUEUE_WORKERS", 4),
		LockLease:           e.durationEnv("PIPESYNC_LOCK_LEASE", 30*time.Second),
		PollInterval:        e.durationEnv("PIPESYNC_QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		RetryBase:           e.durationEnv("PIPESYNC_RETRY_BASE", 2*time.Second),
		RetryMax:            e.durationEnv("PIPESYNC_RETRY_MAX", 10*time.Minute),
		MaxRetries:          e.intEnv("PIPESYNC_MAX_RETRIES", 5),
		FailureThreshold:    e.intEnv("PIPESYNC_HEALTH_FAILURE_THRESHOLD", 5),
		PauseCooldown:       e.durationEnv("PIPESYNC_HEALTH_PAUSE_COOLDOWN", time.Minute),
		SecretGrace:         e.durationEnv("PIPESYNC_SECRET_GRACE_PERIOD", 24*time.Hour),
		Retention:           e.durationEnv("PIPESYNC_RETENTION", 7*24*time.Hour),
		MaintenanceInterval: e.durationEnv("PIPESYNC_MAINTENANCE_INTERVAL", 30*time.Second),
		RoutesFile:          stringEnv("PIPESYNC_ROUTES_FILE", ""),
		AutoResolve:         stringEnv("PIPESYNC_AUTO_RESOLVE", ""),
		PublicBaseURL:       stringEnv("PIPESYNC_PUBLIC_BASE_URL", ""),

		Pipedrive: Pipedrive{
			BaseURL:           stringEnv("PIPEDRIVE_BASE_URL", "https://api.pipedrive.com"),
			APIToken:          stringEnv("PIPEDRIVE_API_TOKEN", ""),
			TenantTokens:      stringEnv("PIPEDRIVE_TENANT_TOKENS", ""),
			Timeout:           e.durationEnv("PIPEDRIVE_TIMEOUT", 15*time.Second),
			RequestsPerMinute: e.intEnv("PIPEDRIVE_REQUESTS_PER_MINUTE", 80),
			Burst:             e.intEnv("PIPEDRIVE_BURST", 10),
			MaxRetries:        e.intEnv("PIPEDRIVE_MAX_RETRIES", 2),
			BreakerEnabled:    e.boolEnv("PIPEDRIVE_BREAKER_ENABLED", true),
			BreakerThreshold:  e.intEnv("PIPEDRIVE_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerTimeout:    e.durationEnv("PIPEDRIVE_BREAKER_TIMEOUT", 30*time.Second),
		},
		Archive: Archive{
			Bucket:       stringEnv("PIPESYNC_ARCHIVE_BUCKET", ""),
			Region:       stringEnv("PIPESYNC_ARCHIVE_REGION", ""),
			Endpoint:     stringEnv("PIPESYNC_ARCHIVE_ENDPOINT", ""),
			AccessKey:    stringEnv("PIPESYNC_ARCHIVE_ACCESS_KEY", ""),
			SecretKey:    stringEnv("PIPESYNC_ARCHIVE_SECRET_KEY", ""),
			Prefix:       stringEnv("PIPESYNC_ARCHIVE_PREFIX", ""),
			UsePathStyle: e.boolEnv("PIPESYNC_ARCHIVE_PATH_STYLE", false),
		},
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	cfg.Warnings = e.warnings
	return cfg, nil
}

// applyProfile fills DSNs the operator left empty from the backend profile.
func (c *Config) applyProfile() error {
	var repoDSN, inboxDSN string
	switch c.BackendProfile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		repoDSN, inboxDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		repoDSN = "file://" + filepath.Join(c.DataDir, "state.json")
		inboxDSN = "file://" + filepath.Join(c.DataDir, "inbox.json")
	case "production", "prod":
		dsn := stringEnv("PIPESYNC_POSTGRES_DSN", "")
		if dsn == "" {
			dsn = c.DatabaseDSN
		}
		if dsn == "" {
			return fmt.Errorf("PIPESYNC_POSTGRES_DSN or PIPESYNC_DATABASE_DSN is required when PIPESYNC_BACKEND_PROFILE=%s", c.BackendProfile)
		}
		repoDSN, inboxDSN = dsn, dsn
	default:
		return fmt.Errorf("unsupported PIPESYNC_BACKEND_PROFILE: %s", c.BackendProfile)
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = repoDSN
	}
	if c.InboxDSN == "" {
		c.InboxDSN = inboxDSN
	}
	return nil
}

type envReader struct {
	warnings []string
}

func (e *envReader) warn(name, raw string, fallback any) {
	e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %v", name, raw, fallback))
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

// listEnv splits a comma or space separated variable.
func listEnv(name string) []string {
	return strings.FieldsFunc(os.Getenv(name), func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func (e *envReader) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.warn(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e *envReader) boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

// UsesPostgres reports whether the repository DSN names a Postgres database.
func (c Config) UsesPostgres() bool {
	dsn := strings.ToLower(strings.TrimSpace(c.DatabaseDSN))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
