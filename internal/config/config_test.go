package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("PIPESYNC_TEST_INT", "42")
	e := &envReader{}
	assert.Equal(t, 42, e.intEnv("PIPESYNC_TEST_INT", 7))
	assert.Empty(t, e.warnings)
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PIPESYNC_TEST_INT_BAD", "not-a-number")
	e := &envReader{}
	assert.Equal(t, 7, e.intEnv("PIPESYNC_TEST_INT_BAD", 7))
	require.Len(t, e.warnings, 1)
	assert.Contains(t, e.warnings[0], "PIPESYNC_TEST_INT_BAD")
}

func TestDurationAndBoolEnv(t *testing.T) {
	t.Setenv("PIPESYNC_TEST_DURATION", "150ms")
	t.Setenv("PIPESYNC_TEST_DURATION_BAD", "soon")
	t.Setenv("PIPESYNC_TEST_BOOL", "false")
	e := &envReader{}
	assert.Equal(t, 150*time.Millisecond, e.durationEnv("PIPESYNC_TEST_DURATION", time.Second))
	assert.Equal(t, 2*time.Second, e.durationEnv("PIPESYNC_TEST_DURATION_BAD", 2*time.Second))
	assert.False(t, e.boolEnv("PIPESYNC_TEST_BOOL", true))
	assert.Equal(t, int64(9), e.int64Env("PIPESYNC_TEST_INT64_UNSET", 9))
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 4, cfg.QueueWorkers)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, "https://api.pipedrive.com", cfg.Pipedrive.BaseURL)
	assert.False(t, cfg.Archive.Enabled())
	assert.Empty(t, cfg.StreamOrigins)
}

func TestStreamOriginsList(t *testing.T) {
	t.Setenv("PIPESYNC_STREAM_ORIGINS", "console.example.com, *.ops.example.com")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"console.example.com", "*.ops.example.com"}, cfg.StreamOrigins)
}

func TestProfiles(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		t.Setenv("PIPESYNC_BACKEND_PROFILE", "memory")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "memory://", cfg.DatabaseDSN)
		assert.Equal(t, "memory://", cfg.InboxDSN)
	})
	t.Run("durable-local", func(t *testing.T) {
		t.Setenv("PIPESYNC_BACKEND_PROFILE", "durable-local")
		t.Setenv("PIPESYNC_DATA_DIR", "/var/lib/pipesync")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "file:///var/lib/pipesync/state.json", cfg.DatabaseDSN)
		assert.Equal(t, "file:///var/lib/pipesync/inbox.json", cfg.InboxDSN)
	})
	t.Run("production requires dsn", func(t *testing.T) {
		t.Setenv("PIPESYNC_BACKEND_PROFILE", "production")
		_, err := FromEnv()
		assert.Error(t, err)
		t.Setenv("PIPESYNC_POSTGRES_DSN", "postgres://localhost/pipesync")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/pipesync", cfg.InboxDSN)
	})
	t.Run("explicit dsn wins", func(t *testing.T) {
		t.Setenv("PIPESYNC_BACKEND_PROFILE", "memory")
		t.Setenv("PIPESYNC_DATABASE_DSN", "file:///tmp/x.json")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "file:///tmp/x.json", cfg.DatabaseDSN)
	})
	t.Run("unknown", func(t *testing.T) {
		t.Setenv("PIPESYNC_BACKEND_PROFILE", "cloud")
		_, err := FromEnv()
		assert.Error(t, err)
	})
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PIPESYNC_ADDR=:9999\nPIPESYNC_QUEUE_WORKERS=8\n"), 0o600))
	t.Setenv("PIPESYNC_QUEUE_WORKERS", "3")
	t.Cleanup(func() { _ = os.Unsetenv("PIPESYNC_ADDR") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 3, cfg.QueueWorkers)
}

func TestLoadIgnoresMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
