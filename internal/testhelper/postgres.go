// Package testhelper starts throwaway infrastructure for integration tests.
package testhelper

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresDSNEnv        = "PIPESYNC_TEST_POSTGRES_DSN"
	PostgresContainersEnv = "PIPESYNC_TEST_CONTAINERS"
)

type PostgresContainer struct {
	Container *postgres.PostgresContainer
	DSN       string
}

// SetupPostgres starts a Postgres container and waits until it accepts
// connections.
func SetupPostgres(ctx context.Context) (*PostgresContainer, error) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pipesync_test"),
		postgres.WithUsername("pipesync"),
		postgres.WithPassword("pipesync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}
	return &PostgresContainer{Container: pgContainer, DSN: connStr}, nil
}

func (c *PostgresContainer) Teardown(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}

// PostgresDSN returns a DSN for integration tests. An explicit DSN in the
// environment wins; otherwise a container is started when containers are
// enabled. The test is skipped when neither is available.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv)); dsn != "" {
		return dsn
	}
	if strings.TrimSpace(os.Getenv(PostgresContainersEnv)) == "" {
		t.Skipf("set %s or %s to run Postgres integration tests", PostgresDSNEnv, PostgresContainersEnv)
	}
	ctx := context.Background()
	container, err := SetupPostgres(ctx)
	if err != nil {
		t.Fatalf("setup postgres: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Teardown(context.Background())
	})
	return container.DSN
}
