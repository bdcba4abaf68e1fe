// Package postgres starts disposable PostgreSQL containers for tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const image = "postgres:17-alpine"

// Container is a running PostgreSQL instance and its connection URL.
type Container struct {
	container *tcpostgres.PostgresContainer
	URL       string
}

// Start runs a container with database, user and password all set to name.
func Start(ctx context.Context, name string) (*Container, error) {
	container, err := tcpostgres.Run(ctx,
		image,
		tcpostgres.WithUsername(name),
		tcpostgres.WithPassword(name),
		tcpostgres.WithDatabase(name),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &Container{container: container, URL: url}, nil
}

func (c *Container) Terminate(ctx context.Context) error {
	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate postgres container: %w", err)
	}
	return nil
}
