// Package storetest provides migrated stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/hearth/internal/db"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/EternisAI/hearth/systemtest/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// NewSQLite returns a store backed by a fresh SQLite file under t.TempDir.
func NewSQLite(t testing.TB) *store.SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return store.NewSQLite(conn)
}

// NewPostgres starts a disposable PostgreSQL container, migrates it and
// returns a store on it. The test is skipped when no container runtime is
// reachable.
func NewPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Start(ctx, "hearth")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	cfg := db.Config{Driver: db.DriverPostgres, Url: container.URL, Schema: "hearth", MaxConns: 4}
	require.NoError(t, db.RunMigrations(cfg.Url, cfg.Schema))

	pool, err := db.InitDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store.NewPostgres(pool)
}

// SeedAgent inserts an agent with a random id and token.
func SeedAgent(t testing.TB, s store.Store, machineID string) *store.Agent {
	t.Helper()
	agent, err := s.CreateAgent(context.Background(), store.CreateAgentParams{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Hostname:  machineID + "-host",
		Platform:  "linux",
		Version:   "1.0.0",
		AuthToken: "tok_" + uuid.NewString(),
		Now:       time.Now().UTC(),
	})
	require.NoError(t, err)
	return agent
}
