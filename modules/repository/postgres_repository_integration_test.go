//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupJobExecutionsDB spins up a real Postgres container and creates the
// one table this repository touches, so FindActiveExecution/InsertExecution/
// UpdateMetadata's deep-merge are exercised against actual Postgres JSONB
// semantics rather than a mock's literal expectations.
func setupJobExecutionsDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("formsender"),
		postgres.WithUsername("formsender"),
		postgres.WithPassword("formsender"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE job_executions (
			execution_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			targeting_id BIGINT NOT NULL,
			run_index_base INT NOT NULL,
			task_count INT NOT NULL,
			parallelism INT NOT NULL,
			shards INT NOT NULL,
			workers_per_workflow INT NOT NULL,
			status TEXT NOT NULL,
			execution_mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)
	`)
	require.NoError(t, err)
	return pool
}

func TestPostgresJobExecutionRepository_Integration_InsertAndFind(t *testing.T) {
	pool := setupJobExecutionsDB(t)
	repo := NewPostgresJobExecutionRepository(pool)
	ctx := context.Background()

	exec, err := repo.InsertExecution(ctx, InsertExecutionParams{
		ExecutionID:        "exec-it-1",
		TargetingID:        42,
		RunIndexBase:       0,
		TaskCount:          100,
		Parallelism:        10,
		Shards:             2,
		WorkersPerWorkflow: 5,
		ExecutionMode:      "on_demand",
	})
	require.NoError(t, err)
	require.Equal(t, "exec-it-1", exec.ExecutionID)

	found, err := repo.FindActiveExecution(ctx, 42, 0)
	require.NoError(t, err)
	require.Equal(t, "exec-it-1", found.ExecutionID)

	_, err = repo.UpdateMetadata(ctx, "exec-it-1", map[string]any{"cloud_run_operation": "op-123"})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, repo.UpdateStatus(ctx, "exec-it-1", StatusSucceeded, &now))

	after, err := repo.GetExecution(ctx, "exec-it-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, after.Status)
	require.Equal(t, "op-123", after.Metadata["cloud_run_operation"])
}
