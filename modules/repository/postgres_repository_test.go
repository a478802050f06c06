package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresJobExecutionRepository, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresJobExecutionRepository{pool: mock}, mock
}

func execRow(metadataJSON []byte) []any {
	return []any{
		"exec-1", "form_sender", int64(42), 0, 100, 10,
		2, 5, "running", "spot", time.Unix(0, 0).UTC(), nil, metadataJSON,
	}
}

func TestFindActiveExecution_Found(t *testing.T) {
	repo, mock := newMockRepo(t)

	cols := []string{
		"execution_id", "job_type", "targeting_id", "run_index_base", "task_count",
		"parallelism", "shards", "workers_per_workflow", "status", "execution_mode",
		"started_at", "ended_at", "metadata",
	}
	mock.ExpectQuery("SELECT execution_id").
		WithArgs(int64(42), 0).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(execRow([]byte(`{"a":1}`))...))

	exec, err := repo.FindActiveExecution(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ExecutionID)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, float64(1), exec.Metadata["a"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveExecution_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	cols := []string{
		"execution_id", "job_type", "targeting_id", "run_index_base", "task_count",
		"parallelism", "shards", "workers_per_workflow", "status", "execution_mode",
		"started_at", "ended_at", "metadata",
	}
	mock.ExpectQuery("SELECT execution_id").
		WithArgs(int64(42), 0).
		WillReturnRows(pgxmock.NewRows(cols))

	exec, err := repo.FindActiveExecution(context.Background(), 42, 0)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.Nil(t, exec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExecution(t *testing.T) {
	repo, mock := newMockRepo(t)

	cols := []string{
		"execution_id", "job_type", "targeting_id", "run_index_base", "task_count",
		"parallelism", "shards", "workers_per_workflow", "status", "execution_mode",
		"started_at", "ended_at", "metadata",
	}
	mock.ExpectQuery("INSERT INTO job_executions").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(execRow([]byte(`{"workflow_trigger":"manual"}`))...))

	exec, err := repo.InsertExecution(context.Background(), InsertExecutionParams{
		ExecutionID:        "exec-1",
		TargetingID:        42,
		RunIndexBase:       0,
		TaskCount:          100,
		Parallelism:        10,
		Shards:             2,
		WorkersPerWorkflow: 5,
		ExecutionMode:      "spot",
		WorkflowTrigger:    "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ExecutionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMetadata_MergesNestedMapsAndResolvesExecutionMode(t *testing.T) {
	repo, mock := newMockRepo(t)

	cols := []string{
		"execution_id", "job_type", "targeting_id", "run_index_base", "task_count",
		"parallelism", "shards", "workers_per_workflow", "status", "execution_mode",
		"started_at", "ended_at", "metadata",
	}
	existing := []byte(`{"progress":{"done":1,"total":10},"execution_mode":"spot"}`)
	merged := []byte(`{"progress":{"done":2,"total":10},"execution_mode":"on_demand"}`)

	mock.ExpectQuery("SELECT execution_id").
		WithArgs("exec-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(execRow(existing)...))
	mock.ExpectQuery("UPDATE job_executions").
		WithArgs("exec-1", []byte(`{"execution_mode":"on_demand","progress":{"done":2,"total":10}}`), "on_demand").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(execRow(merged)...))

	exec, err := repo.UpdateMetadata(context.Background(), "exec-1", map[string]any{
		"progress":       map[string]any{"done": 2},
		"execution_mode": "on_demand",
	})
	require.NoError(t, err)
	assert.Equal(t, "on_demand", exec.ExecutionMode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE job_executions SET status").
		WithArgs("exec-1", "succeeded", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	endedAt := time.Now().UTC()
	err := repo.UpdateStatus(context.Background(), "exec-1", StatusSucceeded, &endedAt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExecutions(t *testing.T) {
	repo, mock := newMockRepo(t)

	cols := []string{
		"execution_id", "job_type", "targeting_id", "run_index_base", "task_count",
		"parallelism", "shards", "workers_per_workflow", "status", "execution_mode",
		"started_at", "ended_at", "metadata",
	}
	mock.ExpectQuery("SELECT execution_id").
		WithArgs("running", int64(42)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(execRow([]byte(`{}`))...))

	targetingID := int64(42)
	executions, err := repo.ListExecutions(context.Background(), ListFilter{
		Status:      StatusRunning,
		TargetingID: &targetingID,
	})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
