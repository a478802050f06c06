package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrExecutionNotFound is returned when a job_executions lookup misses.
var ErrExecutionNotFound = errors.New("job execution not found")

// pgxPool is the subset of *pgxpool.Pool the repository uses, so unit tests
// can substitute a pgxmock pool.
type pgxPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresJobExecutionRepository implements JobExecutionRepository against a
// Postgres-compatible job_executions table (Supabase's hosted Postgres).
type PostgresJobExecutionRepository struct {
	pool pgxPool
}

// NewPostgresJobExecutionRepository wires the repository against a pool.
func NewPostgresJobExecutionRepository(pool *pgxpool.Pool) *PostgresJobExecutionRepository {
	return &PostgresJobExecutionRepository{pool: pool}
}

func (r *PostgresJobExecutionRepository) FindActiveExecution(ctx context.Context, targetingID int64, runIndexBase int) (*JobExecution, error) {
	query := `
		SELECT execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
		       shards, workers_per_workflow, status, execution_mode, started_at, ended_at, metadata
		FROM job_executions
		WHERE targeting_id = $1 AND run_index_base = $2 AND status IN ('running', 'queued')
		LIMIT 1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, targetingID, runIndexBase))
}

func (r *PostgresJobExecutionRepository) InsertExecution(ctx context.Context, params InsertExecutionParams) (*JobExecution, error) {
	metadata := map[string]any{
		"workflow_trigger":    params.WorkflowTrigger,
		"branch":              params.Branch,
		"cloud_run_operation": params.CloudRunOperation,
		"cloud_run_execution": params.CloudRunExecution,
		"test_mode":           params.TestMode,
		"execution_mode":      params.ExecutionMode,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal execution metadata: %w", err)
	}

	query := `
		INSERT INTO job_executions
			(execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
			 shards, workers_per_workflow, status, started_at, execution_mode, metadata)
		VALUES ($1, 'form_sender', $2, $3, $4, $5, $6, $7, 'running', $8, $9, $10)
		RETURNING execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
		          shards, workers_per_workflow, status, execution_mode, started_at, ended_at, metadata
	`
	row := r.pool.QueryRow(ctx, query,
		params.ExecutionID, params.TargetingID, params.RunIndexBase, params.TaskCount,
		params.Parallelism, params.Shards, params.WorkersPerWorkflow,
		time.Now().UTC(), params.ExecutionMode, metadataJSON,
	)
	return r.scanOne(row)
}

func (r *PostgresJobExecutionRepository) UpdateMetadata(ctx context.Context, executionID string, patch map[string]any) (*JobExecution, error) {
	current, err := r.GetExecution(ctx, executionID)
	if err != nil && !errors.Is(err, ErrExecutionNotFound) {
		return nil, err
	}

	existingMeta := map[string]any{}
	executionMode := ""
	if current != nil {
		existingMeta = current.Metadata
		executionMode = current.ExecutionMode
	}

	merged := MergeMetadata(existingMeta, patch)
	if mode, ok := merged["execution_mode"].(string); ok && mode != "" {
		executionMode = mode
	} else if mode, ok := patch["execution_mode"].(string); ok && mode != "" {
		executionMode = mode
		merged["execution_mode"] = mode
	}

	metadataJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged metadata: %w", err)
	}

	query := `
		UPDATE job_executions
		SET metadata = $2, execution_mode = COALESCE(NULLIF($3, ''), execution_mode)
		WHERE execution_id = $1
		RETURNING execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
		          shards, workers_per_workflow, status, execution_mode, started_at, ended_at, metadata
	`
	row := r.pool.QueryRow(ctx, query, executionID, metadataJSON, executionMode)
	return r.scanOne(row)
}

func (r *PostgresJobExecutionRepository) UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus, endedAt *time.Time) error {
	query := `UPDATE job_executions SET status = $2, ended_at = COALESCE($3, ended_at) WHERE execution_id = $1`
	_, err := r.pool.Exec(ctx, query, executionID, string(status), endedAt)
	return err
}

func (r *PostgresJobExecutionRepository) ListExecutions(ctx context.Context, filter ListFilter) ([]JobExecution, error) {
	query := `
		SELECT execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
		       shards, workers_per_workflow, status, execution_mode, started_at, ended_at, metadata
		FROM job_executions
		WHERE ($1 = '' OR status = $1) AND ($2 = 0 OR targeting_id = $2)
		ORDER BY started_at DESC
		LIMIT 100
	`
	var targetingID int64
	if filter.TargetingID != nil {
		targetingID = *filter.TargetingID
	}
	rows, err := r.pool.Query(ctx, query, string(filter.Status), targetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []JobExecution
	for rows.Next() {
		exec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

func (r *PostgresJobExecutionRepository) GetExecution(ctx context.Context, executionID string) (*JobExecution, error) {
	query := `
		SELECT execution_id, job_type, targeting_id, run_index_base, task_count, parallelism,
		       shards, workers_per_workflow, status, execution_mode, started_at, ended_at, metadata
		FROM job_executions
		WHERE execution_id = $1
		LIMIT 1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, executionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresJobExecutionRepository) scanOne(row rowScanner) (*JobExecution, error) {
	var exec JobExecution
	var metadataJSON []byte
	var status string

	err := row.Scan(
		&exec.ExecutionID, &exec.JobType, &exec.TargetingID, &exec.RunIndexBase,
		&exec.TaskCount, &exec.Parallelism, &exec.Shards, &exec.WorkersPerWorkflow,
		&status, &exec.ExecutionMode, &exec.StartedAt, &exec.EndedAt, &metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &exec, nil
}

func (r *PostgresJobExecutionRepository) scanRow(rows pgx.Rows) (*JobExecution, error) {
	return r.scanOne(rows)
}
