// Package repository defines the JobExecutionRepository port and its
// Postgres-backed implementation against a Supabase project (Supabase is
// Postgres underneath; the row shapes mirror what the original Python
// Supabase REST client reads and writes against the job_executions table).
package repository

import (
	"context"
	"time"
)

// ExecutionStatus is the lifecycle state of a job_executions row.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// JobExecution mirrors one row of job_executions.
type JobExecution struct {
	ExecutionID        string
	JobType            string
	TargetingID        int64
	RunIndexBase       int
	TaskCount          int
	Parallelism        int
	Shards             int
	WorkersPerWorkflow int
	Status             ExecutionStatus
	ExecutionMode      string
	StartedAt          time.Time
	EndedAt            *time.Time
	Metadata           map[string]any
}

// InsertExecutionParams is the payload needed to create a job_executions row.
type InsertExecutionParams struct {
	ExecutionID        string
	TargetingID        int64
	RunIndexBase       int
	TaskCount          int
	Parallelism        int
	Shards             int
	WorkersPerWorkflow int
	ExecutionMode      string
	CloudRunOperation  string
	CloudRunExecution  string
	WorkflowTrigger    string
	Branch             string
	TestMode           bool
}

// ListFilter narrows ListExecutions.
type ListFilter struct {
	Status      ExecutionStatus
	TargetingID *int64
}

// JobExecutionRepository is the persistence port the dispatcher's HTTP
// handlers and monitor depend on.
type JobExecutionRepository interface {
	FindActiveExecution(ctx context.Context, targetingID int64, runIndexBase int) (*JobExecution, error)
	InsertExecution(ctx context.Context, params InsertExecutionParams) (*JobExecution, error)
	UpdateMetadata(ctx context.Context, executionID string, patch map[string]any) (*JobExecution, error)
	UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus, endedAt *time.Time) error
	ListExecutions(ctx context.Context, filter ListFilter) ([]JobExecution, error)
	GetExecution(ctx context.Context, executionID string) (*JobExecution, error)
}

// MergeMetadata deep-merges patch into base: nested maps merge key-by-key,
// any other value type overwrites outright. Mirrors the reference
// _merge_metadata helper exactly, including its "last writer wins" behavior
// for non-map values.
func MergeMetadata(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, value := range patch {
		if patchMap, ok := value.(map[string]any); ok {
			if baseMap, ok := merged[key].(map[string]any); ok {
				merged[key] = MergeMetadata(baseMap, patchMap)
				continue
			}
		}
		merged[key] = value
	}
	return merged
}
