// Package monitor reconciles Cloud Batch job state with the job_executions
// table: one polling goroutine per active execution, terminal-state
// interpretation, and fixed-delay retried writes against the repository.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/errorclass"
	"github.com/andreypavlenko/formsender/modules/repository"
)

const minMonitorInterval = 30 * time.Second

// JobState is the Cloud Batch job status string the monitor polls for.
type JobState string

const (
	JobStateSucceeded               JobState = "SUCCEEDED"
	JobStateFailed                  JobState = "FAILED"
	JobStateCancelled               JobState = "CANCELLED"
	JobStateCancellationInProgress  JobState = "CANCELLATION_IN_PROGRESS"
	JobStateDeletionInProgress      JobState = "DELETION_IN_PROGRESS"
)

var terminalStates = map[JobState]bool{
	JobStateSucceeded:              true,
	JobStateFailed:                 true,
	JobStateCancelled:              true,
	JobStateCancellationInProgress: true,
}

// BatchJobStatus is the narrow view of a Cloud Batch job's status this
// package needs; internal/platform/cloudjobs owns the full REST client.
type BatchJobStatus struct {
	State JobState
}

// BatchStatusSource polls one Cloud Batch job's current state.
type BatchStatusSource interface {
	GetJobStatus(ctx context.Context, jobName string) (BatchJobStatus, error)
}

// Reconciler owns one polling goroutine per active execution.
type Reconciler struct {
	client      BatchStatusSource
	repo        repository.JobExecutionRepository
	log         *logger.Logger
	interval    time.Duration
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewReconciler(client BatchStatusSource, repo repository.JobExecutionRepository, log *logger.Logger, interval, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Reconciler {
	if interval < minMonitorInterval {
		interval = minMonitorInterval
	}
	if timeout < interval {
		timeout = interval
	}
	return &Reconciler{
		client:     client,
		repo:       repo,
		log:        log,
		interval:   interval,
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		running:    map[string]context.CancelFunc{},
	}
}

// Schedule starts monitoring jobExecutionID against jobName, a no-op if a
// monitor for that execution is already running.
func (r *Reconciler) Schedule(executionID, jobName string) {
	r.mu.Lock()
	if _, ok := r.running[executionID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running[executionID] = cancel
	r.mu.Unlock()

	go r.monitorJob(ctx, executionID, jobName)
}

// Stop cancels a running monitor, if any (used at shutdown / on manual cancel).
func (r *Reconciler) Stop(executionID string) {
	r.mu.Lock()
	cancel, ok := r.running[executionID]
	delete(r.running, executionID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Reconciler) monitorJob(ctx context.Context, executionID, jobName string) {
	defer r.Stop(executionID)

	deadline := time.Now().Add(r.timeout)
	_, _ = r.updateMetadataWithRetry(ctx, executionID, map[string]any{
		"batch": map[string]any{"monitor": map[string]any{"state": "monitoring", "started_at": time.Now().UTC().Format(time.RFC3339)}},
	})

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastState := JobState("")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			r.recordFailure(ctx, executionID, errorclass.TypeTimeout, "batch job did not reach terminal state within timeout")
			return
		}

		status, err := r.client.GetJobStatus(ctx, jobName)
		if err != nil {
			r.log.Warn("batch job status poll failed: " + err.Error())
			continue
		}

		if status.State != lastState {
			lastState = status.State
			r.recordProgress(ctx, executionID, status.State)
		}

		if !terminalStates[status.State] {
			continue
		}

		switch status.State {
		case JobStateSucceeded:
			r.recordSuccess(ctx, executionID)
		case JobStateFailed:
			r.recordFailure(ctx, executionID, errorclass.TypeSystem, "batch job reported FAILED state")
		case JobStateCancelled, JobStateCancellationInProgress:
			r.recordCancellation(ctx, executionID)
		}
		return
	}
}

func (r *Reconciler) recordSuccess(ctx context.Context, executionID string) {
	now := time.Now()
	_ = r.updateStatusWithRetry(ctx, executionID, repository.StatusSucceeded, &now)
	_, _ = r.updateMetadataWithRetry(ctx, executionID, map[string]any{
		"batch": map[string]any{"monitor": map[string]any{"state": "SUCCEEDED"}},
	})
}

func (r *Reconciler) recordFailure(ctx context.Context, executionID string, errType errorclass.Type, reason string) {
	now := time.Now()
	_ = r.updateStatusWithRetry(ctx, executionID, repository.StatusFailed, &now)
	_, _ = r.updateMetadataWithRetry(ctx, executionID, map[string]any{
		"batch": map[string]any{"monitor": map[string]any{"state": "FAILED", "error_type": string(errType), "reason": reason}},
	})
}

func (r *Reconciler) recordCancellation(ctx context.Context, executionID string) {
	now := time.Now()
	_ = r.updateStatusWithRetry(ctx, executionID, repository.StatusCancelled, &now)
	_, _ = r.updateMetadataWithRetry(ctx, executionID, map[string]any{
		"batch": map[string]any{"monitor": map[string]any{"state": "CANCELLED"}},
	})
}

func (r *Reconciler) recordProgress(ctx context.Context, executionID string, state JobState) {
	_, _ = r.updateMetadataWithRetry(ctx, executionID, map[string]any{
		"batch": map[string]any{"monitor": map[string]any{"state": string(state)}},
	})
}

// updateStatusWithRetry and updateMetadataWithRetry both apply the same
// fixed-attempt, fixed-delay retry shape the reference monitor uses for
// every Supabase write, since a dropped status write leaves a job stuck
// "running" forever.
func (r *Reconciler) updateStatusWithRetry(ctx context.Context, executionID string, status repository.ExecutionStatus, endedAt *time.Time) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if err := r.repo.UpdateStatus(ctx, executionID, status, endedAt); err != nil {
			lastErr = err
			if attempt < r.maxRetries-1 {
				time.Sleep(r.retryDelay)
			}
			continue
		}
		return nil
	}
	r.log.Error("update_status exhausted retries: " + lastErr.Error())
	return lastErr
}

func (r *Reconciler) updateMetadataWithRetry(ctx context.Context, executionID string, patch map[string]any) (*repository.JobExecution, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		execution, err := r.repo.UpdateMetadata(ctx, executionID, patch)
		if err != nil {
			lastErr = err
			if attempt < r.maxRetries-1 {
				time.Sleep(r.retryDelay)
			}
			continue
		}
		return execution, nil
	}
	r.log.Error("update_metadata exhausted retries: " + lastErr.Error())
	return nil, lastErr
}
