package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/repository"
)

type fakeBatchStatusSource struct {
	mu     sync.Mutex
	states []JobState
	calls  int
}

func (f *fakeBatchStatusSource) GetJobStatus(ctx context.Context, jobName string) (BatchJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.calls++
	return BatchJobStatus{State: f.states[idx]}, nil
}

type fakeExecutionRepo struct {
	mu           sync.Mutex
	statusWrites []repository.ExecutionStatus
	metadata     map[string]any
}

func (f *fakeExecutionRepo) FindActiveExecution(ctx context.Context, targetingID int64, runIndexBase int) (*repository.JobExecution, error) {
	return nil, repository.ErrExecutionNotFound
}
func (f *fakeExecutionRepo) InsertExecution(ctx context.Context, params repository.InsertExecutionParams) (*repository.JobExecution, error) {
	return &repository.JobExecution{ExecutionID: "exec-1"}, nil
}
func (f *fakeExecutionRepo) UpdateMetadata(ctx context.Context, executionID string, patch map[string]any) (*repository.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata == nil {
		f.metadata = map[string]any{}
	}
	f.metadata = repository.MergeMetadata(f.metadata, patch)
	return &repository.JobExecution{ExecutionID: executionID, Metadata: f.metadata}, nil
}
func (f *fakeExecutionRepo) UpdateStatus(ctx context.Context, executionID string, status repository.ExecutionStatus, endedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites = append(f.statusWrites, status)
	return nil
}
func (f *fakeExecutionRepo) ListExecutions(ctx context.Context, filter repository.ListFilter) ([]repository.JobExecution, error) {
	return nil, nil
}
func (f *fakeExecutionRepo) GetExecution(ctx context.Context, executionID string) (*repository.JobExecution, error) {
	return &repository.JobExecution{ExecutionID: executionID}, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error", "console")
	require.NoError(t, err)
	return log
}

func TestReconciler_RecordsSuccessOnTerminalSucceeded(t *testing.T) {
	source := &fakeBatchStatusSource{states: []JobState{JobStateSucceeded}}
	repo := &fakeExecutionRepo{}
	r := &Reconciler{
		client: source, repo: repo, log: testLogger(t),
		interval: 10 * time.Millisecond, timeout: time.Second,
		maxRetries: 2, retryDelay: time.Millisecond,
		running: map[string]context.CancelFunc{},
	}

	r.Schedule("exec-1", "jobs/exec-1")

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		for _, s := range repo.statusWrites {
			if s == repository.StatusSucceeded {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestReconciler_ScheduleIsIdempotentWhileRunning(t *testing.T) {
	source := &fakeBatchStatusSource{states: []JobState{JobStateCancellationInProgress}}
	repo := &fakeExecutionRepo{}
	r := &Reconciler{
		client: source, repo: repo, log: testLogger(t),
		interval: 10 * time.Millisecond, timeout: 50 * time.Millisecond,
		maxRetries: 1, retryDelay: time.Millisecond,
		running: map[string]context.CancelFunc{},
	}

	r.Schedule("exec-2", "jobs/exec-2")
	r.Schedule("exec-2", "jobs/exec-2")

	r.mu.Lock()
	n := len(r.running)
	r.mu.Unlock()
	assert.LessOrEqual(t, n, 1)
}
