package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() FormSenderTask {
	return FormSenderTask{
		TargetingID:        1,
		ClientConfigRef:    "https://storage.googleapis.com/bucket/object.json?X-Goog-Algorithm=GOOG4-RSA-SHA256",
		ClientConfigObject: "gs://bucket/object.json",
		Execution: ExecutionConfig{
			RunTotal:           10,
			Parallelism:        2,
			RunIndexBase:       0,
			Shards:             1,
			WorkersPerWorkflow: 2,
		},
	}
}

func TestValidate_RejectsNonGCSClientConfigObject(t *testing.T) {
	task := validTask()
	task.ClientConfigObject = "https://bucket/object.json"
	assert.Error(t, task.Validate())
}

func TestValidate_RejectsNonHTTPSClientConfigRef(t *testing.T) {
	task := validTask()
	task.ClientConfigRef = "http://storage.googleapis.com/bucket/object.json"
	assert.Error(t, task.Validate())
}

func TestValidate_RejectsParallelismGreaterThanRunTotal(t *testing.T) {
	task := validTask()
	task.Execution.Parallelism = 20
	assert.Error(t, task.Validate())
}

func TestValidate_RejectsBranchStartingWithHyphen(t *testing.T) {
	task := validTask()
	task.Branch = "-feature"
	assert.Error(t, task.Validate())
}

func TestValidate_RejectsInvalidCPUClass(t *testing.T) {
	task := validTask()
	task.CPUClass = "ultra"
	assert.Error(t, task.Validate())
}

func TestValidate_NormalizesBatchModeWhenBatchOptionsPresent(t *testing.T) {
	task := validTask()
	task.Mode = "cloud_run"
	task.Batch = &BatchOptions{}
	require.NoError(t, task.Validate())
	assert.Equal(t, "batch", task.Mode)
	assert.True(t, task.Batch.Enabled)
}

func TestValidate_DefaultsWorkflowTriggerAndTables(t *testing.T) {
	task := validTask()
	require.NoError(t, task.Validate())
	assert.Equal(t, "automated", task.WorkflowTrigger)
	assert.Equal(t, "companies", task.Tables.CompanyTable)
	assert.Equal(t, "send_queue", task.Tables.SendQueueTable)
}

func TestEffectiveParallelism_CapsToBatchMaxParallelism(t *testing.T) {
	task := validTask()
	maxParallelism := 1
	task.Batch = &BatchOptions{MaxParallelism: &maxParallelism}
	require.NoError(t, task.Validate())
	assert.Equal(t, 1, task.EffectiveParallelism())
}

func TestGCSBlobComponents_SplitsBucketAndObject(t *testing.T) {
	task := validTask()
	bucket, object, err := task.GCSBlobComponents()
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "object.json", object)
}
