// Package dispatcher exposes the HTTP surface that launches and monitors
// cloud-batch form-sender runs: validating a task request, ensuring a
// fresh signed URL for the client config object, launching the
// configured cloud backend, and recording the resulting job_executions row.
package dispatcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9/_.-]+$`)
var executionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// TableConfig names the Postgres tables a task reads/writes against.
type TableConfig struct {
	UseExtraTable   bool   `json:"use_extra_table"`
	CompanyTable    string `json:"company_table"`
	SendQueueTable  string `json:"send_queue_table"`
	SubmissionsTable string `json:"submissions_table,omitempty"`
}

// ExecutionConfig describes how the run is sharded across workers.
type ExecutionConfig struct {
	RunTotal           int `json:"run_total" binding:"required,min=1"`
	Parallelism        int `json:"parallelism" binding:"required,min=1"`
	RunIndexBase       int `json:"run_index_base"`
	Shards             int `json:"shards" binding:"required,min=1"`
	WorkersPerWorkflow int `json:"workers_per_workflow" binding:"required,min=1"`
}

// TaskMetadata carries optional provenance fields, unvalidated passthrough.
type TaskMetadata struct {
	TriggeredAtJST string `json:"triggered_at_jst,omitempty"`
	GASTrigger     string `json:"gas_trigger,omitempty"`
}

// BatchOptions configures Cloud Batch machine-shape and signed-URL policy
// overrides; nil means "not in batch mode".
type BatchOptions struct {
	Enabled                         bool `json:"enabled"`
	MaxParallelism                  *int `json:"max_parallelism,omitempty"`
	PreferSpot                      bool `json:"prefer_spot"`
	AllowOnDemandFallback           bool `json:"allow_on_demand_fallback"`
	MachineType                     string `json:"machine_type,omitempty"`
	SignedURLTTLHours               *int `json:"signed_url_ttl_hours,omitempty"`
	SignedURLRefreshThresholdSeconds *int `json:"signed_url_refresh_threshold_seconds,omitempty"`
	VCPUPerWorker                   *int `json:"vcpu_per_worker,omitempty"`
	MemoryPerWorkerMB               *int `json:"memory_per_worker_mb,omitempty"`
	MemoryBufferMB                  *int `json:"memory_buffer_mb,omitempty"`
	MaxAttempts                     *int `json:"max_attempts,omitempty"`
}

// FormSenderTask is the POST /v1/form-sender/tasks request body.
type FormSenderTask struct {
	ExecutionID       string          `json:"execution_id,omitempty"`
	TargetingID       int64           `json:"targeting_id" binding:"required"`
	ClientConfigRef   string          `json:"client_config_ref" binding:"required"`
	ClientConfigObject string        `json:"client_config_object" binding:"required"`
	Tables            TableConfig     `json:"tables"`
	Execution         ExecutionConfig `json:"execution" binding:"required"`
	TestMode          bool            `json:"test_mode"`
	Branch            string          `json:"branch,omitempty"`
	WorkflowTrigger   string          `json:"workflow_trigger"`
	Metadata          TaskMetadata    `json:"metadata"`
	CPUClass          string          `json:"cpu_class,omitempty"`
	Mode              string          `json:"mode"`
	Batch             *BatchOptions   `json:"batch,omitempty"`
}

// Validate applies the rules ported from the reference schema beyond what
// Gin's struct tags already cover: URI shapes, enum membership, and the
// cross-field parallelism/batch-mode normalization.
func (t *FormSenderTask) Validate() error {
	if !strings.HasPrefix(t.ClientConfigObject, "gs://") {
		return fmt.Errorf("client_config_object must be a gs:// URI")
	}
	parsed, err := url.Parse(t.ClientConfigRef)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return fmt.Errorf("client_config_ref must be an https URL with a host")
	}
	if t.Branch != "" {
		if len(t.Branch) > 255 {
			return fmt.Errorf("branch name too long")
		}
		if strings.HasPrefix(t.Branch, "-") {
			return fmt.Errorf("branch cannot start with hyphen")
		}
		if !branchPattern.MatchString(t.Branch) {
			return fmt.Errorf("branch must contain only alphanumeric, /, _, ., - characters")
		}
	}
	if t.ExecutionID != "" {
		trimmed := strings.TrimSpace(t.ExecutionID)
		if trimmed == "" {
			return fmt.Errorf("execution_id cannot be blank")
		}
		if len(trimmed) > 128 {
			return fmt.Errorf("execution_id too long")
		}
		if !executionIDPattern.MatchString(trimmed) {
			return fmt.Errorf("execution_id must be alphanumeric or hyphenated")
		}
		t.ExecutionID = trimmed
	}
	if t.CPUClass != "" {
		normalized := strings.ToLower(strings.TrimSpace(t.CPUClass))
		switch normalized {
		case "standard", "low", "gcp_spot":
			t.CPUClass = normalized
		default:
			return fmt.Errorf("cpu_class must be 'standard', 'low', or 'gcp_spot'")
		}
	}
	if t.Execution.Parallelism > t.Execution.RunTotal {
		return fmt.Errorf("parallelism must be less than or equal to run_total")
	}
	t.normalizeBatchMode()
	if t.WorkflowTrigger == "" {
		t.WorkflowTrigger = "automated"
	}
	if t.Tables.CompanyTable == "" {
		t.Tables.CompanyTable = "companies"
	}
	if t.Tables.SendQueueTable == "" {
		t.Tables.SendQueueTable = "send_queue"
	}
	return nil
}

// normalizeBatchMode forces mode="batch" whenever batch options are
// present, matching the reference root validator exactly (a non-nil
// Batch struct always wins over a client-supplied mode field).
func (t *FormSenderTask) normalizeBatchMode() {
	if t.Mode == "" {
		t.Mode = "cloud_run"
	}
	if t.Batch == nil {
		return
	}
	t.Batch.Enabled = true
	t.Mode = "batch"
}

// BatchEnabled reports whether this task targets Cloud Batch.
func (t *FormSenderTask) BatchEnabled() bool {
	return t.Mode == "batch"
}

// EffectiveParallelism applies the batch max_parallelism cap, if any.
func (t *FormSenderTask) EffectiveParallelism() int {
	if !t.BatchEnabled() || t.Batch == nil || t.Batch.MaxParallelism == nil {
		return t.Execution.Parallelism
	}
	if *t.Batch.MaxParallelism < t.Execution.Parallelism {
		return *t.Batch.MaxParallelism
	}
	return t.Execution.Parallelism
}

// JobExecutionMeta base64-encodes the per-shard metadata the worker
// environment reads back out of JOB_EXECUTION_META.
func (t *FormSenderTask) JobExecutionMeta() string {
	payload := map[string]any{
		"run_index_base":       t.Execution.RunIndexBase,
		"shards":                t.Execution.Shards,
		"workers_per_workflow": t.Execution.WorkersPerWorkflow,
		"test_mode":            t.TestMode,
	}
	data, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(data)
}

// RunIndexKey identifies one dedup-checkable run of a targeting campaign.
func (t *FormSenderTask) RunIndexKey() string {
	triggered := t.Metadata.TriggeredAtJST
	if triggered == "" {
		triggered = time.Now().UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%d:%d:%s", t.TargetingID, t.Execution.RunIndexBase, triggered)
}

// GCSBlobComponents splits client_config_object into bucket/object.
func (t *FormSenderTask) GCSBlobComponents() (bucket, object string, err error) {
	parsed, err := url.Parse(t.ClientConfigObject)
	if err != nil {
		return "", "", err
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

// SignedURLRefreshRequest is the POST /v1/form-sender/signed-url/refresh body.
type SignedURLRefreshRequest struct {
	ClientConfigObject string `json:"client_config_object" binding:"required"`
	ExecutionID         string `json:"execution_id,omitempty"`
	SignedURLTTLHours   *int   `json:"signed_url_ttl_hours,omitempty"`
}
