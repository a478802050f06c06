// Package cloudjobs launches and cancels the two execution backends a
// form-sender task can target: a Cloud Run Job execution, or a Cloud Batch
// job built from a calculated machine shape.
package cloudjobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gtransport "google.golang.org/api/transport/http"

	"github.com/andreypavlenko/formsender/internal/config"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Client issues authenticated REST calls against the Cloud Run Jobs v2 API
// and the Cloud Batch v1 API using application-default service account
// credentials.
type Client struct {
	http *http.Client
	cfg  config.CloudConfig
}

// New builds a cloudjobs Client authenticated against the cloud-platform
// scope, resolving the service-account token source explicitly via
// golang.org/x/oauth2/google rather than leaving credential discovery
// entirely implicit, so a misconfigured environment fails at startup with
// a clear error instead of on the first API call.
func New(ctx context.Context, cfg config.CloudConfig) (*Client, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("resolving GCP service-account credentials: %w", err)
	}
	httpClient, _, err := gtransport.NewClient(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("building authenticated GCP http client: %w", err)
	}
	return &Client{http: &http.Client{Transport: httpClient.Transport, Timeout: 30 * time.Second}, cfg: cfg}, nil
}

// RunCloudRunJobRequest is the payload the dispatcher sends to launch a Cloud
// Run Jobs execution with per-task env var overrides.
type RunCloudRunJobRequest struct {
	TaskCount   int
	Parallelism int
	EnvVars     map[string]string
}

// RunCloudRunJobResult carries the identifiers the monitor needs to poll.
type RunCloudRunJobResult struct {
	OperationName string
	ExecutionName string
}

// RunCloudRunJob triggers an execution of the configured Cloud Run job with
// ExecutionTemplateOverrides, mirroring CloudRunJobRunner.run_job.
func (c *Client) RunCloudRunJob(ctx context.Context, req RunCloudRunJobRequest) (*RunCloudRunJobResult, error) {
	jobPath := fmt.Sprintf("projects/%s/locations/%s/jobs/%s", c.cfg.ProjectID, c.cfg.Region, c.cfg.CloudRunJobName)

	envVars := make([]map[string]string, 0, len(req.EnvVars))
	for k, v := range req.EnvVars {
		envVars = append(envVars, map[string]string{"name": k, "value": v})
	}

	body := map[string]any{
		"overrides": map[string]any{
			"taskCount":   req.TaskCount,
			"parallelism": req.Parallelism,
			"containerOverrides": []map[string]any{
				{"env": envVars},
			},
		},
	}

	endpoint := fmt.Sprintf("https://%s-run.googleapis.com/v2/%s:run", c.cfg.Region, jobPath)
	var op struct {
		Name     string `json:"name"`
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := c.postJSON(ctx, endpoint, body, &op); err != nil {
		return nil, fmt.Errorf("running cloud run job: %w", err)
	}

	return &RunCloudRunJobResult{OperationName: op.Name, ExecutionName: op.Metadata.Name}, nil
}

// CancelCloudRunExecution cancels a running execution by its resource name.
func (c *Client) CancelCloudRunExecution(ctx context.Context, executionName string) error {
	if executionName == "" {
		return fmt.Errorf("execution_name is required")
	}
	endpoint := fmt.Sprintf("https://%s-run.googleapis.com/v2/%s:cancel", c.cfg.Region, executionName)
	return c.postJSON(ctx, endpoint, map[string]any{}, nil)
}

// MachineShape is the computed Cloud Batch resource allocation for one job.
type MachineShape struct {
	MachineType  string
	CPUMilli     int64
	MemoryMB     int64
	PreferSpot   bool
	AllowOnDemand bool
	Metadata     map[string]any
}

// BatchResourceInputs is the subset of a FormSenderTask.BatchOptions that the
// machine-shape calculation needs.
type BatchResourceInputs struct {
	WorkersPerWorkflow int
	VCPUPerWorker      int
	MemoryPerWorkerMB  int
	MemoryBufferMB     *int
	MachineType        string
	PreferSpot         *bool
	AllowOnDemand      *bool
}

var customMachineTypePattern = regexp.MustCompile(`^[a-z0-9]+-custom-(\d+)-(\d+)$`)

// CalculateResources mirrors CloudBatchJobRunner._calculate_resources: derive
// total vCPU/memory from the per-worker requirement, round memory up to the
// nearest 256MB, and fall back to a larger custom machine type when an
// explicitly requested one is too small.
func (c *Client) CalculateResources(in BatchResourceInputs) MachineShape {
	workers := in.WorkersPerWorkflow
	if workers < 1 {
		workers = 1
	}

	vcpuPerWorker := in.VCPUPerWorker
	if vcpuPerWorker <= 0 {
		vcpuPerWorker = c.cfg.DefaultVCPUPerTask
	}
	if vcpuPerWorker <= 0 {
		vcpuPerWorker = 1
	}

	memoryPerWorker := in.MemoryPerWorkerMB
	if memoryPerWorker <= 0 {
		memoryPerWorker = c.cfg.DefaultMemoryMBPerTask
	}

	bufferMB := c.cfg.MemoryBufferMB
	if in.MemoryBufferMB != nil {
		bufferMB = *in.MemoryBufferMB
		if bufferMB < 0 {
			bufferMB = 0
		}
	}

	vcpu := int64(vcpuPerWorker) * int64(workers)
	totalMemory := int64(workers)*int64(memoryPerWorker) + int64(bufferMB)
	if totalMemory < 1024 {
		totalMemory = 1024
	}
	memoryMB := int64(math.Ceil(float64(totalMemory)/256.0)) * 256

	requestedMachineType := strings.TrimSpace(in.MachineType)
	machineType := requestedMachineType
	if machineType == "" {
		machineType = fmt.Sprintf("n2d-custom-%d-%d", vcpu, memoryMB)
	}

	preferSpot := c.cfg.PreferSpot
	if in.PreferSpot != nil {
		preferSpot = *in.PreferSpot
	}
	allowOnDemand := c.cfg.AllowOnDemandFallback
	if in.AllowOnDemand != nil {
		allowOnDemand = *in.AllowOnDemand
	}

	metadata := map[string]any{}
	needsFallback := false
	if match := customMachineTypePattern.FindStringSubmatch(machineType); match != nil {
		var machineVCPU, machineMemory int64
		fmt.Sscanf(match[1], "%d", &machineVCPU)
		fmt.Sscanf(match[2], "%d", &machineMemory)
		if machineVCPU < vcpu || machineMemory < memoryMB {
			needsFallback = true
		}
	}

	if needsFallback {
		fallbackMemory := memoryMB
		if fallbackMemory < 10240 {
			fallbackMemory = 10240
		}
		fallbackVCPU := vcpu
		if fallbackVCPU < 4 {
			fallbackVCPU = 4
		}
		fallbackType := fmt.Sprintf("n2d-custom-%d-%d", fallbackVCPU, fallbackMemory)
		metadata["memory_warning"] = true
		metadata["requested_machine_type"] = requestedMachineType
		machineType = fallbackType
		vcpu = fallbackVCPU
		memoryMB = fallbackMemory
	}

	metadata["computed_memory_mb"] = memoryMB
	metadata["workers_per_workflow"] = workers

	return MachineShape{
		MachineType:   machineType,
		CPUMilli:      vcpu * 1000,
		MemoryMB:      memoryMB,
		PreferSpot:    preferSpot,
		AllowOnDemand: allowOnDemand,
		Metadata:      metadata,
	}
}

// SubmitBatchJobRequest is the payload used to create a Cloud Batch job.
type SubmitBatchJobRequest struct {
	JobPrefix   string
	TaskGroupID string
	TaskCount   int64
	Parallelism int64
	Shape       MachineShape
	Image       string
	Entrypoint  []string
	EnvVars     map[string]string
	Labels      map[string]string
	MaxRetries  int64
}

// SubmitBatchJobResult carries the identifiers the monitor needs to poll.
type SubmitBatchJobResult struct {
	JobName string
	JobID   string
}

// SubmitBatchJob creates a Cloud Batch job from a calculated MachineShape.
func (c *Client) SubmitBatchJob(ctx context.Context, req SubmitBatchJobRequest) (*SubmitBatchJobResult, error) {
	jobID := GenerateJobID(req.JobPrefix)
	parallelism := req.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > req.TaskCount {
		parallelism = req.TaskCount
	}

	allocationPolicy := buildAllocationPolicy(req.Shape)

	taskGroup := map[string]any{
		"taskCount":   req.TaskCount,
		"parallelism": parallelism,
		"taskSpec": map[string]any{
			"runnables": []map[string]any{
				{
					"container": map[string]any{
						"imageUri":   req.Image,
						"entrypoint": strings.Join(req.Entrypoint, " "),
					},
				},
			},
			"computeResource": map[string]any{
				"cpuMilli":  req.Shape.CPUMilli,
				"memoryMib": req.Shape.MemoryMB,
			},
			"environment":    map[string]any{"variables": req.EnvVars},
			"maxRetryCount":  req.MaxRetries,
		},
	}
	if sanitized := SanitizeTaskGroupID(req.TaskGroupID); sanitized != "" {
		taskGroup["name"] = fmt.Sprintf("taskGroups/%s", sanitized)
	}

	labels := map[string]string{"workload": "form_sender"}
	for k, v := range req.Labels {
		labels[k] = v
	}

	body := map[string]any{
		"taskGroups":       []map[string]any{taskGroup},
		"allocationPolicy": allocationPolicy,
		"labels":           labels,
	}

	endpoint := fmt.Sprintf("https://batch.googleapis.com/v1/projects/%s/locations/%s/jobs?job_id=%s",
		c.cfg.BatchProjectID, c.cfg.Region, jobID)

	var resp struct {
		Name string `json:"name"`
	}
	if err := c.postJSON(ctx, endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("submitting cloud batch job: %w", err)
	}
	return &SubmitBatchJobResult{JobName: resp.Name, JobID: jobID}, nil
}

// DeleteBatchJob deletes a Cloud Batch job, treating NotFound/PermissionDenied
// as already-finished rather than an error.
func (c *Client) DeleteBatchJob(ctx context.Context, jobName string) error {
	endpoint := fmt.Sprintf("https://batch.googleapis.com/v1/%s", jobName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return nil
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete batch job failed: %s: %s", resp.Status, string(data))
	}
	return nil
}

// GetBatchJobState fetches a Cloud Batch job's current status.state field.
func (c *Client) GetBatchJobState(ctx context.Context, jobName string) (string, error) {
	endpoint := fmt.Sprintf("https://batch.googleapis.com/v1/%s", jobName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("get batch job failed: %s: %s", resp.Status, string(data))
	}
	var out struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding batch job status: %w", err)
	}
	return out.Status.State, nil
}

func buildAllocationPolicy(shape MachineShape) map[string]any {
	policyType := "STANDARD"
	if shape.PreferSpot {
		policyType = "SPOT"
	}
	return map[string]any{
		"instances": []map[string]any{
			{
				"policy": map[string]any{
					"machineType":       shape.MachineType,
					"provisioningModel": policyType,
				},
			},
		},
	}
}

var (
	nonAlnumDash  = regexp.MustCompile(`[^a-z0-9-]`)
	multiDash     = regexp.MustCompile(`-+`)
	validResource = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
)

// SanitizeJobPrefix collapses a free-form template into a valid Batch job
// name prefix, falling back to "form-sender" when the result isn't valid.
func SanitizeJobPrefix(template string) string {
	value := strings.TrimSpace(template)
	if value == "" {
		return "form-sender"
	}
	if idx := strings.LastIndex(value, "/"); idx >= 0 {
		value = value[idx+1:]
	}
	value = nonAlnumDash.ReplaceAllString(strings.ToLower(value), "-")
	value = strings.Trim(multiDash.ReplaceAllString(value, "-"), "-")
	if value == "" || !validResource.MatchString(value) {
		return "form-sender"
	}
	return value
}

// SanitizeTaskGroupID normalizes a configured task-group name into a valid
// Batch resource ID, returning "" when none was configured.
func SanitizeTaskGroupID(taskGroup string) string {
	value := strings.ToLower(strings.TrimSpace(taskGroup))
	if value == "" {
		return ""
	}
	value = nonAlnumDash.ReplaceAllString(value, "-")
	value = strings.Trim(multiDash.ReplaceAllString(value, "-"), "-")
	if value == "" {
		return ""
	}
	if !validResource.MatchString(value) {
		value = "group-" + value
		value = strings.Trim(nonAlnumDash.ReplaceAllString(value, "-"), "-")
	}
	return value
}

// GenerateJobID produces a unique Batch job id from a sanitized prefix.
func GenerateJobID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("%s-%s", SanitizeJobPrefix(prefix), id)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
