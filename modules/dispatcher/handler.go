package dispatcher

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andreypavlenko/formsender/internal/config"
	"github.com/andreypavlenko/formsender/internal/platform/auth"
	"github.com/andreypavlenko/formsender/internal/platform/cache"
	"github.com/andreypavlenko/formsender/internal/platform/cloudjobs"
	"github.com/andreypavlenko/formsender/internal/platform/gcs"
	httpPlatform "github.com/andreypavlenko/formsender/internal/platform/http"
	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/dispatcher/monitor"
	"github.com/andreypavlenko/formsender/modules/repository"
)

// dedupLockTTL bounds how long a CreateTask dedup lock survives. The lock is
// released early only when the repository check finds an existing active
// execution; every other request leaves it to expire after this TTL, so a
// lock whose holder crashed also self-heals instead of wedging the targeting.
const dedupLockTTL = 2 * time.Minute

// Handler wires the form-sender HTTP surface to the cloud-job launcher,
// signed-URL manager, and job-executions repository.
type Handler struct {
	repo    repository.JobExecutionRepository
	urls    *gcs.SignedURLManager
	jobs    *cloudjobs.Client
	cfg     config.CloudConfig
	log     *logger.Logger
	monitor *monitor.Reconciler
	jwt     *auth.JWTManager
	cache   *cache.Cache
}

func NewHandler(repo repository.JobExecutionRepository, urls *gcs.SignedURLManager, jobs *cloudjobs.Client, cfg config.CloudConfig, jwt *auth.JWTManager, cache *cache.Cache, log *logger.Logger) *Handler {
	h := &Handler{repo: repo, urls: urls, jobs: jobs, cfg: cfg, log: log, jwt: jwt, cache: cache}
	h.monitor = monitor.NewReconciler(batchStatusSource{jobs}, repo, log, 30*time.Second, 12*time.Hour, 3, 2*time.Second)
	return h
}

// batchStatusSource adapts cloudjobs.Client to monitor.BatchStatusSource
// without the monitor package needing to know about the Cloud Batch REST
// client directly.
type batchStatusSource struct {
	jobs *cloudjobs.Client
}

func (b batchStatusSource) GetJobStatus(ctx context.Context, jobName string) (monitor.BatchJobStatus, error) {
	state, err := b.jobs.GetBatchJobState(ctx, jobName)
	if err != nil {
		return monitor.BatchJobStatus{}, err
	}
	return monitor.BatchJobStatus{State: monitor.JobState(state)}, nil
}

// RegisterRoutes mounts the six form-sender endpoints under group. Every
// route but the health check sits behind bearer-token auth, matching how
// the teacher gates every other admin-facing module.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/healthz", h.Healthz)

	protected := group.Group("/v1/form-sender")
	protected.Use(auth.AuthMiddleware(h.jwt))
	protected.POST("/validate-config", h.ValidateConfig)
	protected.POST("/tasks", h.CreateTask)
	protected.POST("/signed-url/refresh", h.RefreshSignedURL)
	protected.GET("/executions", h.ListExecutions)
	protected.POST("/executions/:id/cancel", h.CancelExecution)
}

// Healthz godoc
// @Summary Health check
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ValidateConfig godoc
// @Summary Validate a client config transform without launching anything
// @Accept json
// @Produce json
// @Param request body map[string]interface{} true "client_config"
// @Success 200 {object} map[string]string
// @Failure 400 {object} httpPlatform.ErrorResponse
// @Router /v1/form-sender/validate-config [post]
func (h *Handler) ValidateConfig(c *gin.Context) {
	var body struct {
		ClientConfig map[string]any `json:"client_config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"status": "ok"})
}

// CreateTask godoc
// @Summary Launch a form-sender cloud job
// @Accept json
// @Produce json
// @Param request body FormSenderTask true "task"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} httpPlatform.ErrorResponse
// @Failure 500 {object} httpPlatform.ErrorResponse
// @Router /v1/form-sender/tasks [post]
func (h *Handler) CreateTask(c *gin.Context) {
	var task FormSenderTask
	if err := c.ShouldBindJSON(&task); err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := task.Validate(); err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	ctx := c.Request.Context()

	dedupKey := "formsender:dedup:" + strconv.FormatInt(task.TargetingID, 10) + ":" + strconv.Itoa(task.Execution.RunIndexBase)
	if h.cache != nil {
		acquired, err := h.cache.TryLock(ctx, dedupKey, dedupLockTTL)
		if err == nil && !acquired {
			httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"status": "duplicate", "job_execution_id": ""})
			return
		}
		if err != nil {
			h.log.Warn("dedup lock check failed, falling back to repository check: " + err.Error())
		}
	}

	existing, err := h.repo.FindActiveExecution(ctx, task.TargetingID, task.Execution.RunIndexBase)
	if err == nil && existing != nil {
		if h.cache != nil {
			_ = h.cache.Unlock(ctx, dedupKey)
		}
		httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"status": "duplicate", "job_execution_id": existing.ExecutionID})
		return
	}

	bucket, object, err := task.GCSBlobComponents()
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid client_config_object")
		return
	}
	ttl := 24 * time.Hour
	refreshThreshold := 30 * time.Minute
	if task.Batch != nil && task.Batch.SignedURLTTLHours != nil {
		ttl = time.Duration(*task.Batch.SignedURLTTLHours) * time.Hour
	}
	if task.Batch != nil && task.Batch.SignedURLRefreshThresholdSeconds != nil {
		refreshThreshold = time.Duration(*task.Batch.SignedURLRefreshThresholdSeconds) * time.Second
	}
	freshURL, err := h.urls.EnsureFresh(ctx, bucket, object, task.ClientConfigRef, gcs.Policy{TTL: ttl, RefreshThreshold: refreshThreshold})
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadGateway, "SIGNED_URL_ERROR", err.Error())
		return
	}
	task.ClientConfigRef = freshURL

	execution, err := h.repo.InsertExecution(ctx, repository.InsertExecutionParams{
		ExecutionID:        task.ExecutionID,
		TargetingID:        task.TargetingID,
		RunIndexBase:       task.Execution.RunIndexBase,
		TaskCount:          task.Execution.RunTotal,
		Parallelism:        task.EffectiveParallelism(),
		Shards:             task.Execution.Shards,
		WorkersPerWorkflow: task.Execution.WorkersPerWorkflow,
		ExecutionMode:      task.Mode,
		WorkflowTrigger:    task.WorkflowTrigger,
		Branch:             task.Branch,
		TestMode:           task.TestMode,
	})
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to record job execution")
		return
	}

	envVars := h.containerEnv(task, execution.ExecutionID)

	var operationName, executionName string
	if task.BatchEnabled() {
		shape := h.jobs.CalculateResources(cloudjobs.BatchResourceInputs{
			WorkersPerWorkflow: task.Execution.WorkersPerWorkflow,
			VCPUPerWorker:      intOrZero(task.Batch.VCPUPerWorker),
			MemoryPerWorkerMB:  intOrZero(task.Batch.MemoryPerWorkerMB),
			MemoryBufferMB:     task.Batch.MemoryBufferMB,
			MachineType:        task.Batch.MachineType,
			PreferSpot:         &task.Batch.PreferSpot,
			AllowOnDemand:      &task.Batch.AllowOnDemandFallback,
		})
		maxRetries := int64(3)
		if task.Batch.MaxAttempts != nil {
			maxRetries = int64(*task.Batch.MaxAttempts)
		}
		result, err := h.jobs.SubmitBatchJob(ctx, cloudjobs.SubmitBatchJobRequest{
			JobPrefix:   "form-sender",
			TaskGroupID: execution.ExecutionID,
			TaskCount:   int64(task.Execution.RunTotal),
			Parallelism: int64(task.EffectiveParallelism()),
			Shape:       shape,
			Image:       h.cfg.BatchWorkerImage,
			Entrypoint:  h.cfg.BatchEntrypoint,
			EnvVars:     envVars,
			MaxRetries:  maxRetries,
		})
		if err != nil {
			httpPlatform.RespondWithError(c, http.StatusBadGateway, "CLOUD_BATCH_ERROR", err.Error())
			return
		}
		executionName = result.JobName
		h.monitor.Schedule(execution.ExecutionID, result.JobName)
	} else {
		result, err := h.jobs.RunCloudRunJob(ctx, cloudjobs.RunCloudRunJobRequest{
			TaskCount:   task.Execution.RunTotal,
			Parallelism: task.EffectiveParallelism(),
			EnvVars:     envVars,
		})
		if err != nil {
			httpPlatform.RespondWithError(c, http.StatusBadGateway, "CLOUD_RUN_ERROR", err.Error())
			return
		}
		operationName = result.OperationName
		executionName = result.ExecutionName
	}

	_, _ = h.repo.UpdateMetadata(ctx, execution.ExecutionID, map[string]any{
		"cloud_run_operation":  operationName,
		"cloud_run_execution": executionName,
	})

	httpPlatform.RespondWithData(c, http.StatusOK, gin.H{
		"status":             "queued",
		"job_execution_id":   execution.ExecutionID,
		"cloud_run_operation": operationName,
	})
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (h *Handler) containerEnv(task FormSenderTask, executionID string) map[string]string {
	env := map[string]string{
		"FORM_SENDER_CLIENT_CONFIG_URL":    task.ClientConfigRef,
		"FORM_SENDER_CLIENT_CONFIG_OBJECT": task.ClientConfigObject,
		"FORM_SENDER_ENV":                  "cloud_run",
		"FORM_SENDER_LOG_SANITIZE":         "1",
		"FORM_SENDER_WORKFLOW_TRIGGER":     task.WorkflowTrigger,
		"FORM_SENDER_TOTAL_SHARDS":         strconv.Itoa(task.Execution.Shards),
		"FORM_SENDER_MAX_WORKERS":          strconv.Itoa(task.Execution.WorkersPerWorkflow),
		"FORM_SENDER_TARGETING_ID":         strconv.FormatInt(task.TargetingID, 10),
		"FORM_SENDER_TEST_MODE":            strconv.FormatBool(task.TestMode),
		"COMPANY_TABLE":                    task.Tables.CompanyTable,
		"SEND_QUEUE_TABLE":                 task.Tables.SendQueueTable,
		"JOB_EXECUTION_ID":                 executionID,
		"JOB_EXECUTION_META":               task.JobExecutionMeta(),
	}
	if task.Tables.UseExtraTable {
		env["FORM_SENDER_TABLE_MODE"] = "extra"
	} else {
		env["FORM_SENDER_TABLE_MODE"] = "default"
	}
	if task.Tables.SubmissionsTable != "" {
		env["SUBMISSIONS_TABLE"] = task.Tables.SubmissionsTable
	}
	if task.CPUClass != "" {
		env["FORM_SENDER_CPU_CLASS"] = task.CPUClass
	}
	if task.Branch != "" {
		env["FORM_SENDER_GIT_REF"] = task.Branch
	}
	return env
}

// RefreshSignedURL godoc
// @Summary Re-sign a client config object's URL
// @Accept json
// @Produce json
// @Param request body SignedURLRefreshRequest true "request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} httpPlatform.ErrorResponse
// @Router /v1/form-sender/signed-url/refresh [post]
func (h *Handler) RefreshSignedURL(c *gin.Context) {
	var req SignedURLRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	bucket, object, err := (&FormSenderTask{ClientConfigObject: req.ClientConfigObject}).GCSBlobComponents()
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid client_config_object")
		return
	}
	ttl := 24 * time.Hour
	if req.SignedURLTTLHours != nil {
		ttl = time.Duration(*req.SignedURLTTLHours) * time.Hour
	}
	signed, err := h.urls.Sign(c.Request.Context(), bucket, object, ttl)
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusBadGateway, "SIGNED_URL_ERROR", err.Error())
		return
	}
	httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"client_config_ref": signed})
}

// ListExecutions godoc
// @Summary List recent job_executions rows
// @Produce json
// @Param status query string false "status filter"
// @Param targeting_id query int false "targeting id filter"
// @Success 200 {object} map[string]interface{}
// @Router /v1/form-sender/executions [get]
func (h *Handler) ListExecutions(c *gin.Context) {
	filter := repository.ListFilter{Status: repository.ExecutionStatus(c.Query("status"))}
	if raw := c.Query("targeting_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.TargetingID = &id
		}
	}
	rows, err := h.repo.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to list executions")
		return
	}
	httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"executions": rows})
}

// CancelExecution godoc
// @Summary Cancel a running execution
// @Produce json
// @Param id path string true "execution id"
// @Success 200 {object} map[string]string
// @Failure 404 {object} httpPlatform.ErrorResponse
// @Router /v1/form-sender/executions/{id}/cancel [post]
func (h *Handler) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	execution, err := h.repo.GetExecution(ctx, id)
	if err != nil {
		httpPlatform.RespondWithError(c, http.StatusNotFound, "NOT_FOUND", "execution not found")
		return
	}
	if execution.Status != repository.StatusRunning {
		httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"status": string(execution.Status)})
		return
	}

	h.monitor.Stop(id)

	executionName, _ := execution.Metadata["cloud_run_execution"].(string)
	if executionName != "" {
		if err := h.jobs.CancelCloudRunExecution(ctx, executionName); err != nil {
			h.log.Warn("cloud run cancel failed: " + err.Error())
		}
	}

	now := time.Now()
	if err := h.repo.UpdateStatus(ctx, id, repository.StatusCancelled, &now); err != nil {
		httpPlatform.RespondWithError(c, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to update execution status")
		return
	}
	httpPlatform.RespondWithData(c, http.StatusOK, gin.H{"status": "cancelled"})
}
