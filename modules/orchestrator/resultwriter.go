package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/errorclass"
)

const (
	defaultMaxParallelDBWrites = 5
	defaultBatchSize           = 20
	defaultBufferTimeout       = 30 * time.Second
	defaultMaxBufferSize       = 100
)

// PersistMode selects between the two result-persistence strategies.
type PersistMode string

const (
	PersistImmediate PersistMode = "immediate"
	PersistBuffered  PersistMode = "buffered"
)

// SubmissionWriter is the narrow persistence port ResultWriter depends on.
// PostgresSubmissionWriter is the concrete implementation, writing to the
// send_queue table configured for the running targeting campaign.
type SubmissionWriter interface {
	WriteSubmission(ctx context.Context, rec SubmissionRecord) error
}

// SubmissionRecord is the row ResultWriter persists for one worker result.
type SubmissionRecord struct {
	RecordID              int64
	Status                Status
	ErrorType             errorclass.Type
	ErrorMessage          string
	ErrorCategory         string
	ErrorRetryable        bool
	ErrorConfidence       float64
	BotProtectionDetected bool
	AdditionalData        map[string]any
}

// ResultWriter implements both persistence modes of the orchestrator's
// result path: immediate (semaphore-bounded direct writes) and buffered
// (batch flush on size/timeout/high-water-mark). It never writes
// instruction_valid — that flag is legacy and read-only here.
type ResultWriter struct {
	orderedLocks

	mode      PersistMode
	writer    SubmissionWriter
	log       *logger.Logger
	sem       *semaphore.Weighted
	back      *BackpressureController
	overflow  string
	emergency string

	buffer          []SubmissionRecord
	lastFlush       time.Time
	maxBufferSize   int
	batchSize       int
	bufferTimeout   time.Duration
}

func NewResultWriter(mode PersistMode, writer SubmissionWriter, log *logger.Logger, overflowDir, emergencyDir string) *ResultWriter {
	if overflowDir == "" {
		overflowDir = filepath.Join(os.TempDir(), "form_sender_overflow")
	}
	if emergencyDir == "" {
		emergencyDir = filepath.Join(os.TempDir(), "form_sender_emergency")
	}
	_ = os.MkdirAll(overflowDir, 0o755)
	_ = os.MkdirAll(emergencyDir, 0o755)

	return &ResultWriter{
		mode:          mode,
		writer:        writer,
		log:           log,
		sem:           semaphore.NewWeighted(defaultMaxParallelDBWrites),
		back:          NewBackpressureController(defaultMaxBufferSize),
		overflow:      overflowDir,
		emergency:     emergencyDir,
		lastFlush:     time.Now(),
		maxBufferSize: defaultMaxBufferSize,
		batchSize:     defaultBatchSize,
		bufferTimeout: defaultBufferTimeout,
	}
}

// Write routes a result through the configured persistence mode.
func (rw *ResultWriter) Write(ctx context.Context, res ResultEnvelope) error {
	rec := toSubmissionRecord(res)
	if rw.mode == PersistImmediate {
		return rw.writeImmediate(ctx, rec)
	}
	return rw.writeBuffered(ctx, rec)
}

// toSubmissionRecord always calls classify_detail (errorclass.ClassifyDetail)
// on the write path, using whatever page content/submit selector/HTTP status
// the worker actually observed, and attaches the structured detail to the
// row alongside the coarse error_type.
func toSubmissionRecord(res ResultEnvelope) SubmissionRecord {
	detail := errorclass.ClassifyDetail(res.ErrorMessage, res.HTTPStatus, res.PageContent, res.SubmitSelector)
	errType := detail.Code
	if res.ErrorType != "" {
		errType = errorclass.Type(res.ErrorType)
	}
	return SubmissionRecord{
		RecordID:              res.RecordID,
		Status:                res.Status,
		ErrorType:             errType,
		ErrorMessage:          res.ErrorMessage,
		ErrorCategory:         detail.Category,
		ErrorRetryable:        detail.Retryable,
		ErrorConfidence:       detail.Confidence,
		BotProtectionDetected: res.BotProtectionDetected,
		AdditionalData:        res.AdditionalData,
	}
}

func (rw *ResultWriter) writeImmediate(ctx context.Context, rec SubmissionRecord) error {
	if err := rw.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire db-write slot: %w", err)
	}
	defer rw.sem.Release(1)

	if err := rw.writer.WriteSubmission(ctx, rec); err == nil {
		return nil
	}

	if err := rw.saveToOverflow(rec); err == nil {
		rw.log.Warn("db write failed, saved to overflow buffer")
		return nil
	}
	if err := rw.saveToEmergency(rec); err == nil {
		rw.log.Error("db write and overflow failed, saved to emergency temp file")
		return nil
	}
	return fmt.Errorf("all persistence paths failed for record %d", rec.RecordID)
}

func (rw *ResultWriter) writeBuffered(ctx context.Context, rec SubmissionRecord) error {
	var shouldFlush bool
	var utilization float64

	rw.bufferMu.Lock()
	utilization = float64(len(rw.buffer)+1) / float64(rw.maxBufferSize)
	if utilization < backpressureLevel4 {
		// At level 4 the controller persists rec itself, so it must not
		// also be buffered.
		rw.buffer = append(rw.buffer, rec)
	}
	sinceFlush := time.Since(rw.lastFlush)
	shouldFlush = len(rw.buffer) >= rw.batchSize ||
		sinceFlush >= rw.bufferTimeout ||
		len(rw.buffer) >= int(float64(rw.maxBufferSize)*0.9)
	rw.bufferMu.Unlock()

	handledByBackpressure, err := rw.back.Apply(ctx, rw, utilization, rec)
	if err != nil {
		return err
	}
	if handledByBackpressure {
		return nil
	}

	if shouldFlush {
		return rw.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer to the database, one slot per record bounded by
// the same write semaphore immediate mode uses.
func (rw *ResultWriter) Flush(ctx context.Context) error {
	rw.bufferMu.Lock()
	pending := rw.buffer
	rw.buffer = nil
	rw.lastFlush = time.Now()
	rw.bufferMu.Unlock()

	var firstErr error
	for _, rec := range pending {
		if err := rw.writeImmediate(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PartialFlush flushes fraction of the buffer, capped at maxItems
// (backpressure L1/L3: "30% of buffer or 50 items", whichever is smaller).
func (rw *ResultWriter) PartialFlush(ctx context.Context, fraction float64, maxItems int) error {
	rw.bufferMu.Lock()
	n := int(float64(len(rw.buffer)) * fraction)
	if n > maxItems {
		n = maxItems
	}
	if n > len(rw.buffer) {
		n = len(rw.buffer)
	}
	if n == 0 && len(rw.buffer) > 0 {
		n = 1
	}
	pending := rw.buffer[:n]
	rw.buffer = rw.buffer[n:]
	rw.lastFlush = time.Now()
	rw.bufferMu.Unlock()

	var firstErr error
	for _, rec := range pending {
		if err := rw.writeImmediate(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BufferLen reports the current buffered-result count, used by the
// backpressure controller's force-flush loop to re-check utilization.
func (rw *ResultWriter) BufferLen() int {
	rw.bufferMu.Lock()
	defer rw.bufferMu.Unlock()
	return len(rw.buffer)
}

func (rw *ResultWriter) saveToOverflow(rec SubmissionRecord) error {
	name := fmt.Sprintf("overflow_%d_%d.json", rec.RecordID, time.Now().Unix())
	return writeJSONFile(filepath.Join(rw.overflow, name), rec)
}

func (rw *ResultWriter) saveToEmergency(rec SubmissionRecord) error {
	name := fmt.Sprintf("emergency_%d_%d.json", rec.RecordID, time.Now().Unix())
	return writeJSONFile(filepath.Join(rw.emergency, name), rec)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReplayOverflow re-attempts persistence for every file in the overflow
// directory, deleting ones that succeed. Called on idle periods and at
// batch/shutdown boundaries.
func (rw *ResultWriter) ReplayOverflow(ctx context.Context) error {
	entries, err := os.ReadDir(rw.overflow)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		path := filepath.Join(rw.overflow, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec SubmissionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if err := rw.writer.WriteSubmission(ctx, rec); err == nil {
			_ = os.Remove(path)
		}
	}
	return nil
}
