package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/internal/platform/netsafety"
	"github.com/andreypavlenko/formsender/modules/errorclass"
	"github.com/andreypavlenko/formsender/modules/orchestrator/prohibition"
)

const (
	maxCandidatesPerBatch = 10
	healthCheckInterval   = 10 * time.Second
	progressLogInterval   = 30 * time.Second
	overflowPollInterval  = 30 * time.Second
	prohibitionFetchTimeout = 10 * time.Second

	maxFieldLength = 2048
)

var activeContentSubstrings = []string{"<script", "javascript:", "data:text/html"}

// errProhibitionDetected is the sentinel error-type string recorded for
// candidates filtered by the pre-dispatch prohibition check.
const errProhibitionDetected errorclass.Type = "PROHIBITION_DETECTED"

// CompanyFlagger updates the per-company prohibition_detected flag the
// dispatch loop learns about mid-batch.
type CompanyFlagger interface {
	SetProhibitionDetected(ctx context.Context, recordID int64) error
}

// Dispatcher owns one batch cycle over one targeting campaign: fetch
// candidates, validate, prohibition pre-filter, dispatch to the worker
// pool, persist results, and keep workers alive.
type Dispatcher struct {
	pool      *WorkerPool
	selector  *CandidateSelector
	writer    *ResultWriter
	flagger   CompanyFlagger
	log       *logger.Logger
	httpClient *http.Client

	outstandingMu sync.Mutex
	outstanding   map[int64]time.Time

	lastResultAt time.Time
}

func NewDispatcher(pool *WorkerPool, selector *CandidateSelector, writer *ResultWriter, flagger CompanyFlagger, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		selector: selector,
		writer:   writer,
		flagger:  flagger,
		log:      log,
		httpClient: &http.Client{Timeout: prohibitionFetchTimeout},
		outstanding: map[int64]time.Time{},
	}
}

// ProcessBatch runs one full cycle: stream candidates from selector in
// chunks of 10, validate + prohibition-filter + dispatch each, then drain
// results while running the periodic health/progress/overflow ticks until
// every dispatched task has a result.
func (d *Dispatcher) ProcessBatch(ctx context.Context, t Targeting) error {
	eligible, reason, err := d.selector.Eligible(ctx, t)
	if err != nil {
		return fmt.Errorf("eligibility check: %w", err)
	}
	if !eligible {
		d.log.Info("batch skipped: " + reason)
		return nil
	}

	stream, err := d.selector.Fetch(ctx, t)
	if err != nil {
		return fmt.Errorf("fetch candidates: %w", err)
	}

	ticker := d.startTickers(ctx)
	defer ticker.stop()

	var dispatched int
	nextWorker := 0

	for chunk := range stream {
		for _, c := range chunk {
			if dispatched > 0 && dispatched%maxCandidatesPerBatch == 0 {
				if err := d.drainSome(ctx); err != nil {
					return err
				}
			}
			if err := d.processCandidate(ctx, c, nextWorker); err != nil {
				d.log.Warn("candidate dispatch failed: " + err.Error())
				continue
			}
			nextWorker = (nextWorker + 1) % d.pool.size
			dispatched++
		}
	}

	return d.drainAll(ctx)
}

func (d *Dispatcher) processCandidate(ctx context.Context, c Candidate, workerID int) error {
	if err := validateCandidate(c); err != nil {
		return d.recordLocalFailure(ctx, c, errorclass.TypeFormValidationError, err.Error())
	}

	result := prohibition.Result{}
	if err := netsafety.ValidateOutboundURL(c.FormURL); err == nil {
		html, fetchErr := d.fetchHTML(ctx, c.FormURL)
		if fetchErr == nil {
			result = prohibition.Detect(html)
		}
	}
	if result.Detected {
		return d.recordLocalFailure(ctx, c, errProhibitionDetected, "prohibition_detected")
	}

	d.outstandingMu.Lock()
	d.outstanding[c.RecordID] = time.Now()
	d.outstandingMu.Unlock()

	return d.pool.Dispatch(workerID, TaskEnvelope{
		Type:     TaskSubmit,
		RecordID: c.RecordID,
		FormURL:  c.FormURL,
		Client:   c.Client,
	})
}

func validateCandidate(c Candidate) error {
	if c.RecordID <= 0 {
		return fmt.Errorf("record_id must be positive")
	}
	parsed, err := url.Parse(c.FormURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("form_url must be http(s)")
	}
	for _, v := range c.Client {
		if len(v) > maxFieldLength {
			return fmt.Errorf("field exceeds max length")
		}
		lower := strings.ToLower(v)
		for _, bad := range activeContentSubstrings {
			if strings.Contains(lower, bad) {
				return fmt.Errorf("field contains disallowed active content")
			}
		}
	}
	return nil
}

func (d *Dispatcher) fetchHTML(ctx context.Context, formURL string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, prohibitionFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, formURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; form-sender-prefilter/1.0)")
	req.Header.Set("Accept-Language", "ja")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (d *Dispatcher) recordLocalFailure(ctx context.Context, c Candidate, errType errorclass.Type, msg string) error {
	if errType == errProhibitionDetected && d.flagger != nil {
		_ = d.flagger.SetProhibitionDetected(ctx, c.RecordID)
	}
	return d.writer.Write(ctx, ResultEnvelope{
		RecordID:     c.RecordID,
		Status:       StatusProhibited,
		ErrorType:    string(errType),
		ErrorMessage: msg,
	})
}

type tickerSet struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *tickerSet) stop() {
	t.cancel()
	<-t.done
}

// startTickers launches the health-check/progress-log/overflow-poll
// background loop for the lifetime of one batch.
func (d *Dispatcher) startTickers(ctx context.Context) *tickerSet {
	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		health := time.NewTicker(healthCheckInterval)
		progress := time.NewTicker(progressLogInterval)
		overflow := time.NewTicker(overflowPollInterval)
		defer health.Stop()
		defer progress.Stop()
		defer overflow.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-health.C:
				d.checkWorkerHealth(tickCtx)
			case <-progress.C:
				d.logProgress()
			case <-overflow.C:
				_ = d.writer.ReplayOverflow(tickCtx)
			}
		}
	}()
	return &tickerSet{cancel: cancel, done: done}
}

const unresponsiveResultWindow = 2 * time.Minute

func (d *Dispatcher) checkWorkerHealth(ctx context.Context) {
	var dead []int
	for id := 0; id < d.pool.size; id++ {
		if !d.pool.IsAlive(id) {
			dead = append(dead, id)
		}
	}

	d.outstandingMu.Lock()
	tasksOutstanding := len(d.outstanding)
	sinceLastResult := time.Since(d.lastResultAt)
	d.outstandingMu.Unlock()
	if tasksOutstanding > 0 && !d.lastResultAt.IsZero() && sinceLastResult > unresponsiveResultWindow {
		d.log.Warn(fmt.Sprintf("no worker results for %s with %d tasks outstanding", sinceLastResult.Round(time.Second), tasksOutstanding))
	}

	if len(dead) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, id := range dead {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := d.pool.Restart(ctx, id); err != nil {
				d.log.WithWorkerID(id).Error("worker restart failed: " + err.Error())
			}
		}(id)
	}
	wg.Wait()
}

func (d *Dispatcher) logProgress() {
	d.outstandingMu.Lock()
	n := len(d.outstanding)
	d.outstandingMu.Unlock()
	d.log.Info(fmt.Sprintf("dispatch progress: %d tasks outstanding", n))
}

// drainSome consumes whatever results are immediately available without
// blocking the dispatch loop indefinitely.
func (d *Dispatcher) drainSome(ctx context.Context) error {
	for {
		select {
		case res := <-d.pool.Results():
			d.handleResult(ctx, res)
		default:
			return nil
		}
	}
}

// drainAll blocks until every dispatched candidate has a matching result.
func (d *Dispatcher) drainAll(ctx context.Context) error {
	for {
		d.outstandingMu.Lock()
		remaining := len(d.outstanding)
		d.outstandingMu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-d.pool.Results():
			d.handleResult(ctx, res)
		}
	}
}

func (d *Dispatcher) handleResult(ctx context.Context, res ResultEnvelope) {
	d.outstandingMu.Lock()
	delete(d.outstanding, res.RecordID)
	d.lastResultAt = time.Now()
	d.outstandingMu.Unlock()

	if err := d.writer.Write(ctx, res); err != nil {
		d.log.Error("result persistence failed: " + err.Error())
	}
}
