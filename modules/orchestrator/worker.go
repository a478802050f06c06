package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/modules/analyzer"
	"github.com/andreypavlenko/formsender/modules/analyzer/domport"
	"github.com/andreypavlenko/formsender/modules/analyzer/rodpage"
	"github.com/andreypavlenko/formsender/modules/errorclass"
	"github.com/andreypavlenko/formsender/modules/orchestrator/prohibition"
)

const (
	pageLoadTimeout   = 30 * time.Second
	analysisTimeout   = 45 * time.Second
	navigationBackoff = 500 * time.Millisecond
)

// RunWorker is the entry point a re-exec'd --worker process runs: it owns
// one browser instance for its whole lifetime, announces readiness, then
// loops pulling TaskEnvelopes from stdin and publishing ResultEnvelopes to
// stdout until it receives a shutdown envelope.
func RunWorker(ctx context.Context, workerID int, log *logger.Logger) error {
	browser, cleanup, err := launchBrowser()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer cleanup()

	out := json.NewEncoder(os.Stdout)
	publish := func(res ResultEnvelope) {
		if err := out.Encode(res); err != nil {
			log.Error("worker failed to publish result: " + err.Error())
		}
	}

	publish(ResultEnvelope{Status: StatusWorkerReady})

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for in.Scan() {
		var task TaskEnvelope
		if err := json.Unmarshal(in.Bytes(), &task); err != nil {
			log.Warn("worker received malformed task envelope: " + err.Error())
			continue
		}
		if task.Type == TaskShutdown {
			publish(ResultEnvelope{Status: StatusWorkerShutdown})
			return nil
		}

		start := time.Now()
		res := processTask(ctx, browser, log, task)
		res.ProcessingTime = time.Since(start).Seconds()
		publish(res)
	}
	if err := in.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading task envelopes: %w", err)
	}
	return nil
}

func launchBrowser() (*rod.Browser, func(), error) {
	l := launcher.New().Headless(true).NoSandbox(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launching chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("connecting to chrome: %w", err)
	}
	return browser, func() {
		_ = browser.Close()
		l.Cleanup()
	}, nil
}

// processTask analyzes and submits one candidate's form, never panicking
// across the worker's stdout boundary: every failure mode becomes a
// classified ResultEnvelope.
func processTask(ctx context.Context, browser *rod.Browser, log *logger.Logger, task TaskEnvelope) ResultEnvelope {
	taskCtx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	page, err := browser.Context(taskCtx).Timeout(pageLoadTimeout).Page(proto.TargetCreateTarget{URL: task.FormURL})
	if err != nil {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeTimeout), ErrorMessage: "open page: " + err.Error()}
	}
	defer page.Close()

	if err := page.Context(taskCtx).WaitLoad(); err != nil {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeTimeout), ErrorMessage: "wait load: " + err.Error()}
	}

	html, err := page.Context(taskCtx).HTML()
	if err == nil {
		if prohibited := prohibition.Detect(html); prohibited.Detected {
			return ResultEnvelope{
				RecordID:              task.RecordID,
				Status:                StatusProhibited,
				ErrorType:             string(errorclass.TypeInstruction),
				ErrorMessage:          "prohibition_detected",
				BotProtectionDetected: false,
			}
		}
	}

	adapter := rodpage.New(page)
	result := analyzer.New(adapter, log, analyzer.DefaultConfig()).Analyze(taskCtx, analyzer.ClientData{
		Client:    task.Client,
		Targeting: task.Targeting,
	})
	if !result.Success {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeMapping), ErrorMessage: result.Error, PageContent: html}
	}
	if result.FormType != "" && result.FormType != "contact" {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeFormValidationError), ErrorMessage: "non-contact form: " + result.FormType, PageContent: html}
	}
	if !result.ValidationResult.OK {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeFormValidationError), ErrorMessage: "missing required fields", PageContent: html}
	}

	if task.TestMode {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusSuccess, AdditionalData: map[string]any{"test_mode": true, "mapped_fields": result.Summary.MappedFields}}
	}

	if err := applyAssignments(taskCtx, adapter, result); err != nil {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeElementNotFound), ErrorMessage: err.Error(), PageContent: html}
	}

	if len(result.SubmitButtons) == 0 {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeSubmitButtonNotFound), ErrorMessage: "no submit button detected", PageContent: html}
	}
	submitSelector := result.SubmitButtons[0].Selector
	submitEl, err := adapter.Locate(taskCtx, submitSelector)
	if err != nil {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeSubmitButtonSelectorMissing), ErrorMessage: err.Error(), PageContent: html, SubmitSelector: submitSelector}
	}
	if err := adapter.Click(taskCtx, submitEl); err != nil {
		return ResultEnvelope{RecordID: task.RecordID, Status: StatusFailed, ErrorType: string(errorclass.TypeSubmitButtonError), ErrorMessage: err.Error(), PageContent: html, SubmitSelector: submitSelector}
	}
	if err := page.Context(taskCtx).WaitLoad(); err != nil {
		log.Warn("worker wait-load after submit failed: " + err.Error())
	}

	return ResultEnvelope{RecordID: task.RecordID, Status: StatusSuccess, AdditionalData: map[string]any{"mapped_fields": result.Summary.MappedFields}}
}

func applyAssignments(ctx context.Context, page domport.Page, result analyzer.AnalysisResult) error {
	for _, assignment := range result.InputAssignments {
		el, err := page.Locate(ctx, assignment.Selector)
		if err != nil {
			return fmt.Errorf("locate %s: %w", assignment.FieldName, err)
		}
		if err := page.Fill(ctx, el, assignment.Value); err != nil {
			return fmt.Errorf("fill %s: %w", assignment.FieldName, err)
		}
	}
	for _, auto := range result.AutoHandledElements {
		el, err := page.Locate(ctx, auto.Selector)
		if err != nil {
			return fmt.Errorf("locate auto-handled %s: %w", auto.Selector, err)
		}
		switch auto.Action {
		case "check":
			if err := page.Check(ctx, el, true); err != nil {
				return fmt.Errorf("check %s: %w", auto.Selector, err)
			}
		case "select":
			if err := page.SelectOption(ctx, el, auto.Value); err != nil {
				return fmt.Errorf("select %s: %w", auto.Selector, err)
			}
		case "copy_from":
			if err := page.Fill(ctx, el, auto.Value); err != nil {
				return fmt.Errorf("copy_from fill %s: %w", auto.Selector, err)
			}
		}
	}
	return nil
}
