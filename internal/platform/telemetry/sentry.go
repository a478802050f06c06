// Package telemetry initialises and flushes the global Sentry client for the
// dispatcher and orchestrator binaries; it installs no HTTP middleware.
package telemetry

import (
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/andreypavlenko/formsender/internal/config"
)

// Init configures the global Sentry client. It is a no-op when no DSN is
// configured so local development never needs a Sentry project.
func Init(cfg config.SentryConfig, release string) error {
	if cfg.DSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		AttachStacktrace: true,
		TracesSampleRate: 0.1,
	})
}

// Flush blocks until buffered events are sent or the timeout elapses.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureWorkerError reports a worker-process failure with task/worker
// context tags.
func CaptureWorkerError(err error, workerID int, taskID string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("worker_id", strconv.Itoa(workerID))
		scope.SetTag("task_id", taskID)
		sentry.CaptureException(err)
	})
}
