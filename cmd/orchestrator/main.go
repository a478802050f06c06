package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/andreypavlenko/formsender/internal/config"
	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/internal/platform/postgres"
	"github.com/andreypavlenko/formsender/internal/platform/telemetry"
	"github.com/andreypavlenko/formsender/modules/orchestrator"
)

func main() {
	_ = godotenv.Load()

	isWorker := flag.Bool("worker", false, "run as a re-exec'd worker process instead of the orchestrator")
	workerID := flag.Int("worker-id", 0, "worker index, set by the orchestrator on spawn")
	flag.Parse()

	log_, err := logger.New(getLogLevel(), getLogFormat())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer log_.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *isWorker {
		workerLog := log_.WithWorkerID(*workerID)
		if err := orchestrator.RunWorker(ctx, *workerID, workerLog); err != nil {
			workerLog.Fatal("worker exited with error", zap.Error(err))
		}
		return
	}

	runOrchestrator(ctx, log_)
}

func runOrchestrator(ctx context.Context, log_ *logger.Logger) {
	env := config.LoadWorkerEnv()

	cfg, err := config.Load()
	if err != nil {
		log_.Fatal("failed to load configuration", zap.Error(err))
	}

	if cfg.Sentry.DSN != "" {
		if err := telemetry.Init(cfg.Sentry, "orchestrator"); err != nil {
			log_.Warn("sentry init failed", zap.Error(err))
		}
		defer telemetry.Flush(2 * time.Second)
	}

	pg, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		log_.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pg.Close()

	companyTable := getEnv("COMPANY_TABLE", "companies")
	sendQueueTable := getEnv("SEND_QUEUE_TABLE", "send_queue")

	candidateSource := orchestrator.NewPostgresCandidateSource(pg.Pool, companyTable, sendQueueTable)
	selector := orchestrator.NewCandidateSelector(candidateSource, "")

	submissionWriter := orchestrator.NewPostgresSubmissionWriter(pg.Pool, sendQueueTable)
	mode := orchestrator.PersistBuffered
	if getEnv("PERSIST_MODE", "buffered") == "immediate" {
		mode = orchestrator.PersistImmediate
	}
	resultWriter := orchestrator.NewResultWriter(mode, submissionWriter, log_, env.OverflowDir, env.EmergencyDir)

	flagger := orchestrator.NewPostgresCompanyFlagger(pg.Pool, companyTable)

	pool, err := orchestrator.NewWorkerPool(env.MaxConcurrentBrowsers, log_)
	if err != nil {
		log_.Fatal("failed to construct worker pool", zap.Error(err))
	}
	if err := pool.Start(ctx); err != nil {
		log_.Fatal("worker pool failed to start", zap.Error(err))
	}

	dispatcher := orchestrator.NewDispatcher(pool, selector, resultWriter, flagger, log_)

	targetingID, err := strconv.ParseInt(getEnv("FORM_SENDER_TARGETING_ID", "0"), 10, 64)
	if err != nil {
		log_.Fatal("invalid FORM_SENDER_TARGETING_ID", zap.Error(err))
	}
	targetingSource := orchestrator.NewPostgresTargetingSource(pg.Pool, getEnv("TARGETING_TABLE", "targetings"))
	targeting, err := targetingSource.Load(ctx, targetingID)
	if err != nil {
		log_.Fatal("failed to resolve targeting campaign", zap.Error(err))
	}

	if err := dispatcher.ProcessBatch(ctx, targeting); err != nil {
		log_.Error("batch processing failed", zap.Error(err))
	}

	if err := pool.Shutdown(30 * time.Second); err != nil {
		log_.Warn("worker pool shutdown did not complete cleanly", zap.Error(err))
	}
}

func getLogLevel() string  { return getEnv("LOG_LEVEL", "info") }
func getLogFormat() string { return getEnv("LOG_FORMAT", "json") }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
