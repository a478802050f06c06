package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/andreypavlenko/formsender/docs" // generated by swag init
	"github.com/andreypavlenko/formsender/internal/config"
	"github.com/andreypavlenko/formsender/internal/platform/auth"
	"github.com/andreypavlenko/formsender/internal/platform/cache"
	"github.com/andreypavlenko/formsender/internal/platform/cloudjobs"
	"github.com/andreypavlenko/formsender/internal/platform/gcs"
	httpPlatform "github.com/andreypavlenko/formsender/internal/platform/http"
	"github.com/andreypavlenko/formsender/internal/platform/logger"
	"github.com/andreypavlenko/formsender/internal/platform/postgres"
	"github.com/andreypavlenko/formsender/internal/platform/redis"
	"github.com/andreypavlenko/formsender/internal/platform/telemetry"
	"github.com/andreypavlenko/formsender/modules/dispatcher"
	"github.com/andreypavlenko/formsender/modules/repository"
)

// @title Form Sender Dispatcher API
// @version 1.0
// @description Launches and monitors cloud-batch form-submission runs.
// @BasePath /
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	log_, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer log_.Sync()

	if cfg.Sentry.DSN != "" {
		if err := telemetry.Init(cfg.Sentry, "dispatcher"); err != nil {
			log_.Warn("sentry init failed", zap.Error(err))
		}
		defer telemetry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		log_.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pg.Close()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		log_.Fatal("failed to build gcs client", zap.Error(err))
	}
	defer gcsClient.Close()
	urlManager := gcs.NewSignedURLManager(gcsClient, cfg.GCS)

	jobsClient, err := cloudjobs.New(ctx, cfg.Cloud)
	if err != nil {
		log_.Fatal("failed to build cloud jobs client", zap.Error(err))
	}

	repo := repository.NewPostgresJobExecutionRepository(pg.Pool)
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.RefreshSecret, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)

	var dedupCache *cache.Cache
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		log_.Warn("redis unavailable, dispatcher will dedup on the repository path only", zap.Error(err))
	} else {
		defer redisClient.Close()
		dedupCache = cache.New(redisClient)
	}

	handler := dispatcher.NewHandler(repo, urlManager, jobsClient, cfg.Cloud, jwtManager, dedupCache, log_)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpPlatform.RequestIDMiddleware())
	router.Use(httpPlatform.LoggerMiddleware(log_))
	router.Use(httpPlatform.CORSMiddleware())
	handler.RegisterRoutes(&router.RouterGroup)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log_.Info("dispatcher listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log_.Fatal("dispatcher server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log_.Error("dispatcher graceful shutdown failed", zap.Error(err))
	}
}
