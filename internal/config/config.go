package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration shared by the dispatcher and orchestrator binaries.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	GCS      GCSConfig
	Cloud    CloudConfig
	Sentry   SentryConfig
}

// ServerConfig holds HTTP server configuration for the dispatcher.
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds the Supabase/Postgres connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
}

// RedisConfig holds Redis configuration used for quota counters and dedup caching.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds the bearer-token configuration guarding the dispatcher's admin surface.
type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// GCSConfig holds signed-URL issuing configuration for client config objects.
type GCSConfig struct {
	ServiceAccountJSON string
	DefaultTTL         time.Duration
	RefreshThreshold   time.Duration
	SigningHost        string
}

// CloudConfig holds Cloud Run / Cloud Batch job-launch configuration.
type CloudConfig struct {
	ProjectID              string
	Region                 string
	CloudRunJobName        string
	BatchProjectID         string
	BatchWorkerImage       string
	BatchEntrypoint        []string
	DefaultVCPUPerTask     int
	DefaultMemoryMBPerTask int
	MemoryBufferMB         int
	PreferSpot             bool
	AllowOnDemandFallback  bool
}

// SentryConfig holds error-tracking configuration.
type SentryConfig struct {
	DSN         string
	Environment string
}

// WorkerEnv holds the runtime environment variables consumed by orchestrator
// worker processes.
type WorkerEnv struct {
	MaxConcurrentBrowsers int
	TaskQueueSize         int
	ResultQueueSize       int
	HealthCheckInterval   time.Duration
	WorkerStartupDeadline time.Duration
	MaxParallelDBWrites   int
	BusinessHourStart     int
	BusinessHourEnd       int
	DailyQuota            int
	OverflowDir           string
	EmergencyDir          string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "postgres"),
			SSLMode:         getEnv("DB_SSL_MODE", "require"),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MaxRetries:      getEnvAsInt("MAX_SUPABASE_RETRIES", 3),
			RetryDelay:      getEnvAsDuration("SUPABASE_RETRY_DELAY_SECONDS", 2*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 168*time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		GCS: GCSConfig{
			ServiceAccountJSON: getEnv("GCS_SERVICE_ACCOUNT_JSON", ""),
			DefaultTTL:         getEnvAsDuration("SIGNED_URL_TTL", 24*time.Hour),
			RefreshThreshold:   getEnvAsDuration("SIGNED_URL_REFRESH_THRESHOLD", time.Hour),
			SigningHost:        getEnv("GCS_SIGNING_HOST", "storage.googleapis.com"),
		},
		Cloud: CloudConfig{
			ProjectID:              getEnv("GCP_PROJECT_ID", ""),
			Region:                 getEnv("GCP_REGION", "us-central1"),
			CloudRunJobName:        getEnv("CLOUD_RUN_JOB_NAME", "form-sender"),
			BatchProjectID:         getEnv("GCP_BATCH_PROJECT_ID", ""),
			BatchWorkerImage:       getEnv("BATCH_WORKER_IMAGE", ""),
			BatchEntrypoint:        strings.Fields(getEnv("BATCH_WORKER_ENTRYPOINT", "")),
			DefaultVCPUPerTask:     getEnvAsInt("BATCH_VCPU_PER_WORKER", 1),
			DefaultMemoryMBPerTask: getEnvAsInt("BATCH_MEMORY_MB_PER_WORKER", 2048),
			MemoryBufferMB:         getEnvAsInt("BATCH_MEMORY_BUFFER_MB", 512),
			PreferSpot:             getEnvAsBool("BATCH_PREFER_SPOT", true),
			AllowOnDemandFallback:  getEnvAsBool("BATCH_ALLOW_ON_DEMAND_FALLBACK", true),
		},
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", getEnv("SERVER_ENV", "development")),
		},
	}

	if cfg.JWT.AccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.JWT.RefreshSecret == "" {
		return nil, fmt.Errorf("JWT_REFRESH_SECRET is required")
	}

	return cfg, nil
}

// LoadWorkerEnv reads the orchestrator worker-runtime environment variables.
func LoadWorkerEnv() WorkerEnv {
	return WorkerEnv{
		MaxConcurrentBrowsers: getEnvAsInt("MAX_CONCURRENT_BROWSERS", 4),
		TaskQueueSize:         getEnvAsInt("TASK_QUEUE_SIZE", 100),
		ResultQueueSize:       getEnvAsInt("RESULT_QUEUE_SIZE", 100),
		HealthCheckInterval:   getEnvAsDuration("HEALTH_CHECK_INTERVAL", 10*time.Second),
		WorkerStartupDeadline: getEnvAsDuration("WORKER_STARTUP_DEADLINE", 60*time.Second),
		MaxParallelDBWrites:   getEnvAsInt("MAX_PARALLEL_DB_WRITES", 4),
		BusinessHourStart:     getEnvAsInt("BUSINESS_HOUR_START", 9),
		BusinessHourEnd:       getEnvAsInt("BUSINESS_HOUR_END", 18),
		DailyQuota:            getEnvAsInt("DAILY_QUOTA", 0),
		OverflowDir:           getEnv("OVERFLOW_DIR", os.TempDir()+"/form_sender_overflow"),
		EmergencyDir:          getEnv("EMERGENCY_DIR", os.TempDir()+"/form_sender_emergency"),
	}
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
