package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Worker    WorkerConfig
	Replicate ReplicateConfig
	Recovery  RecoveryConfig
	Artifacts ArtifactConfig
	R2        R2Config
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	PublicURL string // base URL providers call back on
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	JobsPerHour    int
	UploadsPerHour int
}

type QuotaConfig struct {
	DailyBytes   int64
	DailyJobs    int64
	DailySeconds int64
}

// WorkerConfig configures the self-hosted GPU worker provider.
type WorkerConfig struct {
	BaseURL       string
	Token         string
	WebhookSecret string
	Model         string
	MaxAttempts   int
	TimeoutSec    int // per submit attempt
	BackoffBaseMs int
	BackoffMaxMs  int
}

// ReplicateConfig configures the hosted inference provider.
type ReplicateConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
	Model         string
	TimeoutSec    int
}

type RecoveryConfig struct {
	Provider        string // active provider name
	QueuedStaleSec  int
	RunningStaleSec int
	SplitStemsSec   int // worker split_stems completes fast; shorter window
	MaxAttempts     int
	SweepCron       string
}

type ArtifactConfig struct {
	FetchConcurrency int
	FetchTimeoutSec  int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("WORKER_TOKEN")
	readSecret("WORKER_WEBHOOK_SECRET")
	readSecret("REPLICATE_API_KEY")
	readSecret("REPLICATE_WEBHOOK_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.public_url", "PUBLIC_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = viper.BindEnv("ratelimit.uploads_per_hour", "RATELIMIT_UPLOADS_PER_HOUR")
	_ = viper.BindEnv("quota.daily_bytes", "QUOTA_DAILY_BYTES")
	_ = viper.BindEnv("quota.daily_jobs", "QUOTA_DAILY_JOBS")
	_ = viper.BindEnv("quota.daily_seconds", "QUOTA_DAILY_SECONDS")
	_ = viper.BindEnv("worker.base_url", "WORKER_BASE_URL")
	_ = viper.BindEnv("worker.token", "WORKER_TOKEN")
	_ = viper.BindEnv("worker.webhook_secret", "WORKER_WEBHOOK_SECRET")
	_ = viper.BindEnv("worker.model", "WORKER_MODEL")
	_ = viper.BindEnv("worker.max_attempts", "WORKER_MAX_ATTEMPTS")
	_ = viper.BindEnv("worker.timeout_sec", "WORKER_TIMEOUT_SEC")
	_ = viper.BindEnv("worker.backoff_base_ms", "WORKER_BACKOFF_BASE_MS")
	_ = viper.BindEnv("worker.backoff_max_ms", "WORKER_BACKOFF_MAX_MS")
	_ = viper.BindEnv("replicate.api_key", "REPLICATE_API_KEY")
	_ = viper.BindEnv("replicate.base_url", "REPLICATE_BASE_URL")
	_ = viper.BindEnv("replicate.webhook_secret", "REPLICATE_WEBHOOK_SECRET")
	_ = viper.BindEnv("replicate.model", "REPLICATE_MODEL")
	_ = viper.BindEnv("replicate.timeout_sec", "REPLICATE_TIMEOUT_SEC")
	_ = viper.BindEnv("recovery.provider", "PROVIDER")
	_ = viper.BindEnv("recovery.queued_stale_sec", "RECOVERY_QUEUED_STALE_SEC")
	_ = viper.BindEnv("recovery.running_stale_sec", "RECOVERY_RUNNING_STALE_SEC")
	_ = viper.BindEnv("recovery.split_stems_sec", "RECOVERY_SPLIT_STEMS_SEC")
	_ = viper.BindEnv("recovery.max_attempts", "RECOVERY_MAX_ATTEMPTS")
	_ = viper.BindEnv("recovery.sweep_cron", "RECOVERY_SWEEP_CRON")
	_ = viper.BindEnv("artifacts.fetch_concurrency", "ARTIFACT_FETCH_CONCURRENCY")
	_ = viper.BindEnv("artifacts.fetch_timeout_sec", "ARTIFACT_FETCH_TIMEOUT_SEC")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.public_url", "http://localhost:8000")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.jobs_per_hour", 20)
	viper.SetDefault("ratelimit.uploads_per_hour", 50)

	// Daily quota ceilings
	viper.SetDefault("quota.daily_bytes", int64(500*1024*1024))
	viper.SetDefault("quota.daily_jobs", int64(25))
	viper.SetDefault("quota.daily_seconds", int64(3600))

	// Self-hosted worker defaults
	viper.SetDefault("worker.base_url", "http://localhost:8084")
	viper.SetDefault("worker.model", "demucs-v4")
	viper.SetDefault("worker.max_attempts", 5)
	viper.SetDefault("worker.timeout_sec", 25)
	viper.SetDefault("worker.backoff_base_ms", 500)
	viper.SetDefault("worker.backoff_max_ms", 8000)

	// Replicate defaults
	viper.SetDefault("replicate.base_url", "https://api.replicate.com")
	viper.SetDefault("replicate.model", "cjwbw/demucs")
	viper.SetDefault("replicate.timeout_sec", 30)

	// Recovery defaults
	viper.SetDefault("recovery.provider", "worker")
	viper.SetDefault("recovery.queued_stale_sec", 300)
	viper.SetDefault("recovery.running_stale_sec", 900)
	viper.SetDefault("recovery.split_stems_sec", 240)
	viper.SetDefault("recovery.max_attempts", 2)
	viper.SetDefault("recovery.sweep_cron", "*/5 * * * *")

	// Artifact materializer defaults
	viper.SetDefault("artifacts.fetch_concurrency", 4)
	viper.SetDefault("artifacts.fetch_timeout_sec", 60)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			PublicURL: viper.GetString("server.public_url"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:    viper.GetInt("ratelimit.jobs_per_hour"),
			UploadsPerHour: viper.GetInt("ratelimit.uploads_per_hour"),
		},
		Quota: QuotaConfig{
			DailyBytes:   viper.GetInt64("quota.daily_bytes"),
			DailyJobs:    viper.GetInt64("quota.daily_jobs"),
			DailySeconds: viper.GetInt64("quota.daily_seconds"),
		},
		Worker: WorkerConfig{
			BaseURL:       viper.GetString("worker.base_url"),
			Token:         viper.GetString("worker.token"),
			WebhookSecret: viper.GetString("worker.webhook_secret"),
			Model:         viper.GetString("worker.model"),
			MaxAttempts:   viper.GetInt("worker.max_attempts"),
			TimeoutSec:    viper.GetInt("worker.timeout_sec"),
			BackoffBaseMs: viper.GetInt("worker.backoff_base_ms"),
			BackoffMaxMs:  viper.GetInt("worker.backoff_max_ms"),
		},
		Replicate: ReplicateConfig{
			APIKey:        viper.GetString("replicate.api_key"),
			BaseURL:       viper.GetString("replicate.base_url"),
			WebhookSecret: viper.GetString("replicate.webhook_secret"),
			Model:         viper.GetString("replicate.model"),
			TimeoutSec:    viper.GetInt("replicate.timeout_sec"),
		},
		Recovery: RecoveryConfig{
			Provider:        viper.GetString("recovery.provider"),
			QueuedStaleSec:  viper.GetInt("recovery.queued_stale_sec"),
			RunningStaleSec: viper.GetInt("recovery.running_stale_sec"),
			SplitStemsSec:   viper.GetInt("recovery.split_stems_sec"),
			MaxAttempts:     viper.GetInt("recovery.max_attempts"),
			SweepCron:       viper.GetString("recovery.sweep_cron"),
		},
		Artifacts: ArtifactConfig{
			FetchConcurrency: viper.GetInt("artifacts.fetch_concurrency"),
			FetchTimeoutSec:  viper.GetInt("artifacts.fetch_timeout_sec"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
