package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0" validate:"required"`

	// Blob storage: "fs" for local development, "s3" for real deployments.
	BlobDriver  string `env:"BLOB_DRIVER" envDefault:"fs" validate:"oneof=fs s3"`
	BlobFSRoot  string `env:"BLOB_FS_ROOT" envDefault:"./data/blobs"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"S3_BUCKET" validate:"required_if=BlobDriver s3"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// Scheduler
	PollIntervalSec int `env:"POLL_INTERVAL_SEC" envDefault:"10" validate:"min=1,max=300"`
	LockTTLSec      int `env:"LOCK_TTL_SEC" envDefault:"30" validate:"min=5,max=600"`
	MaxJobsPerPoll  int `env:"MAX_JOBS_PER_POLL" envDefault:"500" validate:"min=1"`

	// Queue
	QueueStream      string `env:"QUEUE_STREAM" envDefault:"conveyr:executions"`
	QueueGroup       string `env:"QUEUE_GROUP" envDefault:"workers"`
	WorkerCount      int    `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=100"`
	MaxDeliver       int    `env:"MAX_DELIVER" envDefault:"10" validate:"min=1,max=100"`
	DedupWindowSec   int    `env:"DEDUP_WINDOW_SEC" envDefault:"86400" validate:"min=60"`
	ClaimMinIdleSec  int    `env:"CLAIM_MIN_IDLE_SEC" envDefault:"60" validate:"min=5"`

	// Step retry policy
	RetryBaseSec int     `env:"RETRY_BASE_SEC" envDefault:"5" validate:"min=1"`
	RetryCapSec  int     `env:"RETRY_CAP_SEC" envDefault:"1800" validate:"min=1"`
	RetryJitter  float64 `env:"RETRY_JITTER" envDefault:"0.5" validate:"min=0,max=1"`
	MaxStepRetry int     `env:"MAX_STEP_RETRIES" envDefault:"10" validate:"min=0,max=50"`

	// Circuit breaker
	BreakerFailures  int `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5" validate:"min=1"`
	BreakerOpenSec   int `env:"BREAKER_OPEN_TIMEOUT_SEC" envDefault:"60" validate:"min=1"`
	BreakerSuccesses int `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2" validate:"min=1"`

	JWTSecret        string `env:"JWT_SECRET,required" validate:"required,min=32"`
	EncryptionSecret string `env:"ENCRYPTION_SECRET,required" validate:"required,min=32"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`
	AlertEmail   string `env:"ALERT_EMAIL"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
