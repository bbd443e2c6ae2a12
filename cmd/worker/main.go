package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyr/conveyr/config"
	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/breaker"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/email"
	"github.com/conveyr/conveyr/internal/execctx"
	"github.com/conveyr/conveyr/internal/health"
	"github.com/conveyr/conveyr/internal/infrastructure/postgres"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	ctxlog "github.com/conveyr/conveyr/internal/log"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/runner"
	"github.com/conveyr/conveyr/internal/secrets"
	"github.com/conveyr/conveyr/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	rdb, err := redisx.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		stop()
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		stop()
		log.Fatalf("blob store: %v", err)
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionSecret)
	if err != nil {
		stop()
		log.Fatalf("cipher: %v", err)
	}

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer).
		Add("postgres", pool).
		Add("redis", health.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))

	q := redisx.NewQueue(rdb, redisx.QueueConfig{
		Stream:       cfg.QueueStream,
		Group:        cfg.QueueGroup,
		Consumer:     "worker-" + uuid.NewString()[:8],
		Concurrency:  cfg.WorkerCount,
		MaxDeliver:   cfg.MaxDeliver,
		DedupWindow:  time.Duration(cfg.DedupWindowSec) * time.Second,
		ClaimMinIdle: time.Duration(cfg.ClaimMinIdleSec) * time.Second,
	}, logger)

	runners := runner.NewRegistry()
	runners.Register(domain.StepHTTP, runner.NewHTTPRunner())
	runners.Register(domain.StepDatabase, runner.NewDatabaseRunner())
	runners.Register(domain.StepFile, runner.NewFileRunner(blobs))

	w := worker.New(worker.Deps{
		Jobs:       postgres.NewJobRepository(pool),
		Executions: postgres.NewExecutionRepository(pool),
		Variables:  postgres.NewVariableRepository(pool),
		Stats:      postgres.NewStatsRepository(pool),
		Contexts:   execctx.NewStore(blobs),
		Blobs:      blobs,
		Runners:    runners,
		Breakers: breaker.NewRegistry(breaker.Settings{
			FailureThreshold: uint32(cfg.BreakerFailures),
			OpenTimeout:      time.Duration(cfg.BreakerOpenSec) * time.Second,
			SuccessThreshold: uint32(cfg.BreakerSuccesses),
		}),
		Events: redisx.NewEventBus(rdb, logger),
		Cipher: cipher,
		Retry: worker.RetryPolicy{
			Base:       time.Duration(cfg.RetryBaseSec) * time.Second,
			Cap:        time.Duration(cfg.RetryCapSec) * time.Second,
			Jitter:     cfg.RetryJitter,
			MaxRetries: cfg.MaxStepRetry,
		},
		Consumer:   q,
		Logger:     logger,
		Alerts:     email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger),
		AlertsAddr: cfg.AlertEmail,
	})

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobDriver {
	case "s3":
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "fs":
		store, err := blob.NewFSStore(cfg.BlobFSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
