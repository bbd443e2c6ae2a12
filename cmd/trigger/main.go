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

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyr/conveyr/config"
	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/execctx"
	"github.com/conveyr/conveyr/internal/health"
	"github.com/conveyr/conveyr/internal/infrastructure/postgres"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	ctxlog "github.com/conveyr/conveyr/internal/log"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

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

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer).
		Add("postgres", pool).
		Add("redis", health.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))

	executionRepo := postgres.NewExecutionRepository(pool)

	q := redisx.NewQueue(rdb, redisx.QueueConfig{
		Stream:      cfg.QueueStream,
		Group:       cfg.QueueGroup,
		DedupWindow: time.Duration(cfg.DedupWindowSec) * time.Second,
	}, logger)

	svc := trigger.NewService(
		postgres.NewJobRepository(pool),
		executionRepo,
		postgres.NewWebhookRepository(pool),
		execctx.NewStore(blobs),
		q,
		redisx.NewRateLimiter(rdb),
		logger,
	)
	handler := trigger.NewHandler(svc, executionRepo, logger)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: trigger.NewRouter(logger, handler, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("trigger server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
