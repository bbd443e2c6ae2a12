package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyr/conveyr/config"
	"github.com/conveyr/conveyr/internal/health"
	"github.com/conveyr/conveyr/internal/infrastructure/postgres"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	ctxlog "github.com/conveyr/conveyr/internal/log"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/scheduler"
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

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer).
		Add("postgres", pool).
		Add("redis", health.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))

	q := redisx.NewQueue(rdb, redisx.QueueConfig{
		Stream:      cfg.QueueStream,
		Group:       cfg.QueueGroup,
		DedupWindow: time.Duration(cfg.DedupWindowSec) * time.Second,
	}, logger)

	sched := scheduler.New(
		scheduler.Config{
			PollInterval:   time.Duration(cfg.PollIntervalSec) * time.Second,
			LockTTL:        time.Duration(cfg.LockTTLSec) * time.Second,
			MaxJobsPerPoll: cfg.MaxJobsPerPoll,
		},
		postgres.NewJobRepository(pool),
		postgres.NewExecutionRepository(pool),
		redisx.NewLocker(rdb),
		q,
		logger,
	)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
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
