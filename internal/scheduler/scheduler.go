// Package scheduler fires scheduled jobs. Any number of replicas may run;
// a per-job distributed lease keeps one replica firing a given job at a
// time, and idempotency keys on (job, fire-time) make the occasional lease
// handoff harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/repository"
)

type Config struct {
	PollInterval   time.Duration
	LockTTL        time.Duration
	MaxJobsPerPoll int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Second,
		LockTTL:        30 * time.Second,
		MaxJobsPerPoll: 500,
	}
}

type Scheduler struct {
	cfg        Config
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	locker     *redisx.Locker
	publisher  queue.Publisher
	logger     *slog.Logger
}

func New(cfg Config, jobs repository.JobRepository, executions repository.ExecutionRepository, locker *redisx.Locker, publisher queue.Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		executions: executions,
		locker:     locker,
		publisher:  publisher,
		logger:     logger.With("component", "scheduler"),
	}
}

// Run polls until ctx is cancelled. The first tick happens immediately so a
// fresh replica does not sit idle for a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval, "lock_ttl", s.cfg.LockTTL)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessDueJobs(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("poll pass", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessDueJobs runs one poll pass and returns how many executions fired.
// Safe to call concurrently across replicas; leases and idempotency keys
// make repeated passes over the same window harmless.
func (s *Scheduler) ProcessDueJobs(ctx context.Context) (int, error) {
	metrics.SchedulerTicksTotal.Inc()

	jobs, err := s.jobs.ListSchedulable(ctx, s.cfg.MaxJobsPerPoll)
	if err != nil {
		return 0, fmt.Errorf("list schedulable jobs: %w", err)
	}

	now := time.Now().UTC()
	fired := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		ok, err := s.processJob(ctx, job, now)
		if err != nil {
			// One bad job must not starve the rest of the pass.
			s.logger.Error("process job", "job_id", job.ID, "job", job.Name, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// processJob fires the job if a fire time fell inside the last poll window.
// Missed windows beyond that are not replayed: a scheduler that was down for
// an hour does not flood the queue with stale ticks on restart.
func (s *Scheduler) processJob(ctx context.Context, job *domain.Job, now time.Time) (bool, error) {
	if job.Schedule == nil {
		return false, nil
	}

	fireTime, due, err := s.dueFireTime(job.Schedule, now)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleExpired) {
			return false, nil
		}
		return false, domain.NewError(domain.KindSchedule, false, err)
	}
	if !due {
		return false, nil
	}

	lease, ok, err := s.locker.Acquire(ctx, "schedule:job:"+job.ID, s.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		metrics.SchedulerLeaseDeniedTotal.Inc()
		return false, nil
	}
	defer func() {
		if err := s.locker.Release(ctx, lease); err != nil {
			s.logger.Warn("release lease", "job_id", job.ID, "error", err)
		}
	}()

	if !job.AllowConcurrent {
		busy, err := s.executions.HasNonTerminal(ctx, job.ID)
		if err != nil {
			return false, fmt.Errorf("check concurrency: %w", err)
		}
		if busy {
			s.logger.Info("skipping fire, previous execution still active", "job_id", job.ID, "job", job.Name)
			return false, nil
		}
	}

	return s.fire(ctx, job, fireTime)
}

// dueFireTime reports whether a fire time landed in (now-poll, now]. The
// window start is exclusive so a tick exactly on the previous poll boundary
// is not fired twice by adjacent windows.
func (s *Scheduler) dueFireTime(sched *domain.Schedule, now time.Time) (time.Time, bool, error) {
	windowStart := now.Add(-s.cfg.PollInterval)
	fire, err := sched.NextFireTime(windowStart)
	if err != nil {
		return time.Time{}, false, err
	}
	if fire.After(now) {
		return time.Time{}, false, nil
	}
	return fire, true, nil
}

func (s *Scheduler) fire(ctx context.Context, job *domain.Job, fireTime time.Time) (bool, error) {
	execID := uuid.NewString()
	exec := &domain.JobExecution{
		ID:             execID,
		JobID:          job.ID,
		IdempotencyKey: domain.ScheduledIdempotencyKey(job.ID, fireTime),
		Status:         domain.ExecutionPending,
		Trigger:        domain.TriggerSource{Type: domain.TriggerScheduled},
		ContextPath:    blob.ContextPath(job.ID, execID),
	}

	created, err := s.executions.Create(ctx, exec)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateExecution) {
			// Another replica already fired this tick.
			s.logger.Debug("fire collapsed by idempotency key", "job_id", job.ID, "key", exec.IdempotencyKey)
			return false, nil
		}
		return false, fmt.Errorf("create execution: %w", err)
	}

	err = s.publisher.Publish(ctx, queue.Message{
		ExecutionID:    created.ID,
		JobID:          job.ID,
		IdempotencyKey: created.IdempotencyKey,
	})
	if err != nil {
		// The row exists but nothing will deliver it; fail it now rather
		// than leave a Pending execution nobody owns.
		msg := fmt.Sprintf("publish failed: %v", err)
		if ferr := s.executions.Finish(ctx, created.ID, domain.ExecutionFailed, &msg); ferr != nil {
			s.logger.Error("fail unpublished execution", "execution_id", created.ID, "error", ferr)
		}
		return false, domain.NewError(domain.KindQueue, true, fmt.Errorf("publish execution %s: %w", created.ID, err))
	}

	metrics.SchedulerFiredTotal.Inc()
	s.logger.Info("fired scheduled execution",
		"job_id", job.ID, "job", job.Name, "execution_id", created.ID, "fire_time", fireTime)
	return true, nil
}
