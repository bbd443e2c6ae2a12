package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type StatsRepository struct {
	pool *pgxpool.Pool
}

func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

func (r *StatsRepository) Get(ctx context.Context, jobID string) (*domain.JobStats, error) {
	var s domain.JobStats
	err := r.pool.QueryRow(ctx, `
		SELECT job_id, total, successful, failed, last_execution_at,
		       last_success_at, last_failure_at, consecutive_failures
		FROM job_stats
		WHERE job_id = $1`, jobID).Scan(
		&s.JobID, &s.Total, &s.Successful, &s.Failed, &s.LastExecutionAt,
		&s.LastSuccessAt, &s.LastFailureAt, &s.ConsecutiveFailures,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No executions yet: zero-valued aggregate, not an error.
			return &domain.JobStats{JobID: jobID}, nil
		}
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

func (r *StatsRepository) RecordResult(ctx context.Context, jobID string, success bool, at time.Time) error {
	var err error
	if success {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO job_stats (job_id, total, successful, last_execution_at, last_success_at, consecutive_failures)
			VALUES ($1, 1, 1, $2, $2, 0)
			ON CONFLICT (job_id) DO UPDATE
			SET total                = job_stats.total + 1,
			    successful           = job_stats.successful + 1,
			    last_execution_at    = EXCLUDED.last_execution_at,
			    last_success_at      = EXCLUDED.last_success_at,
			    consecutive_failures = 0`, jobID, at)
	} else {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO job_stats (job_id, total, failed, last_execution_at, last_failure_at, consecutive_failures)
			VALUES ($1, 1, 1, $2, $2, 1)
			ON CONFLICT (job_id) DO UPDATE
			SET total                = job_stats.total + 1,
			    failed               = job_stats.failed + 1,
			    last_execution_at    = EXCLUDED.last_execution_at,
			    last_failure_at      = EXCLUDED.last_failure_at,
			    consecutive_failures = job_stats.consecutive_failures + 1`, jobID, at)
	}
	if err != nil {
		return fmt.Errorf("record job result: %w", err)
	}
	return nil
}
