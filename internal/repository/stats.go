package repository

import (
	"context"
	"time"

	"github.com/conveyr/conveyr/internal/domain"
)

type StatsRepository interface {
	Get(ctx context.Context, jobID string) (*domain.JobStats, error)

	// RecordResult upserts the aggregate row after a terminal transition.
	// success=false covers Failed, Timeout and DeadLetter alike; the
	// consecutive-failure counter resets on success.
	RecordResult(ctx context.Context, jobID string, success bool, at time.Time) error
}
