package repository

import (
	"context"
	"time"

	"github.com/conveyr/conveyr/internal/domain"
)

type ListExecutionsInput struct {
	JobID      string
	Status     domain.ExecutionStatus // empty = all statuses
	CursorTime *time.Time
	CursorID   string
	Limit      int
}

type ExecutionRepository interface {
	// Create inserts a Pending execution. A UNIQUE violation on the
	// idempotency key maps to domain.ErrDuplicateExecution.
	Create(ctx context.Context, exec *domain.JobExecution) (*domain.JobExecution, error)
	GetByID(ctx context.Context, id string) (*domain.JobExecution, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.JobExecution, error)
	List(ctx context.Context, input ListExecutionsInput) ([]*domain.JobExecution, error)

	// MarkRunning transitions Pending/Running -> Running and stamps
	// started_at on the first transition only.
	MarkRunning(ctx context.Context, id string) error
	SetCurrentStep(ctx context.Context, id string, stepID *string) error
	// IncrementAttempt bumps the attempt counter and returns the new value.
	IncrementAttempt(ctx context.Context, id string) (int, error)
	// Finish records a terminal status. errMsg is nil on success.
	Finish(ctx context.Context, id string, status domain.ExecutionStatus, errMsg *string) error

	// HasNonTerminal reports whether the job has a Pending or Running
	// execution. The trigger side uses this to enforce allow_concurrent.
	HasNonTerminal(ctx context.Context, jobID string) (bool, error)
}
