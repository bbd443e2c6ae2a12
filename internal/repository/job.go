package repository

import (
	"context"
	"time"

	"github.com/conveyr/conveyr/internal/domain"
)

type ListJobsInput struct {
	CursorTime *time.Time // cursor on (created_at DESC, id DESC); nil = first page
	CursorID   string
	Limit      int
}

// Usecases and the scheduler depend on this interface, not the concrete
// postgres implementation, so tests can pass in-memory fakes.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByName(ctx context.Context, name string) (*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	// Delete cascades to executions and stats. Removing the definition blob
	// is the caller's (best-effort) concern.
	Delete(ctx context.Context, id string) error

	// ListSchedulable returns enabled jobs whose trigger set includes
	// "scheduled", capped at limit. The scheduler calls this every tick.
	ListSchedulable(ctx context.Context, limit int) ([]*domain.Job, error)
}
