package repository

import (
	"context"

	"github.com/conveyr/conveyr/internal/domain"
)

type VariableRepository interface {
	// Upsert inserts or replaces the variable identified by (name, scope).
	Upsert(ctx context.Context, v *domain.Variable) (*domain.Variable, error)
	Get(ctx context.Context, name string, scope domain.VariableScope, jobID *string) (*domain.Variable, error)
	Delete(ctx context.Context, name string, scope domain.VariableScope, jobID *string) error

	// ResolveForJob returns globals plus job-scoped variables for jobID,
	// with job scope winning on name collision.
	ResolveForJob(ctx context.Context, jobID string) ([]*domain.Variable, error)
}
