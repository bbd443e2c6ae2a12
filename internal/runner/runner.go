// Package runner holds the per-type step runners. Dispatch is a table from
// the step's type tag to its Runner; new step types register a runner
// without touching the worker.
package runner

import (
	"context"

	"github.com/conveyr/conveyr/internal/domain"
)

// Runner executes one resolved step and returns its opaque output value.
// Implementations must honor ctx cancellation promptly: the deadline is the
// job-level timeout and cancellation is the worker's shutdown signal.
type Runner interface {
	Execute(ctx context.Context, step *domain.Step, jc *domain.JobContext) (any, error)
}

type Registry struct {
	runners map[domain.StepType]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[domain.StepType]Runner)}
}

func (r *Registry) Register(t domain.StepType, run Runner) {
	r.runners[t] = run
}

// Get returns the runner for a step type. An unregistered type is a
// non-retryable failure: retrying cannot make a runner appear.
func (r *Registry) Get(t domain.StepType) (Runner, error) {
	run, ok := r.runners[t]
	if !ok {
		return nil, domain.Errorf(domain.KindStep, false, "no runner registered for step type %q", t)
	}
	return run, nil
}
