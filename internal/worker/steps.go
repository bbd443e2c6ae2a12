package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyr/conveyr/internal/breaker"
	"github.com/conveyr/conveyr/internal/definition"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/resolver"
)

var errRetryBudget = errors.New("retry budget exhausted")

// runSteps walks the pipeline sequentially. Each completed step is recorded
// in the context and the context is persisted before the next step starts,
// so a redelivered execution resumes after the last durable step.
func (w *Worker) runSteps(ctx context.Context, exec *domain.JobExecution, job *domain.Job, def *definition.Definition, jc *domain.JobContext, logger *slog.Logger) (domain.ExecutionStatus, error) {
	// Every step gets the full job-level timeout; a slow early step does not
	// eat into the deadline of the steps after it.
	stepTimeout := time.Duration(job.TimeoutSeconds) * time.Second

	policy := w.deps.Retry
	if job.MaxRetries > 0 {
		policy.MaxRetries = job.MaxRetries
	}

	var decrypt resolver.DecryptFunc
	if w.deps.Cipher != nil {
		decrypt = w.deps.Cipher.Decrypt
	}
	res := resolver.New(jc, decrypt)

	for i := range def.Steps {
		step := &def.Steps[i]

		if jc.HasStep(step.ID) {
			logger.Info("step already completed, skipping", "step", step.ID)
			continue
		}

		if err := w.deps.Executions.SetCurrentStep(ctx, exec.ID, &step.ID); err != nil {
			logger.Warn("set current step", "step", step.ID, "error", err)
		}

		if step.Condition != "" {
			ok, err := res.EvalCondition(step.Condition)
			if err != nil {
				return domain.ExecutionFailed, fmt.Errorf("step %s condition: %s", step.ID, res.Mask(err.Error()))
			}
			if !ok {
				logger.Info("step condition false, skipping", "step", step.ID)
				now := time.Now().UTC()
				jc.RecordStep(domain.StepOutput{
					StepID:      step.ID,
					Status:      domain.StepSkipped,
					StartedAt:   now,
					CompletedAt: now,
				})
				if err := w.saveContext(ctx, jc); err != nil {
					return domain.ExecutionFailed, err
				}
				continue
			}
		}

		resolved, err := res.ResolveStep(step)
		if err != nil {
			return domain.ExecutionFailed, fmt.Errorf("step %s: %s", step.ID, res.Mask(err.Error()))
		}

		started := time.Now().UTC()
		output, timedOut, err := w.runStep(ctx, exec, resolved, jc, policy, stepTimeout, logger)
		if err != nil {
			if ctx.Err() != nil && !timedOut {
				// Worker shutdown mid-step. Nothing is recorded in the
				// context, so the redelivered message re-runs this step.
				return domain.ExecutionRunning, ctx.Err()
			}

			masked := res.Mask(err.Error())
			recordFailure(jc, step.ID, started, masked)
			if serr := w.saveContext(ctx, jc); serr != nil {
				logger.Error("persist failed step", "step", step.ID, "error", serr)
			}

			switch {
			case timedOut:
				return domain.ExecutionTimeout, domain.NewError(domain.KindTimeout, false,
					fmt.Errorf("step %s exceeded its timeout of %s", step.ID, stepTimeout))
			case errors.Is(err, errRetryBudget):
				return domain.ExecutionDeadLetter,
					fmt.Errorf("step %s failed after %d attempts: %s. Moved to DLQ", step.ID, policy.MaxRetries+1, masked)
			default:
				return domain.ExecutionFailed, fmt.Errorf("step %s: %s", step.ID, masked)
			}
		}

		jc.RecordStep(domain.StepOutput{
			StepID:      step.ID,
			Status:      domain.StepSuccess,
			Output:      output,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
		})
		if err := w.saveContext(ctx, jc); err != nil {
			return domain.ExecutionFailed, err
		}
		logger.Info("step completed", "step", step.ID, "duration", time.Since(started))
	}

	if err := w.deps.Executions.SetCurrentStep(ctx, exec.ID, nil); err != nil {
		logger.Warn("clear current step", "error", err)
	}
	return domain.ExecutionSuccess, nil
}

// runStep runs one step under its own deadline and reports whether that
// deadline, rather than worker shutdown, ended the attempt. The deadline
// state is read before cancel collapses it into a plain cancellation.
func (w *Worker) runStep(ctx context.Context, exec *domain.JobExecution, step *domain.Step, jc *domain.JobContext, policy RetryPolicy, timeout time.Duration, logger *slog.Logger) (any, bool, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := w.runWithRetry(stepCtx, exec, step, jc, policy, logger)
	timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	return output, timedOut, err
}

// runWithRetry executes one step attempt-by-attempt under the per-target
// circuit breaker. The attempt counter lives in the execution row so retry
// accounting survives a worker crash mid-backoff.
func (w *Worker) runWithRetry(ctx context.Context, exec *domain.JobExecution, step *domain.Step, jc *domain.JobContext, policy RetryPolicy, logger *slog.Logger) (any, error) {
	run, err := w.deps.Runners.Get(step.Type)
	if err != nil {
		return nil, err
	}
	target := breaker.TargetKey(step)

	for {
		started := time.Now()
		output, err := w.deps.Breakers.Execute(target, func() (any, error) {
			return run.Execute(ctx, step, jc)
		})
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.StepDuration.WithLabelValues(string(step.Type), outcome).Observe(time.Since(started).Seconds())

		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}

		attempt, aerr := w.deps.Executions.IncrementAttempt(ctx, exec.ID)
		if aerr != nil {
			return nil, fmt.Errorf("increment attempt: %w", aerr)
		}
		if attempt > policy.MaxRetries {
			return nil, fmt.Errorf("%w: %s", errRetryBudget, err)
		}

		metrics.StepRetriesTotal.Inc()
		delay := policy.Delay(attempt - 1)
		logger.Warn("step attempt failed, retrying",
			"step", step.ID, "target", target, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
	}
}

func recordFailure(jc *domain.JobContext, stepID string, started time.Time, msg string) {
	jc.RecordStep(domain.StepOutput{
		StepID:      stepID,
		Status:      domain.StepFailed,
		Output:      map[string]any{"error": msg},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
}

// saveContext retries blob writes briefly; losing a completed step means
// redoing it on redelivery, which at-least-once permits but we avoid.
func (w *Worker) saveContext(ctx context.Context, jc *domain.JobContext) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = w.deps.Contexts.Save(ctx, jc); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("persist context: %w", err)
}
