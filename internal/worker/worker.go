package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/breaker"
	"github.com/conveyr/conveyr/internal/definition"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/email"
	"github.com/conveyr/conveyr/internal/events"
	"github.com/conveyr/conveyr/internal/execctx"
	ctxlog "github.com/conveyr/conveyr/internal/log"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/repository"
	"github.com/conveyr/conveyr/internal/runner"
	"github.com/conveyr/conveyr/internal/secrets"
)

// Deps wires the worker's collaborators. Everything is an interface or a
// small concrete helper so tests can swap in fakes.
type Deps struct {
	Jobs       repository.JobRepository
	Executions repository.ExecutionRepository
	Variables  repository.VariableRepository
	Stats      repository.StatsRepository
	Contexts   *execctx.Store
	Blobs      blob.Store
	Runners    *runner.Registry
	Breakers   *breaker.Registry
	Events     events.Publisher
	Cipher     *secrets.Cipher
	Consumer   queue.Consumer
	Retry      RetryPolicy
	Logger     *slog.Logger

	// Alerts is optional; when set, DeadLetter transitions send an email.
	Alerts     email.Sender
	AlertsAddr string
}

// Worker consumes execution messages and runs job pipelines step by step.
// Steps within one execution are strictly sequential; different executions
// run concurrently on the queue consumer's pool.
type Worker struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Worker {
	return &Worker{
		deps:   deps,
		logger: deps.Logger.With("component", "worker"),
	}
}

// Start blocks consuming the queue until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started")
	return w.deps.Consumer.Consume(ctx, w.Handle)
}

// Handle processes one delivery. A nil return acknowledges the message.
// Returning an error leaves the message pending: the execution stays in
// Running and the next delivery resumes it through the idempotency gate.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	exec, err := w.deps.Executions.GetByIdempotencyKey(ctx, msg.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			// Row never landed; nothing to take over. Ack and move on.
			w.logger.Warn("no execution for message, dropping", "idempotency_key", msg.IdempotencyKey)
			return nil
		}
		return fmt.Errorf("idempotency gate: %w", err)
	}

	ctx = ctxlog.WithExecution(ctx, exec.ID, exec.JobID)
	logger := w.logger.With("execution_id", exec.ID, "job_id", exec.JobID)

	// Idempotency gate: a terminal execution means this delivery is a
	// duplicate; collapse it silently.
	if exec.Status.IsTerminal() {
		logger.Info("duplicate delivery for terminal execution, dropping", "status", exec.Status)
		return nil
	}

	metrics.ExecutionPickupLatency.Observe(time.Since(exec.CreatedAt).Seconds())

	job, def, err := w.loadJob(ctx, exec.JobID)
	if err != nil {
		logger.Error("load job", "error", err)
		w.finalize(ctx, exec, job, domain.ExecutionFailed, err)
		return nil
	}

	if err := w.deps.Executions.MarkRunning(ctx, exec.ID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	w.publishStatus(ctx, exec, domain.ExecutionRunning)

	jc, err := w.loadOrInitContext(ctx, exec, job)
	if err != nil {
		// Storage trouble: leave the execution in Running and let the
		// next delivery retry from the durable context.
		logger.Error("load context", "error", err)
		return err
	}

	logger.Info("executing job", "job", job.Name, "steps", len(def.Steps), "resumed_steps", len(jc.Steps))

	status, runErr := w.runSteps(ctx, exec, job, def, jc, logger)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown mid-step: no terminal transition, redelivery resumes.
		logger.Info("cancelled mid-execution, leaving running")
		return runErr
	}

	w.finalize(ctx, exec, job, status, runErr)
	if err := w.deps.Contexts.Save(ctx, jc); err != nil {
		logger.Error("persist final context", "error", err)
	}
	return nil
}

func (w *Worker) loadJob(ctx context.Context, jobID string) (*domain.Job, *definition.Definition, error) {
	job, err := w.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindValidation, false, fmt.Errorf("job %s: %w", jobID, err))
	}

	raw, err := w.deps.Blobs.Get(ctx, job.DefinitionPath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return job, nil, domain.Errorf(domain.KindValidation, false, "definition blob %s missing", job.DefinitionPath)
		}
		return job, nil, domain.NewError(domain.KindStorage, true, fmt.Errorf("load definition: %w", err))
	}

	def, err := definition.Parse(raw)
	if err != nil {
		return job, nil, err
	}
	return job, def, nil
}

// loadOrInitContext returns the persisted context for a resumed execution,
// or a fresh one with variables pre-populated (job scope shadowing global).
func (w *Worker) loadOrInitContext(ctx context.Context, exec *domain.JobExecution, job *domain.Job) (*domain.JobContext, error) {
	jc, err := w.deps.Contexts.Load(ctx, exec.JobID, exec.ID)
	if err != nil {
		if !errors.Is(err, execctx.ErrContextNotFound) {
			return nil, err
		}
		jc = domain.NewJobContext(exec.JobID, exec.ID)
	}

	if len(jc.Variables) == 0 {
		vars, err := w.deps.Variables.ResolveForJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve variables: %w", err)
		}
		for _, v := range vars {
			jc.Variables[v.Name] = domain.ContextVariable{Value: v.Value, Sensitive: v.IsSensitive}
		}
	}
	return jc, nil
}

// finalize records the terminal transition: execution row, stats, events,
// and the DeadLetter alert. Event publishes happen after the row is durable
// so bus consumers observe causally ordered states.
func (w *Worker) finalize(ctx context.Context, exec *domain.JobExecution, job *domain.Job, status domain.ExecutionStatus, runErr error) {
	// A failure or timeout whose attempt counter already reached the retry
	// limit is never redelivered, so it belongs in the dead-letter state.
	if (status == domain.ExecutionFailed || status == domain.ExecutionTimeout) && w.retriesExhausted(ctx, exec, job) {
		status = domain.ExecutionDeadLetter
		if runErr != nil {
			runErr = fmt.Errorf("%s. Moved to DLQ", runErr)
		}
	}

	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}

	if err := w.finishWithRetry(ctx, exec.ID, status, errMsg); err != nil {
		// The row stays Running; the next delivery reconciles through the
		// idempotency gate and the durable context.
		w.logger.Error("finish execution", "execution_id", exec.ID, "error", err)
		return
	}

	success := status == domain.ExecutionSuccess
	if err := w.deps.Stats.RecordResult(ctx, exec.JobID, success, time.Now().UTC()); err != nil {
		w.logger.Error("record stats", "job_id", exec.JobID, "error", err)
	}

	metrics.ExecutionsCompletedTotal.WithLabelValues(string(status)).Inc()
	w.publishStatus(ctx, exec, status)

	if status == domain.ExecutionDeadLetter {
		metrics.DeadLetterTotal.Inc()
		w.alertDeadLetter(ctx, exec, job, errMsg)
	}
}

// retriesExhausted rereads the attempt counter from the execution row, since
// the in-memory copy predates any increments made while running steps.
func (w *Worker) retriesExhausted(ctx context.Context, exec *domain.JobExecution, job *domain.Job) bool {
	maxRetries := w.deps.Retry.MaxRetries
	if job != nil && job.MaxRetries > 0 {
		maxRetries = job.MaxRetries
	}
	if maxRetries <= 0 {
		return false
	}

	attempt := exec.Attempt
	if cur, err := w.deps.Executions.GetByID(ctx, exec.ID); err == nil {
		attempt = cur.Attempt
	}
	return attempt >= maxRetries
}

// finishWithRetry retries catalog writes inline with a short backoff;
// transitioning the row is the one write we really do not want to lose.
func (w *Worker) finishWithRetry(ctx context.Context, id string, status domain.ExecutionStatus, errMsg *string) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = w.deps.Executions.Finish(ctx, id, status, errMsg); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
		}
	}
	return err
}

func (w *Worker) publishStatus(ctx context.Context, exec *domain.JobExecution, status domain.ExecutionStatus) {
	err := w.deps.Events.Publish(ctx, events.Event{
		Type:        events.TypeExecutionStatusChanged,
		ExecutionID: exec.ID,
		JobID:       exec.JobID,
		Status:      string(status),
	})
	if err != nil {
		// Best-effort: dashboards lag, executions do not fail.
		w.logger.Warn("publish status event", "execution_id", exec.ID, "error", err)
	}
}

func (w *Worker) alertDeadLetter(ctx context.Context, exec *domain.JobExecution, job *domain.Job, errMsg *string) {
	if w.deps.Alerts == nil || w.deps.AlertsAddr == "" {
		return
	}
	jobName := exec.JobID
	if job != nil {
		jobName = job.Name
	}
	detail := ""
	if errMsg != nil {
		detail = *errMsg
	}
	subject := fmt.Sprintf("[conveyr] execution dead-lettered: %s", jobName)
	body := fmt.Sprintf("<p>Execution <b>%s</b> of job <b>%s</b> exhausted its retry budget.</p><pre>%s</pre>",
		exec.ID, jobName, detail)
	if err := w.deps.Alerts.Send(ctx, w.deps.AlertsAddr, subject, body); err != nil {
		w.logger.Warn("send dead-letter alert", "execution_id", exec.ID, "error", err)
	}
}
