// Package trigger is the manual and webhook ingress: it turns an external
// request into a Pending execution plus a queue message. Everything past the
// publish is the worker's problem.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/execctx"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/repository"
)

var (
	ErrBadSignature = errors.New("webhook signature invalid")
	ErrRateLimited  = errors.New("webhook rate limit exceeded")
)

type Service struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	webhooks   repository.WebhookRepository
	contexts   *execctx.Store
	publisher  queue.Publisher
	limiter    *redisx.RateLimiter
	logger     *slog.Logger
}

func NewService(jobs repository.JobRepository, executions repository.ExecutionRepository, webhooks repository.WebhookRepository, contexts *execctx.Store, publisher queue.Publisher, limiter *redisx.RateLimiter, logger *slog.Logger) *Service {
	return &Service{
		jobs:       jobs,
		executions: executions,
		webhooks:   webhooks,
		contexts:   contexts,
		publisher:  publisher,
		limiter:    limiter,
		logger:     logger.With("component", "trigger"),
	}
}

// TriggerManual starts an execution on behalf of user. The idempotency key
// embeds a fresh execution id, so every call is a distinct logical trigger.
func (s *Service) TriggerManual(ctx context.Context, jobID, user string) (*domain.JobExecution, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, domain.ErrJobDisabled
	}
	if !job.Triggers.Manual {
		return nil, domain.ErrTriggerNotAllowed
	}
	if err := s.checkConcurrency(ctx, job); err != nil {
		return nil, err
	}

	execID := uuid.NewString()
	return s.enqueue(ctx, job, &domain.JobExecution{
		ID:             execID,
		JobID:          job.ID,
		IdempotencyKey: domain.ManualIdempotencyKey(job.ID, execID),
		Status:         domain.ExecutionPending,
		Trigger:        domain.TriggerSource{Type: domain.TriggerManual, User: user},
		ContextPath:    blob.ContextPath(job.ID, execID),
	})
}

// WebhookRequest is the verified-and-parsed inbound request. Headers must
// already exclude the signature header.
type WebhookRequest struct {
	Payload map[string]any
	Query   map[string]string
	Headers map[string]string
}

// TriggerWebhook validates an inbound webhook call and starts an execution.
// The initial Context carrying the request data is persisted before the
// queue publish, so the worker never observes an execution whose webhook
// data is still in flight.
func (s *Service) TriggerWebhook(ctx context.Context, urlPath string, rawBody []byte, signature string, req WebhookRequest) (*domain.JobExecution, error) {
	wh, err := s.webhooks.GetByPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	if !wh.Enabled {
		return nil, domain.ErrWebhookDisabled
	}

	// Signature before anything stateful: an unauthenticated caller must
	// not consume rate-limit budget or learn about the target job.
	if !VerifySignature(wh.SecretKey, rawBody, signature) {
		return nil, ErrBadSignature
	}

	if wh.RateLimit != nil && s.limiter != nil {
		window := time.Duration(wh.RateLimit.WindowSeconds) * time.Second
		ok, err := s.limiter.Allow(ctx, "webhook:rate:"+wh.ID, wh.RateLimit.MaxRequests, window)
		if err != nil {
			return nil, domain.NewError(domain.KindQueue, true, fmt.Errorf("rate limit check: %w", err))
		}
		if !ok {
			return nil, ErrRateLimited
		}
	}

	job, err := s.jobs.GetByID(ctx, wh.JobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, domain.ErrJobDisabled
	}
	if !job.Triggers.Webhook {
		return nil, domain.ErrTriggerNotAllowed
	}
	if err := s.checkConcurrency(ctx, job); err != nil {
		return nil, err
	}

	execID := uuid.NewString()
	exec := &domain.JobExecution{
		ID:             execID,
		JobID:          job.ID,
		IdempotencyKey: domain.WebhookIdempotencyKey(wh.ID, execID),
		Status:         domain.ExecutionPending,
		Trigger:        domain.TriggerSource{Type: domain.TriggerWebhook, URL: wh.URLPath},
		ContextPath:    blob.ContextPath(job.ID, execID),
	}

	jc := domain.NewJobContext(job.ID, execID)
	jc.Webhook = &domain.WebhookData{
		Payload: req.Payload,
		Query:   req.Query,
		Headers: req.Headers,
	}
	if err := s.contexts.Save(ctx, jc); err != nil {
		return nil, err
	}

	return s.enqueue(ctx, job, exec)
}

func (s *Service) checkConcurrency(ctx context.Context, job *domain.Job) error {
	if job.AllowConcurrent {
		return nil
	}
	busy, err := s.executions.HasNonTerminal(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check concurrency: %w", err)
	}
	if busy {
		return domain.ErrConcurrentExecution
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, job *domain.Job, exec *domain.JobExecution) (*domain.JobExecution, error) {
	created, err := s.executions.Create(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	err = s.publisher.Publish(ctx, queue.Message{
		ExecutionID:    created.ID,
		JobID:          job.ID,
		IdempotencyKey: created.IdempotencyKey,
	})
	if err != nil {
		msg := fmt.Sprintf("publish failed: %v", err)
		if ferr := s.executions.Finish(ctx, created.ID, domain.ExecutionFailed, &msg); ferr != nil {
			s.logger.Error("fail unpublished execution", "execution_id", created.ID, "error", ferr)
		}
		return nil, domain.NewError(domain.KindQueue, true, fmt.Errorf("publish execution %s: %w", created.ID, err))
	}

	s.logger.Info("execution enqueued",
		"job_id", job.ID, "job", job.Name, "execution_id", created.ID, "trigger", created.Trigger.Type)
	return created, nil
}
