package trigger

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/repository"
)

const (
	errInternalServer   = "Internal server error"
	errJobNotFoundMsg   = "Job not found"
	errExecNotFoundMsg  = "Execution not found"
	errWebhookNotFound  = "Webhook not found"
	errTriggerForbidden = "Trigger not allowed for this job"
	errSignatureInvalid = "Signature invalid"
	errTooManyRequests  = "Rate limit exceeded"
	errConcurrentExec   = "Job already has an active execution"
)

// maxWebhookBody caps inbound payloads; oversized bodies fail signature
// verification anyway once truncated, so the cap is also a DoS guard.
const maxWebhookBody = 1 << 20

type Handler struct {
	svc        *Service
	executions repository.ExecutionRepository
	logger     *slog.Logger
}

func NewHandler(svc *Service, executions repository.ExecutionRepository, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, executions: executions, logger: logger.With("component", "trigger_handler")}
}

type triggerResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// TriggerManual handles POST /jobs/:id/trigger. Accepted work returns 202;
// the execution id is the handle for polling status.
func (h *Handler) TriggerManual(ctx *gin.Context) {
	jobID := ctx.Param("id")

	exec, err := h.svc.TriggerManual(ctx.Request.Context(), jobID, ctx.GetString("userID"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFoundMsg})
		case errors.Is(err, domain.ErrJobDisabled), errors.Is(err, domain.ErrTriggerNotAllowed):
			ctx.JSON(http.StatusForbidden, gin.H{"error": errTriggerForbidden})
		case errors.Is(err, domain.ErrConcurrentExecution):
			ctx.JSON(http.StatusConflict, gin.H{"error": errConcurrentExec})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "manual trigger", "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, triggerResponse{ExecutionID: exec.ID, Status: string(exec.Status)})
}

// Webhook handles POST /hooks/:path. The path segment is the random URL
// path of a webhook registration; unknown paths get 404, a disabled
// registration admits the path exists with 403.
func (h *Handler) Webhook(ctx *gin.Context) {
	urlPath := ctx.Param("path")

	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	exec, err := h.svc.TriggerWebhook(ctx.Request.Context(), urlPath, body,
		ctx.GetHeader(SignatureHeader), WebhookRequest{
			Payload: parsePayload(body),
			Query:   flattenQuery(ctx),
			Headers: forwardedHeaders(ctx.Request.Header),
		})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrWebhookNotFound):
			metrics.WebhookRequestsTotal.WithLabelValues("not_found").Inc()
			ctx.JSON(http.StatusNotFound, gin.H{"error": errWebhookNotFound})
		case errors.Is(err, ErrBadSignature):
			metrics.WebhookRequestsTotal.WithLabelValues("unauthorized").Inc()
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": errSignatureInvalid})
		case errors.Is(err, ErrRateLimited):
			metrics.WebhookRequestsTotal.WithLabelValues("rate_limited").Inc()
			ctx.JSON(http.StatusTooManyRequests, gin.H{"error": errTooManyRequests})
		case errors.Is(err, domain.ErrWebhookDisabled), errors.Is(err, domain.ErrJobDisabled), errors.Is(err, domain.ErrTriggerNotAllowed), errors.Is(err, domain.ErrJobNotFound):
			metrics.WebhookRequestsTotal.WithLabelValues("forbidden").Inc()
			ctx.JSON(http.StatusForbidden, gin.H{"error": errTriggerForbidden})
		case errors.Is(err, domain.ErrConcurrentExecution):
			metrics.WebhookRequestsTotal.WithLabelValues("conflict").Inc()
			ctx.JSON(http.StatusConflict, gin.H{"error": errConcurrentExec})
		default:
			metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
			h.logger.ErrorContext(ctx.Request.Context(), "webhook trigger", "path", urlPath, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues("accepted").Inc()
	ctx.JSON(http.StatusAccepted, triggerResponse{ExecutionID: exec.ID, Status: string(exec.Status)})
}

type executionResponse struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	CurrentStep *string    `json:"current_step,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetExecution handles GET /executions/:id.
func (h *Handler) GetExecution(ctx *gin.Context) {
	exec, err := h.executions.GetByID(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errExecNotFoundMsg})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get execution", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, executionResponse{
		ID:          exec.ID,
		JobID:       exec.JobID,
		Status:      string(exec.Status),
		Attempt:     exec.Attempt,
		CurrentStep: exec.CurrentStep,
		Error:       exec.Error,
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	})
}

// parsePayload decodes a JSON object body. Non-JSON and non-object bodies
// yield a nil payload rather than an error: the signature already proved
// the caller legitimate, and some callers send empty bodies.
func parsePayload(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

func flattenQuery(ctx *gin.Context) map[string]string {
	values := ctx.Request.URL.Query()
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// forwardedHeaders preserves the caller's X- headers for reference
// resolution, minus the signature itself.
func forwardedHeaders(header http.Header) map[string]string {
	var out map[string]string
	for k, v := range header {
		if !strings.HasPrefix(k, "X-") || strings.EqualFold(k, SignatureHeader) || len(v) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v[0]
	}
	return out
}
