package log

import (
	"context"
	"log/slog"

	"github.com/conveyr/conveyr/internal/requestid"
)

type execKey struct{}

type executionScope struct {
	executionID string
	jobID       string
}

// WithExecution attaches execution identity to ctx. Every record logged
// under the returned context carries execution_id and job_id, so one
// execution's lines correlate across the worker's collaborators without
// threading a logger through them.
func WithExecution(ctx context.Context, executionID, jobID string) context.Context {
	return context.WithValue(ctx, execKey{}, executionScope{executionID: executionID, jobID: jobID})
}

// ContextHandler wraps an slog.Handler and enriches each record with the
// identity carried by its context: request_id on the trigger path,
// execution_id and job_id on the worker path.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if scope, ok := ctx.Value(execKey{}).(executionScope); ok {
		r.AddAttrs(slog.String("execution_id", scope.executionID), slog.String("job_id", scope.jobID))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
