package repository

import (
	"context"

	"github.com/conveyr/conveyr/internal/domain"
)

type WebhookRepository interface {
	// Create inserts a registration. A UNIQUE violation on url_path maps to
	// domain.ErrWebhookPathConflict.
	Create(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error)
	GetByPath(ctx context.Context, urlPath string) (*domain.Webhook, error)
	GetByJobID(ctx context.Context, jobID string) (*domain.Webhook, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// RegeneratePath atomically replaces the registration's url_path.
	// Requests still in flight against the old path see not-found.
	RegeneratePath(ctx context.Context, id, newPath string) error
	Delete(ctx context.Context, id string) error
}
