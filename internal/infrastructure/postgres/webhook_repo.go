package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const webhookColumns = `id, job_id, url_path, secret_key, enabled, rate_limit, created_at, updated_at`

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error) {
	query := `
		INSERT INTO webhooks (job_id, url_path, secret_key, enabled, rate_limit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + webhookColumns

	row := r.pool.QueryRow(ctx, query, w.JobID, w.URLPath, w.SecretKey, w.Enabled, w.RateLimit)

	created, err := scanWebhook(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrWebhookPathConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *WebhookRepository) GetByPath(ctx context.Context, urlPath string) (*domain.Webhook, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE url_path = $1`, urlPath)
	return scanWebhook(row)
}

func (r *WebhookRepository) GetByJobID(ctx context.Context, jobID string) (*domain.Webhook, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE job_id = $1`, jobID)
	return scanWebhook(row)
}

func (r *WebhookRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set webhook enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

func (r *WebhookRepository) RegeneratePath(ctx context.Context, id, newPath string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET url_path = $2, updated_at = NOW() WHERE id = $1`, id, newPath)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrWebhookPathConflict
		}
		return fmt.Errorf("regenerate webhook path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var w domain.Webhook
	err := row.Scan(
		&w.ID, &w.JobID, &w.URLPath, &w.SecretKey, &w.Enabled, &w.RateLimit,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	return &w, nil
}
