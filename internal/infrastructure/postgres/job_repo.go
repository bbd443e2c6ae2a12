package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, name, description, enabled, timeout_seconds, max_retries,
	       allow_concurrent, triggers, schedule, definition_path, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			name, description, enabled, timeout_seconds, max_retries,
			allow_concurrent, triggers, schedule, definition_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + jobColumns

	row := r.pool.QueryRow(ctx, query,
		job.Name,
		job.Description,
		job.Enabled,
		job.TimeoutSeconds,
		job.MaxRetries,
		job.AllowConcurrent,
		job.Triggers,
		job.Schedule,
		job.DefinitionPath,
	)

	created, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrJobNameConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepository) GetByName(ctx context.Context, name string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE name = $1`, name)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	args := []any{}
	where := []string{"TRUE"}

	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    name             = $2,
		       description      = $3,
		       enabled          = $4,
		       timeout_seconds  = $5,
		       max_retries      = $6,
		       allow_concurrent = $7,
		       triggers         = $8,
		       schedule         = $9,
		       definition_path  = $10,
		       updated_at       = NOW()
		WHERE id = $1`,
		job.ID, job.Name, job.Description, job.Enabled, job.TimeoutSeconds,
		job.MaxRetries, job.AllowConcurrent, job.Triggers, job.Schedule,
		job.DefinitionPath,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrJobNameConflict
		}
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) ListSchedulable(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE enabled
		  AND (triggers->>'scheduled')::boolean
		  AND schedule IS NOT NULL
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.Enabled, &j.TimeoutSeconds,
		&j.MaxRetries, &j.AllowConcurrent, &j.Triggers, &j.Schedule,
		&j.DefinitionPath, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
