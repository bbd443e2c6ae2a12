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

const executionColumns = `id, job_id, idempotency_key, status, attempt, trigger_source,
	       current_step, context_path, error, created_at, started_at, completed_at`

type ExecutionRepository struct {
	pool *pgxpool.Pool
}

func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *domain.JobExecution) (*domain.JobExecution, error) {
	query := `
		INSERT INTO job_executions (
			id, job_id, idempotency_key, status, attempt, trigger_source, context_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + executionColumns

	row := r.pool.QueryRow(ctx, query,
		exec.ID,
		exec.JobID,
		exec.IdempotencyKey,
		exec.Status,
		exec.Attempt,
		exec.Trigger,
		exec.ContextPath,
	)

	created, err := scanExecution(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateExecution
		}
		return nil, err
	}
	return created, nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*domain.JobExecution, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM job_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.JobExecution, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM job_executions WHERE idempotency_key = $1`, key)
	return scanExecution(row)
}

func (r *ExecutionRepository) List(ctx context.Context, input repository.ListExecutionsInput) ([]*domain.JobExecution, error) {
	args := []any{input.JobID}
	where := []string{"job_id = $1"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+executionColumns+`
		FROM job_executions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*domain.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *ExecutionRepository) MarkRunning(ctx context.Context, id string) error {
	// started_at survives redeliveries: COALESCE keeps the first transition.
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_executions
		SET    status     = 'running',
		       started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

func (r *ExecutionRepository) SetCurrentStep(ctx context.Context, id string, stepID *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE job_executions SET current_step = $2 WHERE id = $1`, id, stepID)
	return err
}

func (r *ExecutionRepository) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var attempt int
	err := r.pool.QueryRow(ctx, `
		UPDATE job_executions
		SET    attempt = attempt + 1
		WHERE id = $1
		RETURNING attempt`, id).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrExecutionNotFound
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return attempt, nil
}

func (r *ExecutionRepository) Finish(ctx context.Context, id string, status domain.ExecutionStatus, errMsg *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_executions
		SET    status       = $2,
		       error        = $3,
		       current_step = NULL,
		       completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

func (r *ExecutionRepository) HasNonTerminal(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_executions
			WHERE job_id = $1 AND status IN ('pending', 'running')
		)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check non-terminal executions: %w", err)
	}
	return exists, nil
}

func scanExecution(row rowScanner) (*domain.JobExecution, error) {
	var e domain.JobExecution
	err := row.Scan(
		&e.ID, &e.JobID, &e.IdempotencyKey, &e.Status, &e.Attempt, &e.Trigger,
		&e.CurrentStep, &e.ContextPath, &e.Error, &e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}
