package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const variableColumns = `id, name, value, is_sensitive, scope_type, scope_id, created_at, updated_at`

type VariableRepository struct {
	pool *pgxpool.Pool
}

func NewVariableRepository(pool *pgxpool.Pool) *VariableRepository {
	return &VariableRepository{pool: pool}
}

func (r *VariableRepository) Upsert(ctx context.Context, v *domain.Variable) (*domain.Variable, error) {
	query := `
		INSERT INTO variables (name, value, is_sensitive, scope_type, scope_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, scope_type, scope_id)
		DO UPDATE SET value = EXCLUDED.value,
		              is_sensitive = EXCLUDED.is_sensitive,
		              updated_at = NOW()
		RETURNING ` + variableColumns

	row := r.pool.QueryRow(ctx, query, v.Name, v.Value, v.IsSensitive, v.Scope, v.JobID)
	return scanVariable(row)
}

func (r *VariableRepository) Get(ctx context.Context, name string, scope domain.VariableScope, jobID *string) (*domain.Variable, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+variableColumns+`
		FROM variables
		WHERE name = $1 AND scope_type = $2 AND scope_id IS NOT DISTINCT FROM $3`,
		name, scope, jobID)
	return scanVariable(row)
}

func (r *VariableRepository) Delete(ctx context.Context, name string, scope domain.VariableScope, jobID *string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM variables
		WHERE name = $1 AND scope_type = $2 AND scope_id IS NOT DISTINCT FROM $3`,
		name, scope, jobID)
	if err != nil {
		return fmt.Errorf("delete variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVariableNotFound
	}
	return nil
}

func (r *VariableRepository) ResolveForJob(ctx context.Context, jobID string) ([]*domain.Variable, error) {
	// DISTINCT ON keeps one row per name; ordering puts the job-scoped row
	// first so it shadows the global on collision.
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (name) `+variableColumns+`
		FROM variables
		WHERE scope_type = 'global' OR (scope_type = 'job' AND scope_id = $1)
		ORDER BY name, scope_type DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("resolve variables: %w", err)
	}
	defer rows.Close()

	var vars []*domain.Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

func scanVariable(row rowScanner) (*domain.Variable, error) {
	var v domain.Variable
	err := row.Scan(
		&v.ID, &v.Name, &v.Value, &v.IsSensitive, &v.Scope, &v.JobID,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVariableNotFound
		}
		return nil, fmt.Errorf("scan variable: %w", err)
	}
	return &v, nil
}
