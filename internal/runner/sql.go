package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DatabaseRunner executes Database steps against Postgres. The MySQL and
// Oracle engine tags exist in the definition schema but this build rejects
// them; their wire mechanics live outside the core.
type DatabaseRunner struct{}

func NewDatabaseRunner() *DatabaseRunner {
	return &DatabaseRunner{}
}

const maxResultRows = 10_000

func (r *DatabaseRunner) Execute(ctx context.Context, step *domain.Step, _ *domain.JobContext) (any, error) {
	cfg := step.Database

	if cfg.Engine != domain.EnginePostgres {
		return nil, domain.Errorf(domain.KindStep, false, "database engine %q not supported in this build", cfg.Engine)
	}

	conn, err := pgx.Connect(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("connect: %w", err))
	}
	defer conn.Close(ctx)

	query := cfg.Query
	var args []any
	if cfg.Kind == domain.QueryStoredProcedure {
		// Procedure parameters go through the parameterized form; the
		// resolver has already substituted references into their values.
		query, args = buildProcedureCall(cfg.ProcName, cfg.ProcParams)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyPgError(err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			record[col] = values[i]
		}
		result = append(result, record)
		if len(result) >= maxResultRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}

	return map[string]any{
		"columns":   columns,
		"rows":      result,
		"row_count": len(result),
	}, nil
}

func buildProcedureCall(name string, params []string) (string, []any) {
	placeholders := make([]string, len(params))
	args := make([]any, len(params))
	for i, p := range params {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = p
	}
	return fmt.Sprintf("CALL %s(%s)", name, strings.Join(placeholders, ", ")), args
}

// classifyPgError maps SQLSTATE classes onto the taxonomy: auth failures
// (28xxx) and syntax/constraint errors are non-retryable, connection-level
// failures are retryable.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return domain.NewError(domain.KindStepAuth, false, err)
		case pgErr.Code == "23505": // unique violation
			return domain.NewError(domain.KindDatabase, false, err)
		case strings.HasPrefix(pgErr.Code, "42"): // syntax or access rule
			return domain.NewError(domain.KindDatabase, false, err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return domain.NewError(domain.KindDatabase, true, err)
		default:
			return domain.NewError(domain.KindDatabase, false, err)
		}
	}
	return domain.NewError(domain.KindDatabase, true, err)
}
