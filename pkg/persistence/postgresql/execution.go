package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// ExecutionRepository stores execution snapshots written by the runner.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , workflow_id
  , workflow_version
  , trigger_id
  , event_id
  , parent_execution_id
  , depth
  , status
  , step_results
  , error
  , started_at
  , finished_at
`

func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	steps, err := json.Marshal(execution.StepResults)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, fmt.Errorf("failed to marshal step results: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , step_results = EXCLUDED.step_results
		  , error = EXCLUDED.error
		  , finished_at = EXCLUDED.finished_at
	`,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.TriggerID,
		execution.EventID,
		execution.ParentExecutionID,
		execution.Depth,
		string(execution.Status),
		steps,
		execution.Error,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) Executions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, int, error) {
	page := filter.Page.Normalize()

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		conditions = append(conditions, fmt.Sprintf("workflow_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_executions`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM workflow_executions%s ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		executionColumns, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0, page.Limit)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, total, nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution models.WorkflowExecution
		status    string
		steps     []byte
		finished  sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.TriggerID,
		&execution.EventID,
		&execution.ParentExecutionID,
		&execution.Depth,
		&status,
		&steps,
		&execution.Error,
		&execution.StartedAt,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatus(status)
	execution.StartedAt = execution.StartedAt.UTC()

	if finished.Valid {
		t := finished.Time.UTC()
		execution.FinishedAt = &t
	}

	execution.StepResults = make([]*models.StepResult, 0)
	if err := json.Unmarshal(steps, &execution.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}

	return &execution, nil
}
