package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const selectWorkflowVersion = `
	SELECT
		v.definition
	  , w.active
	  , w.created_at
	  , w.updated_at
	FROM workflow_versions v
	JOIN workflows w ON w.id = v.workflow_id
`

// SaveWorkflowVersion inserts a version row and moves the workflow head forward.
func (r *WorkflowRepository) SaveWorkflowVersion(ctx context.Context, definition *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	createdAt := definition.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	payload, err := json.Marshal(definition)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflowVersion", definition.ID, fmt.Errorf("failed to marshal definition: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, active, latest_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active
		  , latest_version = GREATEST(workflows.latest_version, EXCLUDED.latest_version)
		  , updated_at = EXCLUDED.updated_at
	`, definition.ID, definition.Active, definition.Version, createdAt, now)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflowVersion", definition.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, name, definition, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, definition.ID, definition.Version, definition.Name, payload, now)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewWorkflowVersionError("SaveWorkflowVersion", definition.ID, definition.Version, persistence.ErrWorkflowVersionExists)
		}

		return persistence.NewWorkflowVersionError("SaveWorkflowVersion", definition.ID, definition.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow version: %w", err)
	}

	return nil
}

// WorkflowByID returns the latest version of a workflow.
func (r *WorkflowRepository) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, selectWorkflowVersion+`WHERE w.id = $1 AND v.version = w.latest_version`, id)

	definition, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return definition, nil
}

func (r *WorkflowRepository) WorkflowVersion(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, selectWorkflowVersion+`WHERE w.id = $1 AND v.version = $2`, id, version)

	definition, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowVersionError("WorkflowVersion", id, version, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowVersionError("WorkflowVersion", id, version, err)
	}

	return definition, nil
}

// Workflows returns the latest version of every workflow.
func (r *WorkflowRepository) Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, selectWorkflowVersion+`WHERE v.version = w.latest_version ORDER BY w.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE workflows SET active = $2, updated_at = $3 WHERE id = $1`, id, active, time.Now().UTC())
	if err != nil {
		return persistence.NewWorkflowError("SetWorkflowActive", id, err)
	}

	return requireAffected(result, persistence.NewWorkflowError("SetWorkflowActive", id, persistence.ErrWorkflowNotFound))
}

// DeleteWorkflow removes a workflow with all of its versions. Execution history is kept.
func (r *WorkflowRepository) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("DeleteWorkflow", id, err)
	}

	return requireAffected(result, persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound))
}

func scanDefinition(row scanner) (*models.WorkflowDefinition, error) {
	var (
		payload    []byte
		active     bool
		definition models.WorkflowDefinition
		createdAt  time.Time
		updatedAt  time.Time
	)

	if err := row.Scan(&payload, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &definition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	definition.Active = active
	definition.CreatedAt = createdAt.UTC()
	definition.UpdatedAt = updatedAt.UTC()

	return &definition, nil
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
