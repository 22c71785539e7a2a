package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// WorkflowStore is the persistence the workflow service needs.
type WorkflowStore interface {
	persistence.WorkflowRepository
	HealthCheck(ctx context.Context) error
}

// Registrar keeps the live trigger registry in step with stored definitions.
type Registrar interface {
	Register(def *models.WorkflowDefinition) error
	Deregister(workflowID string)
}

type Workflow struct {
	persistence WorkflowStore
	registrar   Registrar
	maxDepth    int
}

// NewWorkflow creates a new workflow service. maxDepth bounds statically checked
// sub-workflow chains.
func NewWorkflow(persistence WorkflowStore, registrar Registrar, maxDepth int) *Workflow {
	return &Workflow{
		persistence: persistence,
		registrar:   registrar,
		maxDepth:    maxDepth,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns the latest version of every workflow.
func (w *Workflow) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	defs, err := w.persistence.Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return defs, nil
}

// FetchByID retrieves the latest version of a workflow.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return w.persistence.WorkflowByID(ctx, id)
}

// FetchVersion retrieves one stored version of a workflow.
func (w *Workflow) FetchVersion(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	return w.persistence.WorkflowVersion(ctx, id, version)
}

// Validate runs every registration check on def without storing it.
func (w *Workflow) Validate(ctx context.Context, def *models.WorkflowDefinition) error {
	if def == nil {
		return ErrWorkflowNil
	}

	def.MarkParallel()

	return workflow.ValidateDefinition(ctx, def, w.lookup, w.maxDepth)
}

// Create validates def, registers its triggers and stores it as version 1.
func (w *Workflow) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrWorkflowNil
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	} else if _, err := w.persistence.WorkflowByID(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, def.ID)
	} else if !persistence.IsWorkflowNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := w.Validate(ctx, def); err != nil {
		return nil, err
	}

	if err := w.registrar.Register(def); err != nil {
		return nil, err
	}

	if err := w.persistence.SaveWorkflowVersion(ctx, def); err != nil {
		w.registrar.Deregister(def.ID)

		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	return def, nil
}

// Update stores def as the next version of workflowID. Running executions keep the version
// they started with. The active flag is not changed by updates.
func (w *Workflow) Update(ctx context.Context, workflowID string, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	def.ID = workflowID
	def.Version = existing.Version + 1
	def.Active = existing.Active
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	if err := w.Validate(ctx, def); err != nil {
		return nil, err
	}

	if err := w.registrar.Register(def); err != nil {
		return nil, err
	}

	if err := w.persistence.SaveWorkflowVersion(ctx, def); err != nil {
		_ = w.registrar.Register(existing)

		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return def, nil
}

// SetActive switches a workflow on or off. Inactive workflows keep their definitions but
// none of their triggers fire.
func (w *Workflow) SetActive(ctx context.Context, workflowID string, active bool) (*models.WorkflowDefinition, error) {
	if err := w.persistence.SetWorkflowActive(ctx, workflowID, active); err != nil {
		return nil, err
	}

	def, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := w.registrar.Register(def); err != nil {
		return nil, fmt.Errorf("failed to register triggers of %s: %w", workflowID, err)
	}

	return def, nil
}

// SetTriggerActive stores a new version with one trigger switched on or off.
func (w *Workflow) SetTriggerActive(ctx context.Context, workflowID, triggerID string, active bool) (*models.WorkflowDefinition, error) {
	existing, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	found := false

	for _, spec := range existing.Triggers {
		if spec != nil && spec.ID == triggerID {
			spec.IsActive = active
			found = true
		}
	}

	if !found {
		return nil, &models.ValidationError{Field: "triggers." + triggerID, Reason: "trigger does not exist"}
	}

	return w.Update(ctx, workflowID, existing)
}

// Delete removes every version of a workflow and its triggers.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	if err := w.persistence.DeleteWorkflow(ctx, workflowID); err != nil {
		return err
	}

	w.registrar.Deregister(workflowID)

	return nil
}

func (w *Workflow) lookup(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := w.persistence.WorkflowByID(ctx, id)
	if persistence.IsWorkflowNotFound(err) {
		return nil, nil
	}

	return def, err
}
