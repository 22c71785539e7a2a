package workflow

import (
	"context"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
)

// StepContext is everything a handler sees for one step run.
type StepContext struct {
	// Execution is a snapshot of the running execution. Handlers must not mutate it.
	Execution *models.WorkflowExecution
	Step      *models.StepSpec

	// Config is the typed config decoded after interpolation.
	Config models.StepConfig

	// Data is the execution context as it was when the step's group started.
	Data map[string]any

	Logger *slog.Logger

	// Attempts may be set by handlers that retry internally. Zero means one attempt.
	Attempts int
}

// Handler runs one step type. A returned error fails the step; the output is merged
// into the execution context under steps.<id>.
type Handler interface {
	Execute(ctx context.Context, sc *StepContext) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sc *StepContext) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, sc *StepContext) (map[string]any, error) {
	return f(ctx, sc)
}

// WorkflowStore is the read side of workflow persistence the runner needs.
type WorkflowStore interface {
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	WorkflowVersion(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
}

// ExecutionStore persists execution snapshots.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
}
