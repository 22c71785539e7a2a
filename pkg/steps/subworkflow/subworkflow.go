// Package subworkflow implements the sub-workflow step.
package subworkflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
)

// ChildRunner runs a workflow as the child of a parent execution. *workflow.Runner implements it.
type ChildRunner interface {
	RunChild(ctx context.Context, parent *models.WorkflowExecution, workflowID string, input map[string]any) (*models.WorkflowExecution, error)
}

// Handler runs the configured workflow to completion and maps its terminal status onto the step.
// A failed or cancelled child fails the step unless ignoreFailure is set.
type Handler struct {
	runner ChildRunner
}

func New(runner ChildRunner) *Handler {
	return &Handler{runner: runner}
}

func (h *Handler) Execute(ctx context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.SubWorkflowConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	child, err := h.runner.RunChild(ctx, sc.Execution, cfg.WorkflowID, input(cfg.Input, sc.Data))
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"execution_id": child.ID,
		"workflow_id":  child.WorkflowID,
		"status":       string(child.Status),
		"steps":        outputs(child),
	}

	if child.Status != models.ExecutionStatusSucceeded && !cfg.IgnoreFailure {
		return nil, fmt.Errorf("sub-workflow %s execution %s ended %s: %s", child.WorkflowID, child.ID, child.Status, child.Error)
	}

	return output, nil
}

// input passes the configured map to the child, or the parent's data fields when none is set.
func input(configured any, data map[string]any) map[string]any {
	if m, ok := configured.(map[string]any); ok {
		return m
	}

	if configured != nil {
		return map[string]any{"input": configured}
	}

	out := make(map[string]any, len(data))
	maps.Copy(out, data)

	for _, reserved := range []string{"steps", "event", "variables", "execution"} {
		delete(out, reserved)
	}

	return out
}

func outputs(execution *models.WorkflowExecution) map[string]any {
	out := make(map[string]any, len(execution.StepResults))

	for _, result := range execution.StepResults {
		if result.Status == models.StepStatusSucceeded {
			out[result.StepID] = result.Output
		}
	}

	return out
}
