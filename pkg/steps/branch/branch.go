// Package branch implements the condition-branch step.
package branch

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/template"
	"github.com/dukex/autoflow/pkg/workflow"
)

// Handler evaluates the branch condition against the execution context. The runner
// reads the result to skip the arm that was not taken.
type Handler struct {
	evaluator *condition.Evaluator
}

func New(evaluator *condition.Evaluator) *Handler {
	if evaluator == nil {
		evaluator = condition.NewEvaluator()
	}

	return &Handler{evaluator: evaluator}
}

func (h *Handler) Execute(_ context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.BranchConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	result, err := h.evaluate(sc, cfg)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"result": result,
		"then":   toAny(cfg.Then),
		"else":   toAny(cfg.Else),
	}, nil
}

// evaluate compiles the condition as written in the definition. Operands are
// interpolated per run on a bound copy of the compiled tree.
func (h *Handler) evaluate(sc *workflow.StepContext, cfg models.BranchConfig) (bool, error) {
	var raw any
	if sc.Step != nil {
		raw = sc.Step.Config["condition"]
	}

	if raw == nil {
		return h.evaluator.Evaluate(cfg.Condition, sc.Data)
	}

	node, err := h.evaluator.Compile(raw)
	if err != nil {
		return false, err
	}

	interpolator := template.NewInterpolator(sc.Logger)
	bound := condition.Bind(node, func(v any) any {
		return interpolator.InterpolateValue(v, sc.Data)
	})

	return condition.Evaluate(bound, sc.Data), nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}

	return out
}
