package branch

import (
	"context"
	"testing"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_EvaluatesAgainstContext(t *testing.T) {
	cfg := models.BranchConfig{
		Condition: map[string]any{"field": "steps.classify.category", "op": "eq", "value": "travel"},
		Then:      []string{"approve"},
		Else:      []string{"escalate"},
	}

	h := New(nil)

	out, err := h.Execute(context.Background(), &workflow.StepContext{
		Config: cfg,
		Data:   map[string]any{"steps": map[string]any{"classify": map[string]any{"category": "travel"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])
	assert.Equal(t, []any{"approve"}, out["then"])

	out, err = h.Execute(context.Background(), &workflow.StepContext{Config: cfg, Data: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, false, out["result"], "missing field makes the leaf false")
}

func TestHandler_MalformedConditionFails(t *testing.T) {
	_, err := New(nil).Execute(context.Background(), &workflow.StepContext{
		Config: models.BranchConfig{Condition: map[string]any{"field": "a", "op": "near", "value": 1}, Then: []string{"x"}},
	})
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestHandler_InterpolatedOperandsShareOneCompiledTree(t *testing.T) {
	raw := map[string]any{"field": "amount", "op": "gte", "value": "{{event.data.limit}}"}
	step := &models.StepSpec{ID: "gate", Type: models.StepTypeConditionBranch, Order: 1, Config: map[string]any{
		"condition": raw,
		"then":      []any{"approve"},
	}}

	evaluator := condition.NewEvaluator()
	h := New(evaluator)

	for limit := range 500 {
		data := map[string]any{
			"amount": 250,
			"event":  map[string]any{"data": map[string]any{"limit": limit}},
		}

		out, err := h.Execute(context.Background(), &workflow.StepContext{
			Step: step,
			Config: models.BranchConfig{
				Condition: map[string]any{"field": "amount", "op": "gte", "value": limit},
				Then:      []string{"approve"},
			},
			Data: data,
		})
		require.NoError(t, err)
		assert.Equal(t, limit <= 250, out["result"], "limit %d", limit)
	}

	assert.Equal(t, 1, evaluator.Len())
}
