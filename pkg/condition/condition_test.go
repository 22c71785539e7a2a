package condition_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) condition.Node {
	t.Helper()

	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))

	node, err := condition.Parse(tree)
	require.NoError(t, err)

	return node
}

func TestEvaluate_AndOfComparisons(t *testing.T) {
	t.Parallel()

	node := mustParse(t, `{"and":[
		{"field":"amount","op":"gt","value":100},
		{"field":"status","op":"eq","value":"pending"}
	]}`)

	assert.True(t, condition.Evaluate(node, map[string]any{"amount": 150, "status": "pending"}))
	assert.False(t, condition.Evaluate(node, map[string]any{"amount": 150, "status": "approved"}))
}

func TestEvaluate_Operators(t *testing.T) {
	t.Parallel()

	ctx := map[string]any{
		"amount":   150.5,
		"count":    int64(3),
		"name":     "invoice-42",
		"tags":     []any{"urgent", "vip"},
		"customer": map[string]any{"tier": "gold", "address": map[string]any{"country": "BR"}},
		"items":    []any{map[string]any{"sku": "A1"}},
	}

	tests := []struct {
		name     string
		tree     string
		expected bool
	}{
		{"eq number across kinds", `{"field":"count","op":"eq","value":3}`, true},
		{"neq string", `{"field":"name","op":"neq","value":"other"}`, true},
		{"gte equal", `{"field":"amount","op":"gte","value":150.5}`, true},
		{"lt false", `{"field":"amount","op":"lt","value":100}`, false},
		{"lte true", `{"field":"count","operator":"lte","value":3}`, true},
		{"string ordering", `{"field":"name","op":"gt","value":"invoice-1"}`, true},
		{"contains substring", `{"field":"name","op":"contains","value":"42"}`, true},
		{"contains sequence member", `{"field":"tags","op":"contains","value":"vip"}`, true},
		{"contains missing member", `{"field":"tags","op":"contains","value":"cold"}`, false},
		{"in sequence", `{"field":"customer.tier","op":"in","value":["gold","platinum"]}`, true},
		{"in sequence miss", `{"field":"customer.tier","op":"in","value":["silver"]}`, false},
		{"nested path", `{"field":"customer.address.country","op":"eq","value":"BR"}`, true},
		{"slice index path", `{"field":"items.0.sku","op":"eq","value":"A1"}`, true},
		{"missing field is false", `{"field":"missing","op":"eq","value":1}`, false},
		{"missing field neq is false", `{"field":"missing","op":"neq","value":1}`, false},
		{"incomparable types are false", `{"field":"name","op":"gt","value":10}`, false},
		{"or", `{"or":[{"field":"amount","op":"lt","value":1},{"field":"name","op":"eq","value":"invoice-42"}]}`, true},
		{"not", `{"not":{"field":"amount","op":"lt","value":1}}`, true},
		{"expr leaf", `{"expr":"amount > 100 && customer.tier == \"gold\""}`, true},
		{"expr on missing variable is false", `{"expr":"missing > 100"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			node := mustParse(t, tt.tree)
			assert.Equal(t, tt.expected, condition.Evaluate(node, ctx))
		})
	}
}

func TestParse_EmptyTreeAlwaysMatches(t *testing.T) {
	t.Parallel()

	node, err := condition.Parse(nil)
	require.NoError(t, err)
	assert.True(t, condition.Evaluate(node, nil))

	node, err = condition.Parse(map[string]any{})
	require.NoError(t, err)
	assert.True(t, condition.Evaluate(node, map[string]any{"a": 1}))
}

func TestParse_RejectsMalformedTrees(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tree  string
		field string
	}{
		{"unknown operator", `{"field":"a","op":"like","value":1}`, "conditions.op"},
		{"missing field", `{"op":"eq","value":1}`, "conditions.field"},
		{"missing value", `{"field":"a","op":"eq"}`, "conditions.value"},
		{"in without sequence", `{"field":"a","op":"in","value":"x"}`, "conditions.value"},
		{"empty and", `{"and":[]}`, "conditions.and"},
		{"and not a list", `{"and":{"field":"a","op":"eq","value":1}}`, "conditions.and"},
		{"not with list", `{"not":[{"field":"a","op":"eq","value":1}]}`, "conditions.not"},
		{"mixed combinators", `{"and":[{"field":"a","op":"eq","value":1}],"or":[]}`, "conditions"},
		{"nested error path", `{"or":[{"field":"a","op":"eq","value":1},{"field":"b","op":"bogus","value":1}]}`, "conditions.or[1].op"},
		{"bad expr", `{"expr":"amount >"}`, "conditions.expr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var tree map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.tree), &tree))

			_, err := condition.Parse(tree)
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err))

			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestEvaluate_NilNodeHolds(t *testing.T) {
	t.Parallel()

	assert.True(t, condition.Evaluate(nil, map[string]any{}))
}

func TestEvaluator_CachesCompiledTrees(t *testing.T) {
	t.Parallel()

	evaluator := condition.NewEvaluator()
	tree := map[string]any{"field": "amount", "op": "gt", "value": 1000}

	first, err := evaluator.Compile(tree)
	require.NoError(t, err)

	second, err := evaluator.Compile(map[string]any{"value": 1000, "op": "gt", "field": "amount"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	ok, err := evaluator.Evaluate(tree, map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluator.Evaluate(tree, map[string]any{"amount": 500})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = evaluator.Evaluate(map[string]any{"field": "amount", "op": "like", "value": 1}, nil)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestEvaluator_CacheIsBounded(t *testing.T) {
	t.Parallel()

	evaluator := condition.NewEvaluatorSize(16)

	for i := range 1000 {
		ok, err := evaluator.Evaluate(map[string]any{"field": "amount", "op": "gt", "value": float64(i)}, map[string]any{"amount": 500})
		require.NoError(t, err)
		assert.Equal(t, i < 500, ok)
	}

	assert.Equal(t, 16, evaluator.Len())
}

func TestBind(t *testing.T) {
	t.Parallel()

	node := mustParse(t, `{"and": [
		{"field": "amount", "op": "gte", "value": "{{limit}}"},
		{"not": {"field": "status", "op": "eq", "value": "{{blocked}}"}},
		{"expr": "amount > 0"}
	]}`)

	values := map[string]any{"{{limit}}": 100, "{{blocked}}": "void"}
	bound := condition.Bind(node, func(v any) any {
		if s, ok := v.(string); ok {
			if resolved, found := values[s]; found {
				return resolved
			}
		}

		return v
	})

	assert.True(t, condition.Evaluate(bound, map[string]any{"amount": 150, "status": "open"}))
	assert.False(t, condition.Evaluate(bound, map[string]any{"amount": 50, "status": "open"}))
	assert.False(t, condition.Evaluate(bound, map[string]any{"amount": 150, "status": "void"}))

	assert.False(t, condition.Evaluate(node, map[string]any{"amount": 150, "status": "open"}),
		"the original tree keeps its unbound operands")
	assert.Nil(t, condition.Bind(nil, func(v any) any { return v }))
}
