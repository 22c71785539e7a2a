package condition

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/dukex/autoflow/pkg/fieldpath"
	"github.com/expr-lang/expr"
)

// Evaluate reports whether node holds for ctx. It never panics: a nil node holds,
// and leaves that cannot be evaluated are false.
func Evaluate(node Node, ctx map[string]any) (result bool) {
	if node == nil {
		return true
	}

	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	return node.eval(ctx)
}

func (Always) eval(map[string]any) bool {
	return true
}

func (n And) eval(ctx map[string]any) bool {
	for _, child := range n.Nodes {
		if !child.eval(ctx) {
			return false
		}
	}

	return true
}

func (n Or) eval(ctx map[string]any) bool {
	for _, child := range n.Nodes {
		if child.eval(ctx) {
			return true
		}
	}

	return false
}

func (n Not) eval(ctx map[string]any) bool {
	return !n.Node.eval(ctx)
}

func (n Expr) eval(ctx map[string]any) bool {
	out, err := expr.Run(n.program, ctx)
	if err != nil {
		return false
	}

	b, ok := out.(bool)

	return ok && b
}

func (n Comparison) eval(ctx map[string]any) bool {
	actual, ok := fieldpath.Resolve(ctx, n.Field)
	if !ok {
		return false
	}

	switch n.Operator {
	case OpEq:
		return equal(actual, n.Value)
	case OpNeq:
		return !equal(actual, n.Value)
	case OpGt:
		c, ok := compare(actual, n.Value)

		return ok && c > 0
	case OpGte:
		c, ok := compare(actual, n.Value)

		return ok && c >= 0
	case OpLt:
		c, ok := compare(actual, n.Value)

		return ok && c < 0
	case OpLte:
		c, ok := compare(actual, n.Value)

		return ok && c <= 0
	case OpContains:
		return containsValue(actual, n.Value)
	case OpIn:
		items, ok := asList(n.Value)
		if !ok {
			return false
		}

		for _, item := range items {
			if equal(actual, item) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and strings lexically. Other pairs are incomparable.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}

		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if !aok || !bok {
		return 0, false
	}

	return strings.Compare(as, bs), true
}

func containsValue(container, needle any) bool {
	if s, ok := container.(string); ok {
		sub, ok := needle.(string)

		return ok && strings.Contains(s, sub)
	}

	if items, ok := asList(container); ok {
		for _, item := range items {
			if equal(item, needle) {
				return true
			}
		}

		return false
	}

	if m, ok := asMap(container); ok {
		key, ok := needle.(string)
		if !ok {
			return false
		}

		_, found := m[key]

		return found
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}
