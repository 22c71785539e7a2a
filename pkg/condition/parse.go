package condition

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/expr-lang/expr"
)

// Parse converts a JSON-like condition tree into a typed AST.
// A nil or empty tree parses to Always. Malformed trees return a *models.ValidationError.
func Parse(raw any) (Node, error) {
	if raw == nil {
		return Always{}, nil
	}

	if m, ok := asMap(raw); ok && len(m) == 0 {
		return Always{}, nil
	}

	return parseNode(raw, "conditions")
}

func parseNode(raw any, path string) (Node, error) {
	node, ok := asMap(raw)
	if !ok {
		return nil, invalid(path, fmt.Sprintf("expected an object, got %T", raw))
	}

	switch {
	case has(node, "and"):
		children, err := parseChildren(node, "and", path)
		if err != nil {
			return nil, err
		}

		return And{Nodes: children}, nil
	case has(node, "or"):
		children, err := parseChildren(node, "or", path)
		if err != nil {
			return nil, err
		}

		return Or{Nodes: children}, nil
	case has(node, "not"):
		if err := onlyKeys(node, path, "not"); err != nil {
			return nil, err
		}

		if _, isList := asList(node["not"]); isList {
			return nil, invalid(path+".not", "not takes exactly one operand")
		}

		child, err := parseNode(node["not"], path+".not")
		if err != nil {
			return nil, err
		}

		return Not{Node: child}, nil
	case has(node, "expr"):
		return parseExpr(node, path)
	default:
		return parseComparison(node, path)
	}
}

func parseChildren(node map[string]any, key, path string) ([]Node, error) {
	if err := onlyKeys(node, path, key); err != nil {
		return nil, err
	}

	items, ok := asList(node[key])
	if !ok {
		return nil, invalid(path+"."+key, "expected a list of conditions")
	}

	if len(items) == 0 {
		return nil, invalid(path+"."+key, "needs at least one operand")
	}

	children := make([]Node, 0, len(items))

	for i, item := range items {
		child, err := parseNode(item, fmt.Sprintf("%s.%s[%d]", path, key, i))
		if err != nil {
			return nil, err
		}

		children = append(children, child)
	}

	return children, nil
}

func parseExpr(node map[string]any, path string) (Node, error) {
	if err := onlyKeys(node, path, "expr"); err != nil {
		return nil, err
	}

	source, ok := node["expr"].(string)
	if !ok || strings.TrimSpace(source) == "" {
		return nil, invalid(path+".expr", "expected a non-empty expression string")
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, invalid(path+".expr", err.Error())
	}

	return Expr{Source: source, program: program}, nil
}

func parseComparison(node map[string]any, path string) (Node, error) {
	opKey := "op"
	if has(node, "operator") {
		opKey = "operator"
	}

	if err := onlyKeys(node, path, "field", opKey, "value"); err != nil {
		return nil, err
	}

	field, ok := node["field"].(string)
	if !ok || strings.TrimSpace(field) == "" {
		return nil, invalid(path+".field", "comparison needs a field path")
	}

	opName, ok := node[opKey].(string)
	if !ok {
		return nil, invalid(path+"."+opKey, "comparison needs an operator")
	}

	op := Operator(strings.ToLower(opName))
	if _, known := operators[op]; !known {
		return nil, invalid(path+"."+opKey, fmt.Sprintf("unknown operator %q", opName))
	}

	value, hasValue := node["value"]
	if !hasValue {
		return nil, invalid(path+".value", "comparison needs a value")
	}

	if op == OpIn {
		if _, isList := asList(value); !isList {
			return nil, invalid(path+".value", "operator in expects a sequence")
		}
	}

	return Comparison{Field: field, Operator: op, Value: value}, nil
}

func onlyKeys(node map[string]any, path string, allowed ...string) error {
	unknown := make([]string, 0)

	for key := range node {
		if !contains(allowed, key) {
			unknown = append(unknown, key)
		}
	}

	if len(unknown) == 0 {
		return nil
	}

	sort.Strings(unknown)

	return invalid(path, "unexpected keys "+strings.Join(unknown, ", "))
}

func has(node map[string]any, key string) bool {
	_, ok := node[key]

	return ok
}

func contains(list []string, key string) bool {
	for _, item := range list {
		if item == key {
			return true
		}
	}

	return false
}

func asMap(raw any) (map[string]any, bool) {
	if m, ok := raw.(map[string]any); ok {
		return m, true
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}

	m := make(map[string]any, rv.Len())
	iter := rv.MapRange()

	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}

	return m, true
}

func asList(raw any) ([]any, bool) {
	if list, ok := raw.([]any); ok {
		return list, true
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}

	return list, true
}

func invalid(field, reason string) *models.ValidationError {
	return &models.ValidationError{Field: field, Reason: reason}
}
