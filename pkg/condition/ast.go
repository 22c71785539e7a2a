// Package condition parses boolean expression trees once, at registration, and evaluates
// them against event or execution context without ever failing at run time.
package condition

import (
	"github.com/expr-lang/expr/vm"
)

// Operator is a comparison operator of a leaf node.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {}, OpContains: {}, OpIn: {},
}

// Node is a parsed condition tree node.
type Node interface {
	eval(ctx map[string]any) bool
	bind(resolve func(any) any) Node
}

// Always is the node of an empty condition; it matches everything.
type Always struct{}

// Comparison compares the value at Field with Value.
type Comparison struct {
	Field    string
	Operator Operator
	Value    any
}

// And holds when every child holds.
type And struct {
	Nodes []Node
}

// Or holds when at least one child holds.
type Or struct {
	Nodes []Node
}

// Not negates its child.
type Not struct {
	Node Node
}

// Expr is a boolean expr-lang expression evaluated with the context as environment.
type Expr struct {
	Source  string
	program *vm.Program
}
