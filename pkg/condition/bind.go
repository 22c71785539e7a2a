package condition

// Bind returns a copy of node whose comparison operands are replaced by resolve(value).
// Fields, operators and expr sources are kept. node itself is not modified, so a cached
// tree can be bound once per evaluation.
func Bind(node Node, resolve func(any) any) Node {
	if node == nil || resolve == nil {
		return node
	}

	return node.bind(resolve)
}

func (n Always) bind(func(any) any) Node {
	return n
}

func (n Expr) bind(func(any) any) Node {
	return n
}

func (n Comparison) bind(resolve func(any) any) Node {
	n.Value = resolve(n.Value)

	return n
}

func (n Not) bind(resolve func(any) any) Node {
	return Not{Node: n.Node.bind(resolve)}
}

func (n And) bind(resolve func(any) any) Node {
	return And{Nodes: bindAll(n.Nodes, resolve)}
}

func (n Or) bind(resolve func(any) any) Node {
	return Or{Nodes: bindAll(n.Nodes, resolve)}
}

func bindAll(nodes []Node, resolve func(any) any) []Node {
	out := make([]Node, len(nodes))
	for i, child := range nodes {
		out[i] = child.bind(resolve)
	}

	return out
}
