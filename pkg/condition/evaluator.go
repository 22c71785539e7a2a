package condition

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of compiled trees an Evaluator keeps.
const DefaultCacheSize = 1024

// Evaluator parses raw trees on demand and keeps the most recently used compiled forms,
// keyed by the tree's encoding. Callers pass the tree as written in the definition and
// bind run-time operands with Bind, so the key set follows the definitions, not the data.
type Evaluator struct {
	cache *lru.Cache[string, Node]
}

func NewEvaluator() *Evaluator {
	return NewEvaluatorSize(DefaultCacheSize)
}

// NewEvaluatorSize creates an evaluator caching at most size trees.
func NewEvaluatorSize(size int) *Evaluator {
	if size <= 0 {
		size = DefaultCacheSize
	}

	cache, err := lru.New[string, Node](size)
	if err != nil {
		panic(err)
	}

	return &Evaluator{cache: cache}
}

// Compile parses raw, reusing a previous result for an identical tree.
func (e *Evaluator) Compile(raw any) (Node, error) {
	key, err := json.Marshal(raw)
	if err != nil {
		return Parse(raw)
	}

	if node, ok := e.cache.Get(string(key)); ok {
		return node, nil
	}

	node, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	e.cache.Add(string(key), node)

	return node, nil
}

// Evaluate compiles raw and evaluates it against ctx. Only a malformed tree returns an error.
func (e *Evaluator) Evaluate(raw any, ctx map[string]any) (bool, error) {
	node, err := e.Compile(raw)
	if err != nil {
		return false, err
	}

	return Evaluate(node, ctx), nil
}

// Len is the number of cached trees.
func (e *Evaluator) Len() int {
	return e.cache.Len()
}
