// Package models defines the core domain models for trigger-driven workflow automation.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// FailurePolicy decides what the runner does after a step group with a failed step.
type FailurePolicy string

const (
	FailurePolicyContinue FailurePolicy = "continue" // Record the failure, keep running later groups
	FailurePolicyHalt     FailurePolicy = "halt"     // Abort the run, skip remaining groups
)

// WorkflowDefinition is an ordered plan of steps plus the triggers that start it.
// Definitions are immutable once stored; updates create a new version.
type WorkflowDefinition struct {
	ID          string          `json:"id"                    yaml:"id"`
	Name        string          `json:"name"                  yaml:"name"                  validate:"required,min=3"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*StepSpec     `json:"steps"                 yaml:"steps"                 validate:"required,min=1,dive"`
	Triggers    []*TriggerSpec  `json:"triggers"              yaml:"triggers"              validate:"dive"`
	Variables   map[string]any  `json:"variables,omitempty"   yaml:"variables,omitempty"`
	Policy      ExecutionPolicy `json:"policy"                yaml:"policy"`
	Active      bool            `json:"active"                yaml:"active"`
	Version     int             `json:"version"               yaml:"version"`
	CreatedAt   time.Time       `json:"created_at"            yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at"            yaml:"-"`
}

// ExecutionPolicy carries per-workflow execution limits.
type ExecutionPolicy struct {
	OnStepFailure  FailurePolicy `json:"on_step_failure,omitempty" yaml:"on_step_failure,omitempty" validate:"omitempty,oneof=continue halt"`
	Timeout        Duration      `json:"timeout,omitempty"         yaml:"timeout,omitempty"`
	MaxParallelism int           `json:"max_parallelism,omitempty" yaml:"max_parallelism,omitempty" validate:"omitempty,min=1"`
}

// HaltOnStepFailure reports whether a failed step aborts the run.
func (p ExecutionPolicy) HaltOnStepFailure() bool {
	return p.OnStepFailure == FailurePolicyHalt
}

// StepByID returns the step with the given id.
func (w *WorkflowDefinition) StepByID(id string) (*StepSpec, bool) {
	for _, step := range w.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// StepGroup is the set of steps sharing one order value. Steps of a group run concurrently.
type StepGroup struct {
	Order int
	Steps []*StepSpec
}

// Groups returns the steps grouped by Order, ascending. Declaration order is kept inside a group.
func (w *WorkflowDefinition) Groups() []StepGroup {
	byOrder := make(map[int][]*StepSpec)
	orders := make([]int, 0)

	for _, step := range w.Steps {
		if _, seen := byOrder[step.Order]; !seen {
			orders = append(orders, step.Order)
		}

		byOrder[step.Order] = append(byOrder[step.Order], step)
	}

	sort.Ints(orders)

	groups := make([]StepGroup, 0, len(orders))
	for _, order := range orders {
		groups = append(groups, StepGroup{Order: order, Steps: byOrder[order]})
	}

	return groups
}

// MarkParallel derives the informational Parallel flag from the grouping.
func (w *WorkflowDefinition) MarkParallel() {
	for _, group := range w.Groups() {
		for _, step := range group.Steps {
			step.Parallel = len(group.Steps) > 1
		}
	}
}

// Duration is a time.Duration encoded as a Go duration string ("30s", "5m").
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}

	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "", nil
	}

	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}

	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if v == "" {
			*d = 0

			return nil
		}

		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}

		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}

	return nil
}
