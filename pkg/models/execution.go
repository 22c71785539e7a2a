package models

import "time"

// ExecutionStatus represents the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the outcome of one step.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// WorkflowExecution is one run of a workflow version, mutated only by the runner.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	WorkflowVersion   int             `json:"workflow_version"`
	TriggerID         string          `json:"trigger_id"`
	EventID           string          `json:"event_id,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	Depth             int             `json:"depth"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	StepResults       []*StepResult   `json:"step_results"`
	Error             string          `json:"error,omitempty"`
}

// Result returns the recorded result of a step.
func (e *WorkflowExecution) Result(stepID string) (*StepResult, bool) {
	for _, result := range e.StepResults {
		if result.StepID == stepID {
			return result, true
		}
	}

	return nil, false
}

// Clone returns a copy safe to hand to readers while the runner keeps mutating the original.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	clone := *e
	clone.StepResults = make([]*StepResult, len(e.StepResults))

	for i, result := range e.StepResults {
		r := *result
		clone.StepResults[i] = &r
	}

	if e.FinishedAt != nil {
		finished := *e.FinishedAt
		clone.FinishedAt = &finished
	}

	return &clone
}

// StepResult is the outcome of one step; there is at most one per step id.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}
