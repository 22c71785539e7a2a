package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrWorkflowVersionExists  = errors.New("workflow version already exists")
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrDeliveryNotFound       = errors.New("delivery not found")
	ErrDeliveryAlreadyCreated = errors.New("delivery already exists")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "WorkflowByID", "SaveWorkflowVersion")
	WorkflowID string
	Version    int // zero when the operation is not version specific
	Err        error
}

func (e *WorkflowError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for workflow %s version %d: %v", e.Op, e.WorkflowID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

func NewWorkflowVersionError(op, workflowID string, version int, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Version: version, Err: err}
}

// RecordError wraps errors about executions, subscriptions and deliveries.
type RecordError struct {
	Op   string
	Kind string // "execution", "subscription" or "delivery"
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "execution", ID: id, Err: err}
}

func NewSubscriptionError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "subscription", ID: id, Err: err}
}

func NewDeliveryError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "delivery", ID: id, Err: err}
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsSubscriptionNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound)
}

func IsDeliveryNotFound(err error) bool {
	return errors.Is(err, ErrDeliveryNotFound)
}

// IsNotFound matches any of the not found errors.
func IsNotFound(err error) bool {
	return IsWorkflowNotFound(err) || IsExecutionNotFound(err) || IsSubscriptionNotFound(err) || IsDeliveryNotFound(err)
}
