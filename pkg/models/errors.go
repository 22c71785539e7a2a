package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation matches every ValidationError and ValidationErrors value through errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrTimeout matches every TimeoutError through errors.Is.
	ErrTimeout = errors.New("timeout")
)

// ValidationError reports a malformed trigger, step or condition definition.
// It is only produced at registration time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}

	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// WithPrefix returns a copy whose field is nested under prefix.
func (e *ValidationError) WithPrefix(prefix string) *ValidationError {
	if prefix == "" {
		return &ValidationError{Field: e.Field, Reason: e.Reason}
	}

	field := prefix
	if e.Field != "" {
		field = prefix + "." + e.Field
	}

	return &ValidationError{Field: field, Reason: e.Reason}
}

// ValidationErrors collects several validation failures of one definition.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}

	return strings.Join(messages, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// Append adds err (a ValidationError, ValidationErrors or plain error) under prefix.
func (e ValidationErrors) Append(prefix string, err error) ValidationErrors {
	if err == nil {
		return e
	}

	var many ValidationErrors
	if errors.As(err, &many) {
		for _, item := range many {
			e = append(e, item.WithPrefix(prefix))
		}

		return e
	}

	var single *ValidationError
	if errors.As(err, &single) {
		return append(e, single.WithPrefix(prefix))
	}

	return append(e, &ValidationError{Field: prefix, Reason: err.Error()})
}

// ErrOrNil returns nil for an empty collection.
func (e ValidationErrors) ErrOrNil() error {
	if len(e) == 0 {
		return nil
	}

	return e
}

// IsValidationError checks if an error is a registration-time validation error.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// TriggerEvaluationError means one trigger could not evaluate an event.
// The event is dropped for that trigger only.
type TriggerEvaluationError struct {
	TriggerID string
	EventID   string
	Err       error
}

func (e *TriggerEvaluationError) Error() string {
	return fmt.Sprintf("trigger %s failed to evaluate event %s: %v", e.TriggerID, e.EventID, e.Err)
}

func (e *TriggerEvaluationError) Unwrap() error {
	return e.Err
}

// StepExecutionError wraps a step handler failure. It is recorded on the StepResult.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// DeliveryError is a transport or HTTP failure of one delivery attempt.
type DeliveryError struct {
	DeliveryID string
	StatusCode int // zero for network failures
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery %s rejected with HTTP %d: %v", e.DeliveryID, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("delivery %s failed: %v", e.DeliveryID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a step or an execution exceeded its time budget.
type TimeoutError struct {
	Scope string // "step" or "execution"
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded its time budget of %s", e.Scope, e.Limit)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
