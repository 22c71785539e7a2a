package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs the `validate` struct tags and converts failures into ValidationErrors.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return &ValidationError{Reason: err.Error()}
	}

	result := make(ValidationErrors, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		result = append(result, &ValidationError{
			Field:  fieldErr.Namespace(),
			Reason: fmt.Sprintf("failed on the '%s' rule", fieldErr.Tag()),
		})
	}

	return result
}

// Validate checks the structure of a definition: struct tags, unique ids and step config shapes.
// Semantic checks that need other packages (conditions, cron, cycles) live in the workflow package.
func (w *WorkflowDefinition) Validate() error {
	var errs ValidationErrors

	if err := ValidateStruct(w); err != nil {
		errs = errs.Append("workflow", err)
	}

	stepIDs := make(map[string]struct{}, len(w.Steps))

	for i, step := range w.Steps {
		if step == nil {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Reason: "step is empty"})

			continue
		}

		if _, dup := stepIDs[step.ID]; dup {
			errs = append(errs, &ValidationError{Field: "steps." + step.ID, Reason: "duplicate step id"})
		}

		stepIDs[step.ID] = struct{}{}

		if _, err := DecodeStepConfig(step.Type, step.Config); err != nil {
			errs = errs.Append("steps."+step.ID, err)
		}
	}

	triggerIDs := make(map[string]struct{}, len(w.Triggers))

	for i, trigger := range w.Triggers {
		if trigger == nil {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("triggers[%d]", i), Reason: "trigger is empty"})

			continue
		}

		if _, dup := triggerIDs[trigger.ID]; dup {
			errs = append(errs, &ValidationError{Field: "triggers." + trigger.ID, Reason: "duplicate trigger id"})
		}

		triggerIDs[trigger.ID] = struct{}{}
	}

	return errs.ErrOrNil()
}
