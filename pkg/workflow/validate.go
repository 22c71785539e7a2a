package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/template"
	"github.com/dukex/autoflow/pkg/trigger"
)

// Lookup loads the latest version of a workflow. It returns nil without error when unknown.
type Lookup func(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error)

// ValidateDefinition runs every registration-time check on def: structure, step configs,
// trigger compilation, branch targets, and statically detectable sub-workflow cycles.
// It returns models.ValidationErrors or nil.
func ValidateDefinition(ctx context.Context, def *models.WorkflowDefinition, lookup Lookup, maxDepth int) error {
	var errs models.ValidationErrors

	if err := def.Validate(); err != nil {
		errs = errs.Append("", err)
	}

	for _, spec := range def.Triggers {
		if spec == nil {
			continue
		}

		if _, err := trigger.Compile(def.ID, spec); err != nil {
			errs = errs.Append("triggers."+spec.ID, err)
		}
	}

	for _, step := range def.Steps {
		if step == nil || step.Type != models.StepTypeConditionBranch {
			continue
		}

		errs = append(errs, validateBranch(def, step)...)
	}

	if lookup != nil && def.ID != "" {
		err := checkSubWorkflows(ctx, def, lookup, maxDepth)
		if err != nil && !models.IsValidationError(err) {
			return err
		}

		errs = errs.Append("", err)
	}

	return errs.ErrOrNil()
}

func validateBranch(def *models.WorkflowDefinition, step *models.StepSpec) models.ValidationErrors {
	var errs models.ValidationErrors

	prefix := "steps." + step.ID

	if raw, ok := step.Config["condition"]; ok {
		if _, err := condition.Parse(raw); err != nil {
			errs = errs.Append(prefix, err)
		}
	}

	targets, _ := branchTargets(step)

	for _, id := range append(append([]string{}, targets.Then...), targets.Else...) {
		target, ok := def.StepByID(id)
		if !ok {
			errs = append(errs, &models.ValidationError{Field: prefix + ".config", Reason: fmt.Sprintf("branch target %q does not exist", id)})

			continue
		}

		if target.Order <= step.Order {
			errs = append(errs, &models.ValidationError{
				Field:  prefix + ".config",
				Reason: fmt.Sprintf("branch target %q must run in a later group than the branch", id),
			})
		}
	}

	return errs
}

// checkSubWorkflows follows sub-workflow references with literal ids. A reference back to
// a workflow already on the path is a cycle; a chain deeper than maxDepth can never run.
func checkSubWorkflows(ctx context.Context, root *models.WorkflowDefinition, lookup Lookup, maxDepth int) error {
	var walk func(def *models.WorkflowDefinition, path []string) error

	walk = func(def *models.WorkflowDefinition, path []string) error {
		for _, childID := range subWorkflowRefs(def) {
			chain := append(append([]string{}, path...), childID)

			for _, seen := range path {
				if seen == childID {
					return &models.ValidationError{
						Field:  "steps",
						Reason: "sub-workflow cycle " + strings.Join(chain, " -> "),
					}
				}
			}

			if maxDepth > 0 && len(chain)-1 > maxDepth {
				return &models.ValidationError{
					Field:  "steps",
					Reason: fmt.Sprintf("sub-workflow chain %s exceeds depth %d", strings.Join(chain, " -> "), maxDepth),
				}
			}

			var child *models.WorkflowDefinition

			if childID == root.ID {
				child = root
			} else {
				loaded, err := lookup(ctx, childID)
				if err != nil {
					return fmt.Errorf("failed to load sub-workflow %s: %w", childID, err)
				}

				child = loaded
			}

			if child == nil {
				continue
			}

			if err := walk(child, chain); err != nil {
				return err
			}
		}

		return nil
	}

	return walk(root, []string{root.ID})
}

func subWorkflowRefs(def *models.WorkflowDefinition) []string {
	refs := make([]string, 0)

	for _, step := range def.Steps {
		if step == nil || step.Type != models.StepTypeSubWorkflow {
			continue
		}

		id, ok := step.Config["workflowId"].(string)
		if !ok || id == "" || template.HasTokens(id) {
			continue
		}

		refs = append(refs, id)
	}

	return refs
}
