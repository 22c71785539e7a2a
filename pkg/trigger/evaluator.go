package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/fieldpath"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrTriggerInactive = errors.New("trigger is not active")
	ErrNotManual       = errors.New("trigger is not a manual trigger")
	ErrConditionFalse  = errors.New("trigger conditions do not hold")
)

// Match is one trigger that fired for an event.
type Match struct {
	Trigger    models.TriggerSpec
	WorkflowID string

	// Data is the filtered projection of the event data handed to the runner.
	Data map[string]any
}

type Evaluator struct {
	registry *Registry
	logger   *slog.Logger
}

func NewEvaluator(registry *Registry, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		registry: registry,
		logger:   logger.With("module", "trigger_evaluator"),
	}
}

// MatchTriggers returns every active trigger of event's type whose conditions hold.
// A trigger that cannot evaluate the event is logged and skipped without affecting the others.
// Schedule triggers are driven by the ticker and never match events.
func (e *Evaluator) MatchTriggers(ctx context.Context, event models.Event) []Match {
	if event.EventType == models.TriggerEventSchedule {
		return nil
	}

	candidates := e.registry.Active(event.EventType)
	matches := make([]Match, 0, len(candidates))
	evalCtx := event.Context()

	for _, c := range candidates {
		if c.Spec.IsWebhook() && c.Spec.WebhookURL != NormalizePath(event.Path) {
			continue
		}

		ok, err := e.evaluate(c, event, evalCtx)
		if err != nil {
			evalErr := &models.TriggerEvaluationError{TriggerID: c.Spec.ID, EventID: event.EventID, Err: err}
			e.logger.WarnContext(ctx, "Dropping event for trigger",
				"trigger_id", c.Spec.ID,
				"workflow_id", c.WorkflowID,
				"event_type", event.EventType,
				"error", evalErr)

			continue
		}

		if !ok {
			continue
		}

		matches = append(matches, Match{Trigger: c.Spec, WorkflowID: c.WorkflowID, Data: project(event.Data, c.Spec.Filters)})
	}

	e.logger.DebugContext(ctx, "Matched triggers", "event_type", event.EventType, "event_id", event.EventID, "matches", len(matches))

	return matches
}

// Manual fires the manual trigger triggerID with event. Conditions and payload schema still apply.
func (e *Evaluator) Manual(ctx context.Context, triggerID string, event models.Event) (Match, error) {
	c, ok := e.registry.Get(triggerID)
	if !ok {
		return Match{}, fmt.Errorf("%w: %s", ErrTriggerNotFound, triggerID)
	}

	if c.Spec.EventType != models.TriggerEventManual {
		return Match{}, fmt.Errorf("%w: %s", ErrNotManual, triggerID)
	}

	if !c.Active() {
		return Match{}, fmt.Errorf("%w: %s", ErrTriggerInactive, triggerID)
	}

	event.EventType = models.TriggerEventManual

	holds, err := e.evaluate(c, event, event.Context())
	if err != nil {
		return Match{}, &models.TriggerEvaluationError{TriggerID: triggerID, EventID: event.EventID, Err: err}
	}

	if !holds {
		return Match{}, ErrConditionFalse
	}

	e.logger.InfoContext(ctx, "Manual trigger fired", "trigger_id", triggerID, "workflow_id", c.WorkflowID)

	return Match{Trigger: c.Spec, WorkflowID: c.WorkflowID, Data: project(event.Data, c.Spec.Filters)}, nil
}

func (e *Evaluator) evaluate(c *Compiled, event models.Event, evalCtx map[string]any) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, err = false, fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	if c.schema != nil {
		if err := validatePayload(c.schema, event.Data); err != nil {
			return false, err
		}
	}

	return condition.Evaluate(c.condition, evalCtx), nil
}

func validatePayload(schema *gojsonschema.Schema, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return err
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("payload does not match schema: %s", strings.Join(descriptions, "; "))
	}

	return nil
}

func project(data map[string]any, filters []string) map[string]any {
	if len(filters) == 0 {
		return maps.Clone(data)
	}

	return fieldpath.Project(data, filters)
}
