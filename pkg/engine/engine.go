// Package engine glues event sources to workflow runs: it evaluates triggers for every
// incoming event and starts one execution per match.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/dukex/autoflow/pkg/trigger"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/google/uuid"
)

var (
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrShuttingDown     = errors.New("engine shutting down")
)

// Store is the persistence the engine reads definitions from and records new executions in.
type Store interface {
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
}

type Engine struct {
	registry  *trigger.Registry
	evaluator *trigger.Evaluator
	runner    *workflow.Runner
	store     Store
	publisher eventbus.Publisher
	logger    *slog.Logger

	// runs outlive the request or message that started them and stop only on Close.
	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup
}

// New builds an engine. publisher may be nil, in which case Submit handles events inline.
func New(
	registry *trigger.Registry,
	runner *workflow.Runner,
	store Store,
	publisher eventbus.Publisher,
	logger *slog.Logger,
) *Engine {
	ctx, stop := context.WithCancelCause(context.Background())

	return &Engine{
		registry:  registry,
		evaluator: trigger.NewEvaluator(registry, logger),
		runner:    runner,
		store:     store,
		publisher: publisher,
		logger:    logger.With("module", "engine"),
		ctx:       ctx,
		stop:      stop,
	}
}

// Load registers the triggers of every stored active workflow. Workflows whose triggers no
// longer compile are logged and skipped.
func (e *Engine) Load(ctx context.Context) error {
	defs, err := e.store.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, def := range defs {
		if err := e.Register(def); err != nil {
			e.logger.ErrorContext(ctx, "Skipping workflow with invalid triggers", "workflow_id", def.ID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "Loaded workflows", "workflows", len(defs), "triggers", e.registry.Len())

	return nil
}

// Register makes the registry reflect def: its triggers when active, none otherwise.
func (e *Engine) Register(def *models.WorkflowDefinition) error {
	if !def.Active {
		e.registry.Deregister(def.ID)

		return nil
	}

	return e.registry.Replace(def.ID, def.Triggers)
}

func (e *Engine) Deregister(workflowID string) {
	e.registry.Deregister(workflowID)
}

// Registry exposes the trigger registry for trigger level toggles.
func (e *Engine) Registry() *trigger.Registry {
	return e.registry
}

// Submit hands a domain event to the bus, or evaluates it directly when there is no bus.
func (e *Engine) Submit(ctx context.Context, event models.Event) error {
	stampEvent(&event)

	if e.publisher == nil {
		_, err := e.HandleEvent(ctx, event)

		return err
	}

	return e.publisher.Publish(ctx, event)
}

// Subscribe consumes the bus until ctx is done.
func (e *Engine) Subscribe(ctx context.Context, subscriber eventbus.Subscriber) error {
	return subscriber.Subscribe(ctx, func(ctx context.Context, event models.Event) error {
		if _, err := e.HandleEvent(ctx, event); err != nil {
			e.logger.ErrorContext(ctx, "Failed to handle event", "event_type", event.EventType, "event_id", event.EventID, "error", err)
		}

		return nil
	})
}

// HandleEvent starts one execution per matching trigger and returns them still pending.
// The runs continue in the background; Wait blocks until they finish.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) ([]*models.WorkflowExecution, error) {
	stampEvent(&event)

	matches := e.evaluator.MatchTriggers(ctx, event)
	started := make([]*models.WorkflowExecution, 0, len(matches))

	var errs []error

	for _, match := range matches {
		execution, err := e.start(ctx, match.WorkflowID, match.Trigger.ID, event, match.Data)
		if err != nil {
			e.logger.WarnContext(ctx, "Matched trigger did not start",
				"trigger_id", match.Trigger.ID,
				"workflow_id", match.WorkflowID,
				"event_id", event.EventID,
				"error", err)

			if !errors.Is(err, ErrWorkflowInactive) {
				errs = append(errs, err)
			}

			continue
		}

		started = append(started, execution)
	}

	return started, errors.Join(errs...)
}

// FireSchedule starts the workflow of a due schedule entry. It matches schedule.FireFunc.
func (e *Engine) FireSchedule(ctx context.Context, entry schedule.Entry, minute time.Time) {
	event := models.Event{
		EventType: models.TriggerEventSchedule,
		EventID:   entry.TriggerID + "@" + minute.UTC().Format(time.RFC3339),
		Timestamp: minute.UTC(),
		Data:      map[string]any{"scheduledAt": minute.UTC().Format(time.RFC3339)},
	}

	if _, err := e.start(ctx, entry.WorkflowID, entry.TriggerID, event, event.Data); err != nil {
		e.logger.ErrorContext(ctx, "Scheduled run did not start", "trigger_id", entry.TriggerID, "workflow_id", entry.WorkflowID, "error", err)
	}
}

// RunTrigger fires a manual trigger with data.
func (e *Engine) RunTrigger(ctx context.Context, triggerID string, data map[string]any) (*models.WorkflowExecution, error) {
	event := models.Event{EventType: models.TriggerEventManual, Data: data}
	stampEvent(&event)

	match, err := e.evaluator.Manual(ctx, triggerID, event)
	if err != nil {
		return nil, err
	}

	return e.start(ctx, match.WorkflowID, triggerID, event, match.Data)
}

// RunWorkflow starts workflowID directly with data, outside of any trigger.
func (e *Engine) RunWorkflow(ctx context.Context, workflowID string, data map[string]any) (*models.WorkflowExecution, error) {
	event := models.Event{EventType: models.TriggerEventManual, Data: data}
	stampEvent(&event)

	return e.start(ctx, workflowID, "", event, data)
}

// Cancel stops a running execution before its next group.
func (e *Engine) Cancel(executionID string) bool {
	return e.runner.Cancel(executionID)
}

// Wait blocks until every started run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels the runs still in flight and waits for them to record their outcome.
func (e *Engine) Close() {
	e.stop(ErrShuttingDown)
	e.wg.Wait()
}

func (e *Engine) start(
	ctx context.Context,
	workflowID, triggerID string,
	event models.Event,
	data map[string]any,
) (*models.WorkflowExecution, error) {
	def, err := e.store.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !def.Active {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowInactive, workflowID)
	}

	execution := e.runner.NewExecution(def, triggerID, event)

	if err := e.store.SaveExecution(ctx, execution.Clone()); err != nil {
		e.runner.Release(execution.ID)

		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	pending := execution.Clone()

	e.logger.InfoContext(ctx, "Starting workflow",
		"workflow_id", def.ID,
		"version", def.Version,
		"trigger_id", triggerID,
		"event_id", event.EventID,
		"execution_id", execution.ID)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.runner.Run(e.ctx, def, execution, event, data)
	}()

	return pending, nil
}

func stampEvent(event *models.Event) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}
