// Package workflow runs workflow definitions group by group and records their executions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoHandler        = errors.New("no handler registered for step type")
	ErrMaxDepthExceeded = errors.New("sub-workflow depth limit exceeded")
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrAborted          = errors.New("execution aborted")
)

// Runner executes workflow definitions. It is safe for concurrent use; every
// execution owns its own state and only the cancel flags are shared.
type Runner struct {
	workflows    WorkflowStore
	executions   ExecutionStore
	interpolator *template.Interpolator
	logger       *slog.Logger
	tracer       trace.Tracer
	publisher    eventbus.Publisher

	maxParallelism   int
	executionTimeout time.Duration
	stepTimeout      time.Duration
	maxDepth         int

	handlersMu sync.RWMutex
	handlers   map[models.StepType]Handler

	runningMu sync.Mutex
	running   map[string]*atomic.Bool
}

func NewRunner(
	workflows WorkflowStore,
	executions ExecutionStore,
	handlers map[models.StepType]Handler,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	r := &Runner{
		workflows:        workflows,
		executions:       executions,
		interpolator:     template.NewInterpolator(logger),
		logger:           logger.With("module", "workflow_runner"),
		tracer:           otelhelper.Tracer(),
		maxParallelism:   DefaultMaxParallelism,
		executionTimeout: DefaultExecutionTimeout,
		maxDepth:         DefaultMaxDepth,
		handlers:         make(map[models.StepType]Handler, len(handlers)),
		running:          make(map[string]*atomic.Bool),
	}

	maps.Copy(r.handlers, handlers)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Handle registers h for stepType, replacing any previous handler.
// Handlers that need the runner itself (sub-workflows) are registered this way.
func (r *Runner) Handle(stepType models.StepType, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()

	r.handlers[stepType] = h
}

// MaxDepth returns the configured sub-workflow nesting limit.
func (r *Runner) MaxDepth() int {
	return r.maxDepth
}

// NewExecution creates a pending execution for def and makes it cancellable.
// The caller must pass it to Run.
func (r *Runner) NewExecution(def *models.WorkflowDefinition, triggerID string, event models.Event) *models.WorkflowExecution {
	execution := &models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TriggerID:       triggerID,
		EventID:         event.EventID,
		Status:          models.ExecutionStatusPending,
		StartedAt:       time.Now().UTC(),
		StepResults:     make([]*models.StepResult, 0, len(def.Steps)),
	}

	r.runningMu.Lock()
	r.running[execution.ID] = &atomic.Bool{}
	r.runningMu.Unlock()

	return execution
}

// Execute creates and runs an execution in the calling goroutine.
func (r *Runner) Execute(
	ctx context.Context,
	def *models.WorkflowDefinition,
	triggerID string,
	event models.Event,
	data map[string]any,
) *models.WorkflowExecution {
	return r.Run(ctx, def, r.NewExecution(def, triggerID, event), event, data)
}

// Cancel asks a running execution to stop before its next group.
// It reports false when the execution is unknown or already finished.
func (r *Runner) Cancel(executionID string) bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	flag, ok := r.running[executionID]
	if !ok {
		return false
	}

	flag.Store(true)

	return true
}

func (r *Runner) cancelled(executionID string) bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	flag, ok := r.running[executionID]

	return ok && flag.Load()
}

// Release forgets an execution created by NewExecution that will never be run.
func (r *Runner) Release(executionID string) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	delete(r.running, executionID)
}

// Run drives execution through def's step groups until it reaches a terminal state.
// It never returns an error: failures are recorded on the execution.
func (r *Runner) Run(
	ctx context.Context,
	def *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
	event models.Event,
	data map[string]any,
) *models.WorkflowExecution {
	defer r.Release(execution.ID)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, def.ID),
		attribute.Int(otelhelper.WorkflowVersionKey, def.Version),
		attribute.String(otelhelper.TriggerIDKey, execution.TriggerID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.EventIDKey, event.EventID),
	)
	defer span.End()

	logger := r.logger.With(
		"workflow_id", def.ID,
		"workflow_version", def.Version,
		"execution_id", execution.ID,
		"trigger_id", execution.TriggerID,
	)

	timeout := r.executionTimeout
	if def.Policy.Timeout > 0 {
		timeout = def.Policy.Timeout.Std()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execution.Status = models.ExecutionStatusRunning
	r.save(ctx, logger, execution)

	logger.InfoContext(ctx, "Starting workflow execution")

	state := r.initialContext(def, execution, event, data)
	gated := make(map[string]string)
	groups := def.Groups()

	var (
		stopped   bool
		failedErr error
	)

	for i, group := range groups {
		if r.cancelled(execution.ID) {
			logger.InfoContext(ctx, "Execution cancelled, skipping remaining groups", "next_order", group.Order)
			skipGroups(execution, groups[i:], "execution cancelled")

			execution.Status = models.ExecutionStatusCancelled
			stopped = true

			break
		}

		if runCtx.Err() != nil {
			err := interruption(runCtx, timeout)
			logger.WarnContext(ctx, "Execution interrupted", "next_order", group.Order, "error", err)
			skipGroups(execution, groups[i:], err.Error())

			execution.Status = models.ExecutionStatusFailed
			execution.Error = err.Error()
			stopped = true

			break
		}

		results := r.runGroup(runCtx, logger, def, execution, group, cloneMap(state), gated, timeout)

		steps := state["steps"].(map[string]any)

		for _, result := range results {
			execution.StepResults = append(execution.StepResults, result)

			if result.Status == models.StepStatusSucceeded {
				steps[result.StepID] = stepOutput(result.Output)
			}

			if result.Status == models.StepStatusFailed && failedErr == nil {
				failedErr = errors.New(result.Error)
			}
		}

		gateBranches(group, results, gated)
		r.save(ctx, logger, execution)

		if failedErr != nil && def.Policy.HaltOnStepFailure() {
			logger.WarnContext(ctx, "Step failed under halt policy, skipping remaining groups", "error", failedErr)
			skipGroups(execution, groups[i+1:], "halted after step failure")

			execution.Status = models.ExecutionStatusFailed
			execution.Error = failedErr.Error()
			stopped = true

			break
		}
	}

	if !stopped {
		switch {
		case runCtx.Err() != nil:
			execution.Status = models.ExecutionStatusFailed
			execution.Error = interruption(runCtx, timeout).Error()
		case failedErr != nil:
			execution.Status = models.ExecutionStatusFailed
			execution.Error = failedErr.Error()
		default:
			execution.Status = models.ExecutionStatusSucceeded
		}
	}

	finished := time.Now().UTC()
	execution.FinishedAt = &finished

	r.save(ctx, logger, execution)

	if execution.Status != models.ExecutionStatusSucceeded {
		otelhelper.SetError(span, errors.New(execution.Error), attribute.String("autoflow.execution.status", string(execution.Status)))
	}

	logger.InfoContext(ctx, "Workflow execution finished",
		"status", execution.Status,
		"duration", finished.Sub(execution.StartedAt),
		"error", execution.Error,
	)

	r.publishLifecycle(ctx, logger, execution, state)

	return execution
}

// RunChild runs the latest active version of workflowID as a child of parent.
func (r *Runner) RunChild(
	ctx context.Context,
	parent *models.WorkflowExecution,
	workflowID string,
	input map[string]any,
) (*models.WorkflowExecution, error) {
	if parent.Depth+1 > r.maxDepth {
		return nil, fmt.Errorf("%w: depth %d, limit %d", ErrMaxDepthExceeded, parent.Depth+1, r.maxDepth)
	}

	def, err := r.workflows.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-workflow %s: %w", workflowID, err)
	}

	if !def.Active {
		return nil, fmt.Errorf("sub-workflow %s: %w", workflowID, ErrWorkflowInactive)
	}

	event := models.Event{
		EventType: string(models.StepTypeSubWorkflow),
		EventID:   parent.EventID,
		Data:      input,
		Timestamp: time.Now().UTC(),
	}

	child := r.NewExecution(def, parent.TriggerID, event)
	child.ParentExecutionID = parent.ID
	child.Depth = parent.Depth + 1

	return r.Run(ctx, def, child, event, input), nil
}

// LoadVersion returns the exact definition version an execution ran.
func (r *Runner) LoadVersion(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowDefinition, error) {
	return r.workflows.WorkflowVersion(ctx, execution.WorkflowID, execution.WorkflowVersion)
}

func (r *Runner) handler(stepType models.StepType) (Handler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()

	h, ok := r.handlers[stepType]

	return h, ok
}

func (r *Runner) initialContext(
	def *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
	event models.Event,
	data map[string]any,
) map[string]any {
	state := make(map[string]any, len(data)+len(def.Variables)+4)

	if err := mergo.Merge(&state, cloneMap(data)); err != nil {
		r.logger.Warn("Failed to merge trigger data into context", "error", err)
	}

	if err := mergo.Merge(&state, cloneMap(def.Variables)); err != nil {
		r.logger.Warn("Failed to merge workflow variables into context", "error", err)
	}

	state["variables"] = cloneMap(def.Variables)
	state["event"] = event.Envelope()
	state["steps"] = map[string]any{}
	state["execution"] = map[string]any{
		"id":              execution.ID,
		"workflowId":      execution.WorkflowID,
		"workflowVersion": execution.WorkflowVersion,
		"triggerId":       execution.TriggerID,
		"depth":           execution.Depth,
	}

	return state
}

func (r *Runner) runGroup(
	ctx context.Context,
	logger *slog.Logger,
	def *models.WorkflowDefinition,
	execution *models.WorkflowExecution,
	group models.StepGroup,
	snapshot map[string]any,
	gated map[string]string,
	executionTimeout time.Duration,
) []*models.StepResult {
	results := make([]*models.StepResult, len(group.Steps))
	view := execution.Clone()

	limit := r.maxParallelism
	if def.Policy.MaxParallelism > 0 && def.Policy.MaxParallelism < limit {
		limit = def.Policy.MaxParallelism
	}

	var g errgroup.Group
	g.SetLimit(limit)

	logger.DebugContext(ctx, "Running step group", "order", group.Order, "steps", len(group.Steps), "parallelism", limit)

	for i, step := range group.Steps {
		if reason, skip := gated[step.ID]; skip {
			logger.InfoContext(ctx, "Skipping gated step", "step_id", step.ID, "reason", reason)

			results[i] = &models.StepResult{
				StepID:    step.ID,
				Status:    models.StepStatusSkipped,
				Error:     reason,
				StartedAt: time.Now().UTC(),
			}

			continue
		}

		g.Go(func() error {
			results[i] = r.runStep(ctx, logger, view, step, snapshot, executionTimeout)

			return nil
		})
	}

	// Step goroutines return nil; failures are recorded on results.
	g.Wait()

	return results
}

// interruption explains why runCtx ended: its own deadline is an execution timeout,
// anything else aborts the execution with the cancellation cause.
func interruption(runCtx context.Context, timeout time.Duration) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &models.TimeoutError{Scope: "execution", Limit: timeout}
	}

	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(runCtx))
}

type stepOutcome struct {
	output map[string]any
	err    error
}

func (r *Runner) runStep(
	ctx context.Context,
	logger *slog.Logger,
	execution *models.WorkflowExecution,
	step *models.StepSpec,
	snapshot map[string]any,
	executionTimeout time.Duration,
) *models.StepResult {
	started := time.Now().UTC()
	result := &models.StepResult{StepID: step.ID, StartedAt: started, Attempts: 1}
	logger = logger.With("step_id", step.ID, "step_type", step.Type)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	)
	defer span.End()

	fail := func(err error) *models.StepResult {
		stepErr := &models.StepExecutionError{StepID: step.ID, Err: err}
		result.Status = models.StepStatusFailed
		result.Error = stepErr.Error()
		result.Duration = time.Since(started)

		otelhelper.SetError(span, stepErr)
		logger.WarnContext(ctx, "Step failed", "error", err, "duration", result.Duration)

		return result
	}

	h, ok := r.handler(step.Type)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrNoHandler, step.Type))
	}

	resolved := r.interpolator.InterpolateMap(step.Config, snapshot)

	config, err := models.DecodeStepConfig(step.Type, resolved)
	if err != nil {
		return fail(fmt.Errorf("invalid config after interpolation: %w", err))
	}

	stepCtx := ctx

	if r.stepTimeout > 0 {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}

	sc := &StepContext{
		Execution: execution,
		Step:      step,
		Config:    config,
		Data:      snapshot,
		Logger:    logger,
	}

	done := make(chan stepOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- stepOutcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()

		output, err := h.Execute(stepCtx, sc)
		done <- stepOutcome{output: output, err: err}
	}()

	var outcome stepOutcome

	select {
	case outcome = <-done:
		if sc.Attempts > 0 {
			result.Attempts = sc.Attempts
		}
	case <-stepCtx.Done():
		outcome = stepOutcome{err: stepCtx.Err()}
	}

	if outcome.err != nil {
		switch {
		case ctx.Err() != nil && (errors.Is(outcome.err, context.Canceled) || errors.Is(outcome.err, context.DeadlineExceeded)):
			outcome.err = interruption(ctx, executionTimeout)
		case errors.Is(outcome.err, context.DeadlineExceeded):
			outcome.err = &models.TimeoutError{Scope: "step", Limit: r.stepTimeout}
		}

		return fail(outcome.err)
	}

	result.Status = models.StepStatusSucceeded
	result.Output = outcome.output
	result.Duration = time.Since(started)

	logger.InfoContext(ctx, "Step succeeded", "duration", result.Duration, "attempts", result.Attempts)

	return result
}

func (r *Runner) save(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution) {
	if r.executions == nil {
		return
	}

	err := r.executions.SaveExecution(context.WithoutCancel(ctx), execution.Clone())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to persist execution", "error", err, "status", execution.Status)
	}
}

func (r *Runner) publishLifecycle(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution, state map[string]any) {
	if r.publisher == nil {
		return
	}

	eventType := eventbus.ExecutionSucceededEvent

	switch execution.Status {
	case models.ExecutionStatusFailed:
		eventType = eventbus.ExecutionFailedEvent
	case models.ExecutionStatusCancelled:
		eventType = eventbus.ExecutionCancelledEvent
	}

	event := models.Event{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"executionId":       execution.ID,
			"workflowId":        execution.WorkflowID,
			"workflowVersion":   execution.WorkflowVersion,
			"triggerId":         execution.TriggerID,
			"parentExecutionId": execution.ParentExecutionID,
			"depth":             execution.Depth,
			"status":            string(execution.Status),
			"error":             execution.Error,
			"steps":             state["steps"],
		},
	}

	if err := r.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish lifecycle event", "error", err, "event_type", eventType)
	}
}

func skipGroups(execution *models.WorkflowExecution, groups []models.StepGroup, reason string) {
	now := time.Now().UTC()

	for _, group := range groups {
		for _, step := range group.Steps {
			execution.StepResults = append(execution.StepResults, &models.StepResult{
				StepID:    step.ID,
				Status:    models.StepStatusSkipped,
				Error:     reason,
				StartedAt: now,
			})
		}
	}
}

// gateBranches records which later steps a finished group's branches exclude.
// A branch that did not succeed gates both of its arms.
func gateBranches(group models.StepGroup, results []*models.StepResult, gated map[string]string) {
	for i, step := range group.Steps {
		if step.Type != models.StepTypeConditionBranch {
			continue
		}

		cfg, ok := branchTargets(step)
		if !ok {
			continue
		}

		result := results[i]
		taken, _ := result.Output["result"].(bool)

		if result.Status != models.StepStatusSucceeded {
			reason := fmt.Sprintf("branch %s did not succeed", step.ID)
			gate(gated, cfg.Then, reason)
			gate(gated, cfg.Else, reason)

			continue
		}

		if taken {
			gate(gated, cfg.Else, fmt.Sprintf("branch %s condition held", step.ID))
		} else {
			gate(gated, cfg.Then, fmt.Sprintf("branch %s condition did not hold", step.ID))
		}
	}
}

func gate(gated map[string]string, ids []string, reason string) {
	for _, id := range ids {
		if _, already := gated[id]; !already {
			gated[id] = reason
		}
	}
}

func branchTargets(step *models.StepSpec) (models.BranchConfig, bool) {
	cfg := models.BranchConfig{}

	then, _ := step.Config["then"].([]any)
	for _, id := range then {
		if s, ok := id.(string); ok {
			cfg.Then = append(cfg.Then, s)
		}
	}

	if ids, ok := step.Config["then"].([]string); ok {
		cfg.Then = append(cfg.Then, ids...)
	}

	elseIDs, _ := step.Config["else"].([]any)
	for _, id := range elseIDs {
		if s, ok := id.(string); ok {
			cfg.Else = append(cfg.Else, s)
		}
	}

	if ids, ok := step.Config["else"].([]string); ok {
		cfg.Else = append(cfg.Else, ids...)
	}

	return cfg, len(cfg.Then)+len(cfg.Else) > 0
}

func stepOutput(output map[string]any) map[string]any {
	if output == nil {
		return map[string]any{}
	}

	return output
}

// cloneValue deep-copies the map and slice structure of JSON-like values.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return value
	}
}

// cloneMap is cloneValue for maps and never returns nil.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return cloneValue(m).(map[string]any)
}
