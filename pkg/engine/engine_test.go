package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/channels/gochannel"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/memory"
	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/dukex/autoflow/pkg/steps/delay"
	"github.com/dukex/autoflow/pkg/trigger"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []map[string]any
}

func (r *recorder) Execute(_ context.Context, sc *workflow.StepContext) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen = append(r.seen, sc.Data)

	return map[string]any{"ok": true}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.seen)
}

type fixture struct {
	store    *memory.Persistence
	engine   *engine.Engine
	recorder *recorder
}

func newFixture(t *testing.T, publisher eventbus.Publisher) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: memory.NewPersistence(), recorder: &recorder{}}

	opts := []workflow.Option{}
	if publisher != nil {
		opts = append(opts, workflow.WithPublisher(publisher))
	}

	runner := workflow.NewRunner(f.store, f.store, map[models.StepType]workflow.Handler{
		models.StepTypeEmail: f.recorder,
	}, logger, opts...)

	f.engine = engine.New(trigger.NewRegistry(logger), runner, f.store, publisher, logger)
	t.Cleanup(f.engine.Close)

	return f
}

func (f *fixture) save(t *testing.T, def *models.WorkflowDefinition) {
	t.Helper()

	require.NoError(t, f.store.SaveWorkflowVersion(context.Background(), def))
	require.NoError(t, f.engine.Register(def))
}

func invoiceWorkflow(id string, triggers ...*models.TriggerSpec) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       id,
		Name:     "Notify " + id,
		Version:  1,
		Active:   true,
		Triggers: triggers,
		Steps: []*models.StepSpec{{
			ID: "notify", Type: models.StepTypeEmail, Order: 1,
			Config: map[string]any{"to": "billing@example.com", "subject": "Invoice", "textBody": "{{amount}}"},
		}},
	}
}

func executions(t *testing.T, store persistence.ExecutionRepository, workflowID string) []*models.WorkflowExecution {
	t.Helper()

	found, _, err := store.Executions(context.Background(), persistence.ExecutionFilter{WorkflowID: workflowID})
	require.NoError(t, err)

	return found
}

func TestEngine_HandleEventStartsOneRunPerMatch(t *testing.T) {
	f := newFixture(t, nil)

	f.save(t, invoiceWorkflow("large",
		&models.TriggerSpec{ID: "large-invoice", EventType: "invoice_created", IsActive: true,
			Conditions: map[string]any{"field": "amount", "op": "gt", "value": 1000}}))
	f.save(t, invoiceWorkflow("all",
		&models.TriggerSpec{ID: "any-invoice", EventType: "invoice_created", IsActive: true, Filters: []string{"amount"}}))

	started, err := f.engine.HandleEvent(context.Background(), models.Event{
		EventType: "invoice_created",
		Data:      map[string]any{"amount": 500, "customer": "acme"},
	})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "all", started[0].WorkflowID)
	assert.Equal(t, models.ExecutionStatusPending, started[0].Status)

	f.engine.Wait()

	runs := executions(t, f.store, "all")
	require.Len(t, runs, 1)
	assert.Equal(t, models.ExecutionStatusSucceeded, runs[0].Status)
	assert.Equal(t, "any-invoice", runs[0].TriggerID)
	assert.NotEmpty(t, runs[0].EventID)

	require.Equal(t, 1, f.recorder.count())
	assert.Equal(t, 500, f.recorder.seen[0]["amount"])
	assert.NotContains(t, f.recorder.seen[0], "customer", "filters project the event data")

	assert.Empty(t, executions(t, f.store, "large"))
}

func TestEngine_InactiveWorkflowDoesNotRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	def := invoiceWorkflow("wf", &models.TriggerSpec{ID: "t", EventType: "invoice_created", IsActive: true})
	f.save(t, def)

	// The stored flag wins even if the registry still holds the trigger.
	require.NoError(t, f.store.SetWorkflowActive(ctx, "wf", false))

	started, err := f.engine.HandleEvent(ctx, models.Event{EventType: "invoice_created"})
	require.NoError(t, err)
	assert.Empty(t, started)

	def.Active = false
	require.NoError(t, f.engine.Register(def))
	assert.Zero(t, f.engine.Registry().Len())
}

func TestEngine_WebhookEventsMatchByPath(t *testing.T) {
	f := newFixture(t, nil)

	f.save(t, invoiceWorkflow("hook", &models.TriggerSpec{ID: "stripe", EventType: models.TriggerEventWebhook, WebhookURL: "stripe/events", IsActive: true}))

	started, err := f.engine.HandleEvent(context.Background(), models.Event{EventType: models.TriggerEventWebhook, Path: "/other"})
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = f.engine.HandleEvent(context.Background(), models.Event{EventType: models.TriggerEventWebhook, Path: "/stripe/events/"})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestEngine_FireScheduleOncePerMinute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.save(t, invoiceWorkflow("daily", &models.TriggerSpec{ID: "nine", EventType: models.TriggerEventSchedule, ScheduleExpression: "0 9 * * *", IsActive: true}))

	ticker := schedule.NewTicker(f.engine.Registry(), schedule.NewMemoryFiredStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)

	for _, now := range []time.Time{at, at.Add(20 * time.Second), at.Add(time.Minute)} {
		for _, entry := range ticker.DueTriggers(ctx, now) {
			f.engine.FireSchedule(ctx, entry, now.Truncate(time.Minute))
		}
	}

	f.engine.Wait()

	runs := executions(t, f.store, "daily")
	require.Len(t, runs, 1)
	assert.Equal(t, "nine@2026-03-02T09:00:00Z", runs[0].EventID)
}

func TestEngine_RunTriggerAndRunWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.save(t, invoiceWorkflow("manual",
		&models.TriggerSpec{ID: "by-hand", EventType: models.TriggerEventManual, IsActive: true},
		&models.TriggerSpec{ID: "on-invoice", EventType: "invoice_created", IsActive: true},
	))

	execution, err := f.engine.RunTrigger(ctx, "by-hand", map[string]any{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, "by-hand", execution.TriggerID)

	_, err = f.engine.RunTrigger(ctx, "on-invoice", nil)
	require.ErrorIs(t, err, trigger.ErrNotManual)

	_, err = f.engine.RunTrigger(ctx, "missing", nil)
	require.ErrorIs(t, err, trigger.ErrTriggerNotFound)

	execution, err = f.engine.RunWorkflow(ctx, "manual", map[string]any{"amount": 2})
	require.NoError(t, err)
	assert.Empty(t, execution.TriggerID)

	_, err = f.engine.RunWorkflow(ctx, "nope", nil)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	f.engine.Wait()
	assert.Len(t, executions(t, f.store, "manual"), 2)
}

func TestEngine_CloseAbortsRunsInFlight(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()

	runner := workflow.NewRunner(store, store, map[models.StepType]workflow.Handler{
		models.StepTypeDelay: delay.New(),
		models.StepTypeEmail: &recorder{},
	}, logger)

	eng := engine.New(trigger.NewRegistry(logger), runner, store, nil, logger)

	def := invoiceWorkflow("slow")
	def.Steps[0].Order = 2
	def.Steps = append(def.Steps, &models.StepSpec{
		ID: "wait", Type: models.StepTypeDelay, Order: 1, Config: map[string]any{"duration": "5s"},
	})
	require.NoError(t, store.SaveWorkflowVersion(context.Background(), def))
	require.NoError(t, eng.Register(def))

	_, err := eng.RunWorkflow(context.Background(), "slow", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	eng.Close()
	assert.Less(t, time.Since(start), time.Second)

	runs := executions(t, store, "slow")
	require.Len(t, runs, 1)
	assert.Equal(t, models.ExecutionStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, engine.ErrShuttingDown.Error())
	assert.NotContains(t, runs[0].Error, "time budget")

	notify, ok := runs[0].Result("notify")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusSkipped, notify.Status)
}

func TestEngine_LifecycleEventsChainWorkflows(t *testing.T) {
	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub, sub, err := gochannel.CreateChannel(logger)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = bus.Close() })

	f := newFixture(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, f.engine.Subscribe(ctx, bus))

	f.save(t, invoiceWorkflow("first", &models.TriggerSpec{ID: "start", EventType: "invoice_created", IsActive: true}))
	f.save(t, invoiceWorkflow("second", &models.TriggerSpec{
		ID: "after-first", EventType: eventbus.ExecutionSucceededEvent, IsActive: true,
		Conditions: map[string]any{"field": "workflowId", "op": "eq", "value": "first"},
	}))

	require.NoError(t, f.engine.Submit(ctx, models.Event{EventType: "invoice_created", Data: map[string]any{"amount": 10}}))

	require.Eventually(t, func() bool {
		runs := executions(t, f.store, "second")

		return len(runs) == 1 && runs[0].Status == models.ExecutionStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, executions(t, f.store, "first"), 1)
}
