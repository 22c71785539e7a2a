package workflow_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence/memory"
	"github.com/dukex/autoflow/pkg/steps/branch"
	"github.com/dukex/autoflow/pkg/steps/delay"
	"github.com/dukex/autoflow/pkg/steps/email"
	"github.com/dukex/autoflow/pkg/steps/subworkflow"
	"github.com/dukex/autoflow/pkg/steps/webhookcall"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type span struct {
	start, end time.Time
}

// recordingSender sleeps for a fixed time and records when each recipient was served.
type recordingSender struct {
	mu    sync.Mutex
	sleep time.Duration
	calls map[string]span
	fail  map[string]bool
}

func newRecordingSender(sleep time.Duration) *recordingSender {
	return &recordingSender{sleep: sleep, calls: make(map[string]span), fail: make(map[string]bool)}
}

func (s *recordingSender) Send(ctx context.Context, to, _, _, _ string) (email.SendResult, error) {
	start := time.Now()

	select {
	case <-time.After(s.sleep):
	case <-ctx.Done():
		return email.SendResult{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[to] = span{start: start, end: time.Now()}

	if s.fail[to] {
		return email.SendResult{}, errors.New("mailbox unavailable")
	}

	return email.SendResult{Success: true, MessageID: "msg-" + to}, nil
}

func (s *recordingSender) call(to string) span {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[to]
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	sleep time.Duration
	at    span
}

func (f *fakeEnqueuer) Publish(context.Context, string, string, any) ([]*models.WebhookDelivery, error) {
	start := time.Now()
	time.Sleep(f.sleep)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.at = span{start: start, end: time.Now()}

	return []*models.WebhookDelivery{{ID: "d-1"}}, nil
}

func (f *fakeEnqueuer) Enqueue(context.Context, string, string, string, any) (*models.WebhookDelivery, error) {
	return &models.WebhookDelivery{ID: "d-1"}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(_ context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

type fixture struct {
	store     *memory.Persistence
	runner    *workflow.Runner
	sender    *recordingSender
	enqueuer  *fakeEnqueuer
	publisher *capturePublisher
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:     memory.NewPersistence(),
		sender:    newRecordingSender(30 * time.Millisecond),
		enqueuer:  &fakeEnqueuer{sleep: 30 * time.Millisecond},
		publisher: &capturePublisher{},
	}

	logger := testLogger()

	handlers := map[models.StepType]workflow.Handler{
		models.StepTypeEmail:           email.New(f.sender, logger, email.WithRetryDelay(time.Millisecond), email.WithMaxAttempts(1)),
		models.StepTypeWebhookCall:     webhookcall.New(f.enqueuer),
		models.StepTypeDelay:           delay.New(),
		models.StepTypeConditionBranch: branch.New(nil),
	}

	opts = append([]workflow.Option{workflow.WithPublisher(f.publisher)}, opts...)
	f.runner = workflow.NewRunner(f.store, f.store, handlers, logger, opts...)
	f.runner.Handle(models.StepTypeSubWorkflow, subworkflow.New(f.runner))

	return f
}

func emailStep(id string, order int, to string) *models.StepSpec {
	return &models.StepSpec{ID: id, Type: models.StepTypeEmail, Order: order, Config: map[string]any{
		"to": to, "subject": "Invoice", "textBody": "hello",
	}}
}

func delayStep(id string, order int, d string) *models.StepSpec {
	return &models.StepSpec{ID: id, Type: models.StepTypeDelay, Order: order, Config: map[string]any{"duration": d}}
}

func definition(steps ...*models.StepSpec) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{ID: "wf-test", Name: "Test workflow", Version: 1, Active: true, Steps: steps}
}

func statuses(execution *models.WorkflowExecution) map[string]models.StepStatus {
	out := make(map[string]models.StepStatus, len(execution.StepResults))
	for _, result := range execution.StepResults {
		out[result.StepID] = result.Status
	}

	return out
}

func TestRunner_ParallelGroupTakesMaxNotSum(t *testing.T) {
	f := newFixture(t)

	def := definition(
		delayStep("a", 1, "100ms"),
		delayStep("b", 1, "100ms"),
		delayStep("c", 1, "100ms"),
	)

	start := time.Now()
	execution := f.runner.Execute(context.Background(), def, "manual", models.Event{}, nil)
	elapsed := time.Since(start)

	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond, "steps sharing an order run concurrently")
}

func TestRunner_MaxParallelismBoundsGroup(t *testing.T) {
	f := newFixture(t, workflow.WithMaxParallelism(1))

	def := definition(delayStep("a", 1, "40ms"), delayStep("b", 1, "40ms"))

	start := time.Now()
	execution := f.runner.Execute(context.Background(), def, "manual", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRunner_EndToEndGroupsAreSequential(t *testing.T) {
	f := newFixture(t)

	def := definition(
		emailStep("first", 1, "a@example.com"),
		&models.StepSpec{ID: "publish", Type: models.StepTypeWebhookCall, Order: 1, Config: map[string]any{"eventType": "invoice.large"}},
		emailStep("second", 2, "b@example.com"),
	)

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{EventID: "e-1"}, map[string]any{"amount": 5000})

	require.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	require.Len(t, execution.StepResults, 3)
	assert.NotNil(t, execution.FinishedAt)

	first := f.sender.call("a@example.com")
	second := f.sender.call("b@example.com")

	f.enqueuer.mu.Lock()
	publish := f.enqueuer.at
	f.enqueuer.mu.Unlock()

	assert.True(t, first.start.Before(publish.end) && publish.start.Before(first.end), "group 1 steps overlap")
	assert.False(t, second.start.Before(first.end), "group 2 waits for the email")
	assert.False(t, second.start.Before(publish.end), "group 2 waits for the webhook call")

	stored, err := f.store.ExecutionByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, stored.Status)
	assert.Len(t, stored.StepResults, 3)
}

func TestRunner_InterpolatesOutputsOfEarlierGroups(t *testing.T) {
	f := newFixture(t)

	def := definition(
		emailStep("first", 1, "{{customer.email}}"),
		emailStep("second", 2, "{{steps.first.message_id}}@followup"),
	)
	def.Variables = map[string]any{"customer": map[string]any{"email": "fallback@example.com"}}

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{},
		map[string]any{"customer": map[string]any{"email": "ana@example.com"}})

	require.Equal(t, models.ExecutionStatusSucceeded, execution.Status, execution.Error)
	assert.NotZero(t, f.sender.call("ana@example.com").end, "trigger data wins over variables")
	assert.NotZero(t, f.sender.call("msg-ana@example.com@followup").end)
}

func TestRunner_FailureContinuesByDefault(t *testing.T) {
	f := newFixture(t)
	f.sender.fail["bad@example.com"] = true

	def := definition(
		emailStep("broken", 1, "bad@example.com"),
		emailStep("ok", 1, "ok@example.com"),
		emailStep("later", 2, "later@example.com"),
	)

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, map[string]models.StepStatus{
		"broken": models.StepStatusFailed,
		"ok":     models.StepStatusSucceeded,
		"later":  models.StepStatusSucceeded,
	}, statuses(execution))
	assert.Contains(t, execution.Error, "step broken failed")
}

func TestRunner_HaltPolicySkipsRemainingGroups(t *testing.T) {
	f := newFixture(t)
	f.sender.fail["bad@example.com"] = true

	def := definition(
		emailStep("broken", 1, "bad@example.com"),
		emailStep("later", 2, "later@example.com"),
		emailStep("last", 3, "last@example.com"),
	)
	def.Policy.OnStepFailure = models.FailurePolicyHalt

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.StepStatusSkipped, statuses(execution)["later"])
	assert.Equal(t, models.StepStatusSkipped, statuses(execution)["last"])
	assert.Zero(t, f.sender.call("later@example.com").end)
}

func TestRunner_BranchSkipsTheArmNotTaken(t *testing.T) {
	for _, tt := range []struct {
		amount   int
		ran      string
		skipped  string
		expected models.ExecutionStatus
	}{
		{amount: 5000, ran: "large", skipped: "small", expected: models.ExecutionStatusSucceeded},
		{amount: 10, ran: "small", skipped: "large", expected: models.ExecutionStatusSucceeded},
	} {
		f := newFixture(t)

		def := definition(
			&models.StepSpec{ID: "check", Type: models.StepTypeConditionBranch, Order: 1, Config: map[string]any{
				"condition": map[string]any{"field": "amount", "op": "gt", "value": "{{variables.threshold}}"},
				"then":      []any{"large"},
				"else":      []any{"small"},
			}},
			emailStep("large", 2, "large@example.com"),
			emailStep("small", 2, "small@example.com"),
		)
		def.Variables = map[string]any{"threshold": 1000}

		execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, map[string]any{"amount": tt.amount})

		assert.Equal(t, tt.expected, execution.Status)
		assert.Equal(t, models.StepStatusSucceeded, statuses(execution)[tt.ran])
		assert.Equal(t, models.StepStatusSkipped, statuses(execution)[tt.skipped])
	}
}

func TestRunner_CancelBetweenGroups(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	f := newFixture(t)
	f.runner.Handle(models.StepTypeAICategorize, workflow.HandlerFunc(func(ctx context.Context, _ *workflow.StepContext) (map[string]any, error) {
		close(started)
		<-release

		return map[string]any{"category": "travel"}, nil
	}))

	def := definition(
		&models.StepSpec{ID: "blocking", Type: models.StepTypeAICategorize, Order: 1, Config: map[string]any{"payload": "x"}},
		emailStep("after", 2, "after@example.com"),
	)

	execution := f.runner.NewExecution(def, "t1", models.Event{})
	done := make(chan *models.WorkflowExecution)

	go func() {
		done <- f.runner.Run(context.Background(), def, execution, models.Event{}, nil)
	}()

	<-started
	assert.True(t, f.runner.Cancel(execution.ID))
	close(release)

	finished := <-done

	assert.Equal(t, models.ExecutionStatusCancelled, finished.Status)
	assert.Equal(t, models.StepStatusSucceeded, statuses(finished)["blocking"], "in-flight step finishes")
	assert.Equal(t, models.StepStatusSkipped, statuses(finished)["after"])
	assert.False(t, f.runner.Cancel(execution.ID), "finished executions cannot be cancelled")

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, eventbus.ExecutionCancelledEvent, f.publisher.events[0].EventType)
}

func TestRunner_StepTimeout(t *testing.T) {
	f := newFixture(t, workflow.WithStepTimeout(20*time.Millisecond))

	def := definition(delayStep("slow", 1, "1s"), delayStep("next", 2, "1ms"))

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.StepStatusFailed, statuses(execution)["slow"])
	assert.Equal(t, models.StepStatusSucceeded, statuses(execution)["next"])

	result, ok := execution.Result("slow")
	require.True(t, ok)
	assert.Contains(t, result.Error, "step exceeded its time budget")
}

func TestRunner_ExecutionTimeoutFailsTheRun(t *testing.T) {
	f := newFixture(t)

	def := definition(delayStep("slow", 1, "1s"), delayStep("never", 2, "1ms"))
	def.Policy.Timeout = models.Duration(30 * time.Millisecond)

	start := time.Now()
	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "execution exceeded its time budget")
	assert.Equal(t, models.StepStatusSkipped, statuses(execution)["never"])
}

func TestRunner_ParentCancelAbortsTheRun(t *testing.T) {
	f := newFixture(t)

	def := definition(delayStep("slow", 1, "1s"), delayStep("next", 2, "1ms"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	execution := f.runner.Execute(ctx, def, "t1", models.Event{}, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, workflow.ErrAborted.Error())
	assert.NotContains(t, execution.Error, "time budget")

	slow, ok := execution.Result("slow")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusFailed, slow.Status)
	assert.Contains(t, slow.Error, workflow.ErrAborted.Error())

	next, ok := execution.Result("next")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusSkipped, next.Status)
	assert.Contains(t, next.Error, workflow.ErrAborted.Error())
}

func TestRunner_HandlerPanicFailsOnlyTheStep(t *testing.T) {
	f := newFixture(t)
	f.runner.Handle(models.StepTypeAICategorize, workflow.HandlerFunc(func(context.Context, *workflow.StepContext) (map[string]any, error) {
		panic("provider exploded")
	}))

	def := definition(
		&models.StepSpec{ID: "panics", Type: models.StepTypeAICategorize, Order: 1, Config: map[string]any{"payload": "x"}},
		delayStep("after", 2, "1ms"),
	)

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.StepStatusSucceeded, statuses(execution)["after"])
}

func TestRunner_MissingHandlerFailsStep(t *testing.T) {
	f := newFixture(t)

	def := definition(&models.StepSpec{ID: "x", Type: models.StepTypeAICategorize, Order: 1, Config: map[string]any{"payload": 1}})

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)

	result, _ := execution.Result("x")
	assert.Contains(t, result.Error, workflow.ErrNoHandler.Error())
}

func TestRunner_SubWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	child := &models.WorkflowDefinition{
		ID: "wf-child", Name: "Child", Version: 1, Active: true,
		Steps: []*models.StepSpec{emailStep("notify", 1, "{{customer}}")},
	}
	require.NoError(t, f.store.SaveWorkflowVersion(ctx, child))

	parent := definition(&models.StepSpec{ID: "call", Type: models.StepTypeSubWorkflow, Order: 1, Config: map[string]any{
		"workflowId": "wf-child",
		"input":      map[string]any{"customer": "{{customer}}"},
	}})

	execution := f.runner.Execute(ctx, parent, "t1", models.Event{}, map[string]any{"customer": "kid@example.com"})

	require.Equal(t, models.ExecutionStatusSucceeded, execution.Status, execution.Error)
	assert.NotZero(t, f.sender.call("kid@example.com").end)

	result, _ := execution.Result("call")
	childID := result.Output["execution_id"].(string)

	stored, err := f.store.ExecutionByID(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, stored.ParentExecutionID)
	assert.Equal(t, 1, stored.Depth)
}

func TestRunner_SubWorkflowDepthIsBoundedAtRuntime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.WithMaxDepth(2))

	// The cycle goes through a templated id, so registration cannot see it.
	loop := &models.WorkflowDefinition{
		ID: "wf-loop", Name: "Loop", Version: 1, Active: true,
		Steps: []*models.StepSpec{{ID: "again", Type: models.StepTypeSubWorkflow, Order: 1, Config: map[string]any{
			"workflowId": "{{next}}",
			"input":      map[string]any{"next": "wf-loop"},
		}}},
	}
	require.NoError(t, f.store.SaveWorkflowVersion(ctx, loop))

	execution := f.runner.Execute(ctx, loop, "t1", models.Event{}, map[string]any{"next": "wf-loop"})

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "depth limit exceeded")
}

func TestRunner_PublishesLifecycleEvent(t *testing.T) {
	f := newFixture(t)

	execution := f.runner.Execute(context.Background(), definition(delayStep("a", 1, "1ms")), "t1", models.Event{}, nil)

	require.Len(t, f.publisher.events, 1)

	event := f.publisher.events[0]
	assert.Equal(t, eventbus.ExecutionSucceededEvent, event.EventType)
	assert.Equal(t, execution.ID, event.Data["executionId"])
	assert.Equal(t, "succeeded", event.Data["status"])
}

func TestRunner_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	f := newFixture(t, workflow.WithTracer(provider.Tracer("test")))

	def := definition(
		delayStep("wait", 1, "1ms"),
		&models.StepSpec{ID: "classify", Type: models.StepTypeAICategorize, Order: 2, Config: map[string]any{
			"categories": []any{"billing", "support"},
		}},
	)

	execution := f.runner.Execute(context.Background(), def, "t1", models.Event{}, nil)
	require.Equal(t, models.ExecutionStatusFailed, execution.Status)

	byStep := make(map[string]sdktrace.ReadOnlySpan)

	for _, s := range recorder.Ended() {
		if s.Name() != "workflow.step" {
			continue
		}

		for _, kv := range s.Attributes() {
			if kv.Key == otelhelper.StepIDKey {
				byStep[kv.Value.AsString()] = s
			}
		}
	}

	require.Len(t, byStep, 2)
	assert.NotEqual(t, codes.Error, byStep["wait"].Status().Code)
	assert.Equal(t, codes.Error, byStep["classify"].Status().Code)

	var root sdktrace.ReadOnlySpan

	for _, s := range recorder.Ended() {
		if s.Name() == "workflow.execute" {
			root = s
		}
	}

	require.NotNil(t, root)
	assert.Contains(t, root.Attributes(), attribute.String(otelhelper.ExecutionIDKey, execution.ID))
	assert.Equal(t, root.SpanContext().TraceID(), byStep["wait"].SpanContext().TraceID())
}
