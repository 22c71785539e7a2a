// Package persistencetest holds the behaviour every persistence implementation must share.
package persistencetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// Run executes the shared suite against the stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("workflow versions", func(t *testing.T) { testWorkflowVersions(t, factory(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, factory(t)) })
	t.Run("subscriptions", func(t *testing.T) { testSubscriptions(t, factory(t)) })
	t.Run("delivery claims", func(t *testing.T) { testDeliveryClaims(t, factory(t)) })
	t.Run("delivery completion never regresses", func(t *testing.T) { testDeliveryCompletion(t, factory(t)) })
	t.Run("concurrent claims lease once", func(t *testing.T) { testConcurrentClaims(t, factory(t)) })
}

func Definition(id string, version int) *models.WorkflowDefinition {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.WorkflowDefinition{
		ID:      id,
		Name:    "Invoice follow-up",
		Version: version,
		Active:  true,
		Steps: []*models.StepSpec{
			{ID: "notify", Type: models.StepTypeEmail, Order: 1, Config: map[string]any{
				"to": "{{customer.email}}", "subject": "Invoice", "textBody": "v" + fmt.Sprint(version),
			}},
		},
		Triggers: []*models.TriggerSpec{
			{ID: id + "-created", EventType: "invoice_created", IsActive: true},
		},
		Variables: map[string]any{"threshold": 1000.0},
		Policy:    models.ExecutionPolicy{OnStepFailure: models.FailurePolicyHalt, Timeout: models.Duration(time.Minute)},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testWorkflowVersions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := store.WorkflowByID(ctx, id)
	require.True(t, persistence.IsWorkflowNotFound(err))

	require.NoError(t, store.SaveWorkflowVersion(ctx, Definition(id, 1)))
	require.NoError(t, store.SaveWorkflowVersion(ctx, Definition(id, 2)))

	err = store.SaveWorkflowVersion(ctx, Definition(id, 2))
	require.ErrorIs(t, err, persistence.ErrWorkflowVersionExists)

	latest, err := store.WorkflowByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "v2", latest.Steps[0].Config["textBody"])
	assert.Equal(t, models.FailurePolicyHalt, latest.Policy.OnStepFailure)
	assert.Equal(t, time.Minute, latest.Policy.Timeout.Std())

	first, err := store.WorkflowVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Steps[0].Config["textBody"])

	_, err = store.WorkflowVersion(ctx, id, 9)
	require.True(t, persistence.IsWorkflowNotFound(err))

	require.NoError(t, store.SetWorkflowActive(ctx, id, false))

	inactive, err := store.WorkflowVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, inactive.Active, "active flag belongs to the workflow")

	all, err := store.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)

	require.NoError(t, store.DeleteWorkflow(ctx, id))
	require.True(t, persistence.IsWorkflowNotFound(store.DeleteWorkflow(ctx, id)))

	_, err = store.WorkflowByID(ctx, id)
	require.True(t, persistence.IsWorkflowNotFound(err))
}

func testExecutions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 5 {
		status := models.ExecutionStatusSucceeded
		if i%2 == 1 {
			status = models.ExecutionStatusFailed
		}

		finished := base.Add(time.Duration(i)*time.Second + time.Millisecond)
		execution := &models.WorkflowExecution{
			ID:              fmt.Sprintf("exec-%d", i),
			WorkflowID:      "wf-history",
			WorkflowVersion: 1,
			TriggerID:       "t",
			Status:          status,
			StartedAt:       base.Add(time.Duration(i) * time.Second),
			FinishedAt:      &finished,
			StepResults: []*models.StepResult{
				{StepID: "notify", Status: models.StepStatusSucceeded, Output: map[string]any{"message_id": "m"}, Attempts: 1, StartedAt: base, Duration: time.Millisecond},
			},
		}
		require.NoError(t, store.SaveExecution(ctx, execution))
	}

	require.NoError(t, store.SaveExecution(ctx, &models.WorkflowExecution{
		ID: "other", WorkflowID: "wf-other", Status: models.ExecutionStatusRunning, StartedAt: base,
		StepResults: []*models.StepResult{},
	}))

	got, err := store.ExecutionByID(ctx, "exec-3")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, "m", got.StepResults[0].Output["message_id"])

	page, total, err := store.Executions(ctx, persistence.ExecutionFilter{WorkflowID: "wf-history", Page: persistence.Page{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "exec-4", page[0].ID, "newest first")

	failed, total, err := store.Executions(ctx, persistence.ExecutionFilter{Status: models.ExecutionStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, failed, 2)

	got.Status = models.ExecutionStatusCancelled
	require.NoError(t, store.SaveExecution(ctx, got))

	updated, err := store.ExecutionByID(ctx, "exec-3")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, updated.Status)

	_, err = store.ExecutionByID(ctx, "missing")
	require.True(t, persistence.IsExecutionNotFound(err))
}

func testSubscriptions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	subscription := &models.WebhookSubscription{
		ID: uuid.NewString(), URL: "https://example.com/hook", Secret: "0123456789abcdef",
		EventTypes: []string{"invoice.paid", "bill.created"}, Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveSubscription(ctx, subscription))

	got, err := store.SubscriptionByID(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.EventTypes, got.EventTypes)
	assert.Equal(t, subscription.Secret, got.Secret)

	subscription.Active = false
	require.NoError(t, store.SaveSubscription(ctx, subscription))

	all, err := store.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)

	require.NoError(t, store.DeleteSubscription(ctx, subscription.ID))
	require.True(t, persistence.IsSubscriptionNotFound(store.DeleteSubscription(ctx, subscription.ID)))
}

// Delivery builds a pending delivery due at due.
func Delivery(subscriptionID string, due time.Time) *models.WebhookDelivery {
	return &models.WebhookDelivery{
		ID:             uuid.NewString(),
		DeliveryID:     uuid.NewString(),
		SubscriptionID: subscriptionID,
		EventType:      "invoice.paid",
		EventID:        "evt-" + uuid.NewString(),
		Payload:        json.RawMessage(`{"amount":10}`),
		Status:         models.DeliveryStatusPending,
		MaxAttempts:    3,
		NextRetryAt:    &due,
		CreatedAt:      due,
		UpdatedAt:      due,
	}
}

func testDeliveryClaims(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	due := Delivery("sub", now.Add(-time.Minute))
	later := Delivery("sub", now.Add(time.Hour))

	require.NoError(t, store.CreateDelivery(ctx, due))
	require.NoError(t, store.CreateDelivery(ctx, later))

	claimed, err := store.ClaimDue(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.JSONEq(t, `{"amount":10}`, string(claimed[0].Payload))

	again, err := store.ClaimDue(ctx, now.Add(time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased delivery is not claimed twice")

	afterLease, err := store.ClaimDue(ctx, now.Add(time.Minute), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Len(t, afterLease, 1, "expired lease becomes claimable again")

	_, ok, err := store.ClaimDelivery(ctx, later.ID, now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	_, _, err = store.ClaimDelivery(ctx, "missing", now, time.Minute)
	require.True(t, persistence.IsDeliveryNotFound(err))

	page, total, err := store.Deliveries(ctx, persistence.DeliveryFilter{SubscriptionID: "sub"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 2)
}

func testDeliveryCompletion(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	delivery := Delivery("sub", now)
	require.NoError(t, store.CreateDelivery(ctx, delivery))

	delivered := delivery.Clone()
	delivered.Status = models.DeliveryStatusDelivered
	delivered.AttemptCount = 1
	delivered.HTTPStatus = 200
	delivered.ResponseBody = "ok"
	delivered.DeliveredAt = &now
	delivered.NextRetryAt = nil

	ok, err := store.CompleteDelivery(ctx, delivered, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := delivery.Clone()
	stale.Status = models.DeliveryStatusRetrying
	stale.AttemptCount = 1

	ok, err = store.CompleteDelivery(ctx, stale, 0)
	require.NoError(t, err)
	assert.False(t, ok, "terminal delivery never regresses")

	got, err := store.DeliveryByID(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, got.Status)
	assert.Equal(t, 200, got.HTTPStatus)
	assert.Nil(t, got.NextRetryAt)

	claimed, err := store.ClaimDue(ctx, now.Add(time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	deliveredPage, total, err := store.Deliveries(ctx, persistence.DeliveryFilter{Status: models.DeliveryStatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, deliveredPage, 1)
}

func testConcurrentClaims(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for range 10 {
		require.NoError(t, store.CreateDelivery(ctx, Delivery("sub", now.Add(-time.Second))))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = make(map[string]int)
		total int
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := store.ClaimDue(ctx, now, time.Minute, 4)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()

			for _, d := range claimed {
				seen[d.ID]++
				total++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 10, total)

	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
