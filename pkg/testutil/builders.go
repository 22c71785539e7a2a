// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates an active WorkflowDefinition with one e-mail step and one event
// trigger, with default values that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	id := uuid.New().String()

	def := &models.WorkflowDefinition{
		ID:      id,
		Name:    "Test Workflow",
		Active:  true,
		Version: 1,
		Triggers: []*models.TriggerSpec{
			{ID: id + "-created", EventType: "invoice_created", IsActive: true},
		},
		Steps: []*models.StepSpec{
			{
				ID:     "notify",
				Type:   models.StepTypeEmail,
				Order:  1,
				Config: map[string]any{"to": "ops@example.com", "subject": "Test", "textBody": "test"},
			},
		},
	}

	for _, override := range overrides {
		override(def)
	}

	return def
}

// WithTriggers replaces the workflow triggers.
func WithTriggers(triggers ...*models.TriggerSpec) func(*models.WorkflowDefinition) {
	return func(def *models.WorkflowDefinition) {
		def.Triggers = triggers
	}
}

// WithSteps replaces the workflow steps.
func WithSteps(steps ...*models.StepSpec) func(*models.WorkflowDefinition) {
	return func(def *models.WorkflowDefinition) {
		def.Steps = steps
	}
}

// CreateTestSubscription creates an active subscription to every event type.
func CreateTestSubscription(url string, overrides ...func(*models.WebhookSubscription)) *models.WebhookSubscription {
	now := time.Now().UTC()

	sub := &models.WebhookSubscription{
		ID:         uuid.New().String(),
		URL:        url,
		Secret:     "0123456789abcdef",
		EventTypes: []string{"*"},
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, override := range overrides {
		override(sub)
	}

	return sub
}

// CreateTestDelivery creates a pending delivery for subscriptionID that is due now.
func CreateTestDelivery(subscriptionID string, overrides ...func(*models.WebhookDelivery)) *models.WebhookDelivery {
	now := time.Now().UTC()

	d := &models.WebhookDelivery{
		ID:             uuid.New().String(),
		DeliveryID:     uuid.New().String(),
		SubscriptionID: subscriptionID,
		EventType:      "invoice.paid",
		EventID:        uuid.New().String(),
		Payload:        json.RawMessage(`{"amount":100}`),
		Status:         models.DeliveryStatusPending,
		MaxAttempts:    5,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(d)
	}

	return d
}
