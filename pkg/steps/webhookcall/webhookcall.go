// Package webhookcall implements the webhook-call step: it enqueues outbound deliveries
// and succeeds as soon as they are stored.
package webhookcall

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/fieldpath"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
)

// Enqueuer stores deliveries for later attempts. The delivery service implements it.
type Enqueuer interface {
	Publish(ctx context.Context, eventType, eventID string, data any) ([]*models.WebhookDelivery, error)
	Enqueue(ctx context.Context, subscriptionID, eventType, eventID string, data any) (*models.WebhookDelivery, error)
}

type Handler struct {
	enqueuer Enqueuer
}

func New(enqueuer Enqueuer) *Handler {
	return &Handler{enqueuer: enqueuer}
}

func (h *Handler) Execute(ctx context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.WebhookCallConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	// A stable event id lets receivers deduplicate when the same execution step is replayed.
	eventID := cfg.EventID
	if eventID == "" {
		eventID = sc.Execution.ID + ":" + sc.Step.ID
	}

	data := cfg.Data
	if data == nil {
		data, _ = fieldpath.Resolve(sc.Data, "event.data")
	}

	var deliveries []*models.WebhookDelivery

	if cfg.SubscriptionID != "" {
		delivery, err := h.enqueuer.Enqueue(ctx, cfg.SubscriptionID, cfg.EventType, eventID, data)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
		}

		deliveries = append(deliveries, delivery)
	} else {
		published, err := h.enqueuer.Publish(ctx, cfg.EventType, eventID, data)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue deliveries: %w", err)
		}

		deliveries = published
	}

	ids := make([]any, 0, len(deliveries))
	for _, delivery := range deliveries {
		if delivery == nil {
			return nil, errors.New("enqueuer returned an empty delivery")
		}

		ids = append(ids, delivery.ID)
	}

	return map[string]any{
		"event_type":   cfg.EventType,
		"event_id":     eventID,
		"delivery_ids": ids,
	}, nil
}
