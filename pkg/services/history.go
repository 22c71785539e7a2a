package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

var (
	executionStatuses = []models.ExecutionStatus{
		models.ExecutionStatusPending,
		models.ExecutionStatusRunning,
		models.ExecutionStatusSucceeded,
		models.ExecutionStatusFailed,
		models.ExecutionStatusCancelled,
	}

	deliveryStatuses = []models.DeliveryStatus{
		models.DeliveryStatusPending,
		models.DeliveryStatusRetrying,
		models.DeliveryStatusDelivered,
		models.DeliveryStatusFailed,
		models.DeliveryStatusDead,
	}
)

// Page is one slice of a history listing.
type Page[T any] struct {
	Items       []T  `json:"items"`
	TotalCount  int  `json:"total_count"`
	HasNextPage bool `json:"has_next_page"`
}

// History answers read-only queries over executions and deliveries.
type History struct {
	executions persistence.ExecutionRepository
	deliveries persistence.DeliveryRepository
}

func NewHistory(executions persistence.ExecutionRepository, deliveries persistence.DeliveryRepository) *History {
	return &History{executions: executions, deliveries: deliveries}
}

func (h *History) Executions(ctx context.Context, filter persistence.ExecutionFilter) (*Page[*models.WorkflowExecution], error) {
	if filter.Status != "" && !slices.Contains(executionStatuses, filter.Status) {
		return nil, NewValidationError("Executions", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", filter.Status), ErrInvalidStatus)
	}

	filter.Page = filter.Page.Normalize()

	items, total, err := h.executions.Executions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &Page[*models.WorkflowExecution]{
		Items:       items,
		TotalCount:  total,
		HasNextPage: filter.Offset+len(items) < total,
	}, nil
}

func (h *History) Execution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return h.executions.ExecutionByID(ctx, id)
}

func (h *History) Deliveries(ctx context.Context, filter persistence.DeliveryFilter) (*Page[*models.WebhookDelivery], error) {
	if filter.Status != "" && !slices.Contains(deliveryStatuses, filter.Status) {
		return nil, NewValidationError("Deliveries", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", filter.Status), ErrInvalidStatus)
	}

	filter.Page = filter.Page.Normalize()

	items, total, err := h.deliveries.Deliveries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	return &Page[*models.WebhookDelivery]{
		Items:       items,
		TotalCount:  total,
		HasNextPage: filter.Offset+len(items) < total,
	}, nil
}

func (h *History) Delivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	return h.deliveries.DeliveryByID(ctx, id)
}
