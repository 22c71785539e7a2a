// Package persistence defines the storage contract for definitions, executions, subscriptions and deliveries.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page bounds a history listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}

	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}

	if p.Offset < 0 {
		p.Offset = 0
	}

	return p
}

type ExecutionFilter struct {
	WorkflowID string
	Status     models.ExecutionStatus
	Page
}

type DeliveryFilter struct {
	SubscriptionID string
	EventID        string
	Status         models.DeliveryStatus
	Page
}

// WorkflowRepository stores immutable definition versions. The active flag belongs to the
// workflow, not to a version.
type WorkflowRepository interface {
	// SaveWorkflowVersion stores definition.Version as a new version. Saving an existing version fails.
	SaveWorkflowVersion(ctx context.Context, definition *models.WorkflowDefinition) error
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	WorkflowVersion(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	DeleteWorkflow(ctx context.Context, id string) error
}

type ExecutionRepository interface {
	// SaveExecution inserts or replaces the execution snapshot.
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Executions(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, int, error)
}

type SubscriptionRepository interface {
	SaveSubscription(ctx context.Context, subscription *models.WebhookSubscription) error
	SubscriptionByID(ctx context.Context, id string) (*models.WebhookSubscription, error)
	Subscriptions(ctx context.Context) ([]*models.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// DeliveryRepository owns the delivery state machine rows. Every write after creation is a
// single-row conditional update, so concurrent scanners never regress a delivery.
type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	DeliveryByID(ctx context.Context, id string) (*models.WebhookDelivery, error)
	Deliveries(ctx context.Context, filter DeliveryFilter) ([]*models.WebhookDelivery, int, error)

	// ClaimDue leases up to limit pending or retrying deliveries due at now by pushing their
	// next_retry_at to now+lease, and returns them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.WebhookDelivery, error)

	// ClaimDelivery leases one delivery if it is still pending or retrying and due.
	ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (*models.WebhookDelivery, bool, error)

	// CompleteDelivery writes the outcome of an attempt when the stored row is not terminal and
	// still has expectedAttempts attempts. It reports whether the row was updated.
	CompleteDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int) (bool, error)
}

type Persistence interface {
	WorkflowRepository
	ExecutionRepository
	SubscriptionRepository
	DeliveryRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
