// Package memory provides an in-process persistence implementation for tests and single-node runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

type workflowRecord struct {
	active   bool
	versions map[int]*models.WorkflowDefinition
	latest   int
}

// Persistence keeps every record in maps guarded by one mutex. Returned values are copies.
type Persistence struct {
	mu            sync.RWMutex
	workflows     map[string]*workflowRecord
	executions    map[string]*models.WorkflowExecution
	subscriptions map[string]*models.WebhookSubscription
	deliveries    map[string]*models.WebhookDelivery
}

var _ persistence.Persistence = (*Persistence)(nil)

func NewPersistence() *Persistence {
	return &Persistence{
		workflows:     make(map[string]*workflowRecord),
		executions:    make(map[string]*models.WorkflowExecution),
		subscriptions: make(map[string]*models.WebhookSubscription),
		deliveries:    make(map[string]*models.WebhookDelivery),
	}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) SaveWorkflowVersion(_ context.Context, definition *models.WorkflowDefinition) error {
	stored, err := cloneDefinition(definition)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflowVersion", definition.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.workflows[definition.ID]
	if !ok {
		record = &workflowRecord{versions: make(map[int]*models.WorkflowDefinition)}
		p.workflows[definition.ID] = record
	}

	if _, exists := record.versions[definition.Version]; exists {
		return persistence.NewWorkflowVersionError("SaveWorkflowVersion", definition.ID, definition.Version, persistence.ErrWorkflowVersionExists)
	}

	record.versions[definition.Version] = stored
	record.active = definition.Active

	if definition.Version > record.latest {
		record.latest = definition.Version
	}

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	record, ok := p.workflows[id]

	var latest int
	if ok {
		latest = record.latest
	}
	p.mu.RUnlock()

	if !ok {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	return p.WorkflowVersion(ctx, id, latest)
}

func (p *Persistence) WorkflowVersion(_ context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	record, ok := p.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("WorkflowVersion", id, persistence.ErrWorkflowNotFound)
	}

	definition, ok := record.versions[version]
	if !ok {
		return nil, persistence.NewWorkflowVersionError("WorkflowVersion", id, version, persistence.ErrWorkflowNotFound)
	}

	result, err := cloneDefinition(definition)
	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowVersion", id, err)
	}

	result.Active = record.active

	return result, nil
}

func (p *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workflows))

	for id := range p.workflows {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Strings(ids)

	result := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		definition, err := p.WorkflowByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				continue
			}

			return nil, err
		}

		result = append(result, definition)
	}

	return result, nil
}

func (p *Persistence) SetWorkflowActive(_ context.Context, id string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.workflows[id]
	if !ok {
		return persistence.NewWorkflowError("SetWorkflowActive", id, persistence.ErrWorkflowNotFound)
	}

	record.active = active

	return nil
}

func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.workflows[id]; !ok {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	delete(p.workflows, id)

	return nil
}

func (p *Persistence) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.executions[execution.ID] = execution.Clone()

	return nil
}

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

// Executions lists newest first.
func (p *Persistence) Executions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	matched := make([]*models.WorkflowExecution, 0)

	for _, execution := range p.executions {
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		matched = append(matched, execution)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	page := paginate(matched, filter.Page)
	result := make([]*models.WorkflowExecution, 0, len(page))

	for _, execution := range page {
		result = append(result, execution.Clone())
	}

	return result, len(matched), nil
}

func (p *Persistence) SaveSubscription(_ context.Context, subscription *models.WebhookSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *subscription
	stored.EventTypes = append([]string(nil), subscription.EventTypes...)
	p.subscriptions[subscription.ID] = &stored

	return nil
}

func (p *Persistence) SubscriptionByID(_ context.Context, id string) (*models.WebhookSubscription, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	subscription, ok := p.subscriptions[id]
	if !ok {
		return nil, persistence.NewSubscriptionError("SubscriptionByID", id, persistence.ErrSubscriptionNotFound)
	}

	result := *subscription

	return &result, nil
}

func (p *Persistence) Subscriptions(_ context.Context) ([]*models.WebhookSubscription, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.WebhookSubscription, 0, len(p.subscriptions))

	for _, subscription := range p.subscriptions {
		s := *subscription
		result = append(result, &s)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

func (p *Persistence) DeleteSubscription(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscriptions[id]; !ok {
		return persistence.NewSubscriptionError("DeleteSubscription", id, persistence.ErrSubscriptionNotFound)
	}

	delete(p.subscriptions, id)

	return nil
}

func (p *Persistence) CreateDelivery(_ context.Context, delivery *models.WebhookDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.deliveries[delivery.ID]; exists {
		return persistence.NewDeliveryError("CreateDelivery", delivery.ID, persistence.ErrDeliveryAlreadyCreated)
	}

	p.deliveries[delivery.ID] = delivery.Clone()

	return nil
}

func (p *Persistence) DeliveryByID(_ context.Context, id string) (*models.WebhookDelivery, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	delivery, ok := p.deliveries[id]
	if !ok {
		return nil, persistence.NewDeliveryError("DeliveryByID", id, persistence.ErrDeliveryNotFound)
	}

	return delivery.Clone(), nil
}

// Deliveries lists newest first.
func (p *Persistence) Deliveries(_ context.Context, filter persistence.DeliveryFilter) ([]*models.WebhookDelivery, int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	matched := make([]*models.WebhookDelivery, 0)

	for _, delivery := range p.deliveries {
		if filter.SubscriptionID != "" && delivery.SubscriptionID != filter.SubscriptionID {
			continue
		}

		if filter.EventID != "" && delivery.EventID != filter.EventID {
			continue
		}

		if filter.Status != "" && delivery.Status != filter.Status {
			continue
		}

		matched = append(matched, delivery)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := paginate(matched, filter.Page)
	result := make([]*models.WebhookDelivery, 0, len(page))

	for _, delivery := range page {
		result = append(result, delivery.Clone())
	}

	return result, len(matched), nil
}

func (p *Persistence) ClaimDue(_ context.Context, now time.Time, leaseFor time.Duration, limit int) ([]*models.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	due := make([]*models.WebhookDelivery, 0)

	for _, delivery := range p.deliveries {
		if claimable(delivery, now) {
			due = append(due, delivery)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]*models.WebhookDelivery, 0, len(due))

	for _, delivery := range due {
		result = append(result, leaseDelivery(delivery, now, leaseFor))
	}

	return result, nil
}

func (p *Persistence) ClaimDelivery(_ context.Context, id string, now time.Time, leaseFor time.Duration) (*models.WebhookDelivery, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delivery, ok := p.deliveries[id]
	if !ok {
		return nil, false, persistence.NewDeliveryError("ClaimDelivery", id, persistence.ErrDeliveryNotFound)
	}

	if !claimable(delivery, now) {
		return nil, false, nil
	}

	return leaseDelivery(delivery, now, leaseFor), true, nil
}

func (p *Persistence) CompleteDelivery(_ context.Context, delivery *models.WebhookDelivery, expectedAttempts int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.deliveries[delivery.ID]
	if !ok {
		return false, persistence.NewDeliveryError("CompleteDelivery", delivery.ID, persistence.ErrDeliveryNotFound)
	}

	if stored.Status.IsTerminal() || stored.AttemptCount != expectedAttempts {
		return false, nil
	}

	p.deliveries[delivery.ID] = delivery.Clone()

	return true, nil
}

func claimable(delivery *models.WebhookDelivery, now time.Time) bool {
	if delivery.Status != models.DeliveryStatusPending && delivery.Status != models.DeliveryStatusRetrying {
		return false
	}

	return delivery.NextRetryAt != nil && !delivery.NextRetryAt.After(now)
}

// leaseDelivery must be called with the write lock held.
func leaseDelivery(delivery *models.WebhookDelivery, now time.Time, lease time.Duration) *models.WebhookDelivery {
	leasedUntil := now.Add(lease)
	delivery.NextRetryAt = &leasedUntil
	delivery.UpdatedAt = now

	return delivery.Clone()
}

func paginate[T any](items []T, page persistence.Page) []T {
	page = page.Normalize()

	if page.Offset >= len(items) {
		return nil
	}

	end := min(page.Offset+page.Limit, len(items))

	return items[page.Offset:end]
}

func cloneDefinition(definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	payload, err := json.Marshal(definition)
	if err != nil {
		return nil, err
	}

	var clone models.WorkflowDefinition
	if err := json.Unmarshal(payload, &clone); err != nil {
		return nil, err
	}

	clone.CreatedAt = definition.CreatedAt
	clone.UpdatedAt = definition.UpdatedAt

	return &clone, nil
}
