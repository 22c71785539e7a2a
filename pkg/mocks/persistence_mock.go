package mocks

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockSubscriptionRepository is a mock implementation of persistence.SubscriptionRepository interface.
type MockSubscriptionRepository struct {
	mock.Mock
}

var _ persistence.SubscriptionRepository = (*MockSubscriptionRepository)(nil)

func (m *MockSubscriptionRepository) SaveSubscription(ctx context.Context, subscription *models.WebhookSubscription) error {
	args := m.Called(ctx, subscription)

	return args.Error(0)
}

func (m *MockSubscriptionRepository) SubscriptionByID(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WebhookSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Subscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WebhookSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockDeliveryRepository is a mock implementation of persistence.DeliveryRepository interface.
type MockDeliveryRepository struct {
	mock.Mock
}

var _ persistence.DeliveryRepository = (*MockDeliveryRepository)(nil)

func (m *MockDeliveryRepository) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	args := m.Called(ctx, delivery)

	return args.Error(0)
}

func (m *MockDeliveryRepository) DeliveryByID(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WebhookDelivery), args.Error(1)
}

func (m *MockDeliveryRepository) Deliveries(ctx context.Context, filter persistence.DeliveryFilter) ([]*models.WebhookDelivery, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}

	return args.Get(0).([]*models.WebhookDelivery), args.Int(1), args.Error(2)
}

func (m *MockDeliveryRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.WebhookDelivery, error) {
	args := m.Called(ctx, now, lease, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WebhookDelivery), args.Error(1)
}

func (m *MockDeliveryRepository) ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (*models.WebhookDelivery, bool, error) {
	args := m.Called(ctx, id, now, lease)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*models.WebhookDelivery), args.Bool(1), args.Error(2)
}

func (m *MockDeliveryRepository) CompleteDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int) (bool, error) {
	args := m.Called(ctx, delivery, expectedAttempts)

	return args.Bool(0), args.Error(1)
}
