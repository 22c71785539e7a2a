package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
)

type Subscription struct {
	persistence persistence.SubscriptionRepository
}

func NewSubscription(persistence persistence.SubscriptionRepository) *Subscription {
	return &Subscription{persistence: persistence}
}

func (s *Subscription) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	subs, err := s.persistence.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return subs, nil
}

func (s *Subscription) FetchByID(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return s.persistence.SubscriptionByID(ctx, id)
}

// Create validates and stores a new subscription.
func (s *Subscription) Create(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	} else if _, err := s.persistence.SubscriptionByID(ctx, sub.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.ID)
	} else if !persistence.IsSubscriptionNotFound(err) {
		return nil, err
	}

	if err := models.ValidateStruct(sub); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.persistence.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

// Delete removes a subscription. Deliveries already queued for it end up dead on their next attempt.
func (s *Subscription) Delete(ctx context.Context, id string) error {
	return s.persistence.DeleteSubscription(ctx, id)
}
