package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/lib/pq"
)

type SubscriptionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSubscriptionRepository(db *sql.DB, logger *slog.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `id, url, secret, event_types, active, created_at, updated_at`

func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, subscription *models.WebhookSubscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url
		  , secret = EXCLUDED.secret
		  , event_types = EXCLUDED.event_types
		  , active = EXCLUDED.active
		  , updated_at = EXCLUDED.updated_at
	`,
		subscription.ID,
		subscription.URL,
		subscription.Secret,
		pq.Array(subscription.EventTypes),
		subscription.Active,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if err != nil {
		return persistence.NewSubscriptionError("SaveSubscription", subscription.ID, err)
	}

	return nil
}

func (r *SubscriptionRepository) SubscriptionByID(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)

	subscription, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewSubscriptionError("SubscriptionByID", id, persistence.ErrSubscriptionNotFound)
		}

		return nil, persistence.NewSubscriptionError("SubscriptionByID", id, err)
	}

	return subscription, nil
}

func (r *SubscriptionRepository) Subscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	subscriptions := make([]*models.WebhookSubscription, 0)

	for rows.Next() {
		subscription, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		subscriptions = append(subscriptions, subscription)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subscriptions, nil
}

func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return persistence.NewSubscriptionError("DeleteSubscription", id, err)
	}

	return requireAffected(result, persistence.NewSubscriptionError("DeleteSubscription", id, persistence.ErrSubscriptionNotFound))
}

func scanSubscription(row scanner) (*models.WebhookSubscription, error) {
	var subscription models.WebhookSubscription

	err := row.Scan(
		&subscription.ID,
		&subscription.URL,
		&subscription.Secret,
		pq.Array(&subscription.EventTypes),
		&subscription.Active,
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	subscription.CreatedAt = subscription.CreatedAt.UTC()
	subscription.UpdatedAt = subscription.UpdatedAt.UTC()

	return &subscription, nil
}
