package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// DeliveryRepository applies the delivery state machine with conditional single-row updates.
type DeliveryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDeliveryRepository(db *sql.DB, logger *slog.Logger) *DeliveryRepository {
	return &DeliveryRepository{db: db, logger: logger}
}

const deliveryColumns = `
	id
  , delivery_id
  , subscription_id
  , event_type
  , event_id
  , payload
  , status
  , attempt_count
  , max_attempts
  , next_retry_at
  , http_status
  , response_body
  , error_message
  , delivered_at
  , failed_at
  , created_at
  , updated_at
`

const openStatuses = `('pending', 'retrying')`

func (r *DeliveryRepository) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		delivery.ID,
		delivery.DeliveryID,
		delivery.SubscriptionID,
		delivery.EventType,
		delivery.EventID,
		[]byte(delivery.Payload),
		string(delivery.Status),
		delivery.AttemptCount,
		delivery.MaxAttempts,
		delivery.NextRetryAt,
		delivery.HTTPStatus,
		delivery.ResponseBody,
		delivery.ErrorMessage,
		delivery.DeliveredAt,
		delivery.FailedAt,
		delivery.CreatedAt,
		delivery.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewDeliveryError("CreateDelivery", delivery.ID, persistence.ErrDeliveryAlreadyCreated)
		}

		return persistence.NewDeliveryError("CreateDelivery", delivery.ID, err)
	}

	return nil
}

func (r *DeliveryRepository) DeliveryByID(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)

	delivery, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDeliveryError("DeliveryByID", id, persistence.ErrDeliveryNotFound)
		}

		return nil, persistence.NewDeliveryError("DeliveryByID", id, err)
	}

	return delivery, nil
}

func (r *DeliveryRepository) Deliveries(ctx context.Context, filter persistence.DeliveryFilter) ([]*models.WebhookDelivery, int, error) {
	page := filter.Page.Normalize()

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.SubscriptionID != "" {
		args = append(args, filter.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}

	if filter.EventID != "" {
		args = append(args, filter.EventID)
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count deliveries: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM webhook_deliveries%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		deliveryColumns, where, len(args)-1, len(args))

	deliveries, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return deliveries, total, nil
}

// ClaimDue leases due rows with FOR UPDATE SKIP LOCKED so concurrent scanners split the work.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.WebhookDelivery, error) {
	return r.query(ctx, `
		UPDATE webhook_deliveries SET next_retry_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status IN `+openStatuses+` AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, now.Add(lease), limit)
}

func (r *DeliveryRepository) ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (*models.WebhookDelivery, bool, error) {
	claimed, err := r.query(ctx, `
		UPDATE webhook_deliveries SET next_retry_at = $3, updated_at = $2
		WHERE id = $1 AND status IN `+openStatuses+` AND next_retry_at <= $2
		RETURNING `+deliveryColumns,
		id, now, now.Add(lease))
	if err != nil {
		return nil, false, persistence.NewDeliveryError("ClaimDelivery", id, err)
	}

	if len(claimed) == 1 {
		return claimed[0], true, nil
	}

	if _, err := r.DeliveryByID(ctx, id); err != nil {
		return nil, false, err
	}

	return nil, false, nil
}

func (r *DeliveryRepository) CompleteDelivery(ctx context.Context, delivery *models.WebhookDelivery, expectedAttempts int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = $2
		  , attempt_count = $3
		  , next_retry_at = $4
		  , http_status = $5
		  , response_body = $6
		  , error_message = $7
		  , delivered_at = $8
		  , failed_at = $9
		  , updated_at = $10
		WHERE id = $1 AND status IN `+openStatuses+` AND attempt_count = $11
	`,
		delivery.ID,
		string(delivery.Status),
		delivery.AttemptCount,
		delivery.NextRetryAt,
		delivery.HTTPStatus,
		delivery.ResponseBody,
		delivery.ErrorMessage,
		delivery.DeliveredAt,
		delivery.FailedAt,
		delivery.UpdatedAt,
		expectedAttempts,
	)
	if err != nil {
		return false, persistence.NewDeliveryError("CompleteDelivery", delivery.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if affected == 1 {
		return true, nil
	}

	if _, err := r.DeliveryByID(ctx, delivery.ID); err != nil {
		return false, err
	}

	return false, nil
}

func (r *DeliveryRepository) query(ctx context.Context, query string, args ...any) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	deliveries := make([]*models.WebhookDelivery, 0)

	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}

		deliveries = append(deliveries, delivery)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}

	return deliveries, nil
}

func scanDelivery(row scanner) (*models.WebhookDelivery, error) {
	var (
		delivery    models.WebhookDelivery
		status      string
		payload     []byte
		nextRetryAt sql.NullTime
		deliveredAt sql.NullTime
		failedAt    sql.NullTime
	)

	err := row.Scan(
		&delivery.ID,
		&delivery.DeliveryID,
		&delivery.SubscriptionID,
		&delivery.EventType,
		&delivery.EventID,
		&payload,
		&status,
		&delivery.AttemptCount,
		&delivery.MaxAttempts,
		&nextRetryAt,
		&delivery.HTTPStatus,
		&delivery.ResponseBody,
		&delivery.ErrorMessage,
		&deliveredAt,
		&failedAt,
		&delivery.CreatedAt,
		&delivery.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	delivery.Status = models.DeliveryStatus(status)
	delivery.Payload = payload
	delivery.NextRetryAt = nullTime(nextRetryAt)
	delivery.DeliveredAt = nullTime(deliveredAt)
	delivery.FailedAt = nullTime(failedAt)
	delivery.CreatedAt = delivery.CreatedAt.UTC()
	delivery.UpdatedAt = delivery.UpdatedAt.UTC()

	return &delivery, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
