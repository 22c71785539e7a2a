package models

import (
	"encoding/json"
	"slices"
	"time"
)

// WebhookSubscription is an outbound endpoint subscribed to a set of event types.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"         validate:"required,http_url"`
	Secret     string    `json:"secret"      validate:"required,min=16"`
	EventTypes []string  `json:"event_types" validate:"required,min=1,dive,required"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Subscribes reports whether the subscription wants events of eventType.
func (s *WebhookSubscription) Subscribes(eventType string) bool {
	return s.Active && (slices.Contains(s.EventTypes, eventType) || slices.Contains(s.EventTypes, "*"))
}

// DeliveryStatus represents the state of a logical webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusDead      DeliveryStatus = "dead"
)

// IsTerminal reports whether the delivery will never be attempted again.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusDead || s == DeliveryStatusFailed
}

// CanTransition encodes the forward-only delivery state machine.
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	switch s {
	case DeliveryStatusPending:
		return to == DeliveryStatusDelivered || to == DeliveryStatusRetrying || to == DeliveryStatusDead
	case DeliveryStatusRetrying:
		return to == DeliveryStatusRetrying || to == DeliveryStatusDelivered || to == DeliveryStatusDead
	default:
		return false
	}
}

// WebhookDelivery tracks one logical delivery across all of its physical attempts.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"` // idempotency key sent on every attempt
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the delivery.
func (d *WebhookDelivery) Clone() *WebhookDelivery {
	clone := *d
	clone.Payload = slices.Clone(d.Payload)
	clone.NextRetryAt = cloneTime(d.NextRetryAt)
	clone.DeliveredAt = cloneTime(d.DeliveredAt)
	clone.FailedAt = cloneTime(d.FailedAt)

	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}
