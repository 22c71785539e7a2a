// Package delivery fans events out to webhook subscriptions and drives every delivery through
// its retry state machine until it is delivered or dead.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/signature"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSubscriptionInactive = errors.New("subscription is not active")
	ErrSubscriptionGone     = errors.New("subscription no longer exists")
)

// Body is the JSON document POSTed to subscribers.
type Body struct {
	EventType   string          `json:"eventType"`
	EventID     string          `json:"eventId"`
	Data        json.RawMessage `json:"data"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}

type Service struct {
	deliveries    persistence.DeliveryRepository
	subscriptions persistence.SubscriptionRepository
	client        *http.Client
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	kick          chan struct{}

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitter       float64
	timeout      time.Duration
	lease        time.Duration
	batchSize    int
	concurrency  int
	scanInterval time.Duration
}

func NewService(
	deliveries persistence.DeliveryRepository,
	subscriptions persistence.SubscriptionRepository,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		deliveries:    deliveries,
		subscriptions: subscriptions,
		client:        &http.Client{},
		logger:        logger.With("module", "delivery"),
		tracer:        otelhelper.Tracer(),
		now:           time.Now,
		kick:          make(chan struct{}, 1),
		maxAttempts:   DefaultMaxAttempts,
		baseDelay:     DefaultBaseDelay,
		maxDelay:      DefaultMaxDelay,
		jitter:        DefaultJitterFraction,
		timeout:       DefaultTimeout,
		batchSize:     DefaultBatchSize,
		concurrency:   DefaultConcurrency,
		scanInterval:  DefaultScanInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.lease == 0 {
		s.lease = s.timeout + 30*time.Second
	}

	return s
}

// Publish creates one pending delivery for every active subscription of eventType.
func (s *Service) Publish(ctx context.Context, eventType, eventID string, data any) ([]*models.WebhookDelivery, error) {
	subscriptions, err := s.subscriptions.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	payload, err := encodePayload(data)
	if err != nil {
		return nil, err
	}

	created := make([]*models.WebhookDelivery, 0)

	for _, sub := range subscriptions {
		if !sub.Subscribes(eventType) {
			continue
		}

		d, err := s.create(ctx, sub, eventType, eventID, payload)
		if err != nil {
			return created, err
		}

		created = append(created, d)
	}

	if len(created) > 0 {
		s.Kick()
	}

	s.logger.DebugContext(ctx, "Published event to subscriptions", "event_type", eventType, "event_id", eventID, "deliveries", len(created))

	return created, nil
}

// Enqueue creates a delivery for a single subscription regardless of its event type filter.
func (s *Service) Enqueue(ctx context.Context, subscriptionID, eventType, eventID string, data any) (*models.WebhookDelivery, error) {
	sub, err := s.subscriptions.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if !sub.Active {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionInactive, subscriptionID)
	}

	payload, err := encodePayload(data)
	if err != nil {
		return nil, err
	}

	d, err := s.create(ctx, sub, eventType, eventID, payload)
	if err != nil {
		return nil, err
	}

	s.Kick()

	return d, nil
}

// Kick wakes Run without waiting for the next scan tick. It never blocks.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) create(
	ctx context.Context,
	sub *models.WebhookSubscription,
	eventType, eventID string,
	payload json.RawMessage,
) (*models.WebhookDelivery, error) {
	now := s.now().UTC()

	d := &models.WebhookDelivery{
		ID:             uuid.NewString(),
		DeliveryID:     uuid.NewString(),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        payload,
		Status:         models.DeliveryStatusPending,
		MaxAttempts:    s.maxAttempts,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.deliveries.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create delivery for subscription %s: %w", sub.ID, err)
	}

	return d, nil
}

// Deliver claims one delivery and attempts it now. It returns the stored delivery unchanged
// when the delivery is not due or already terminal.
func (s *Service) Deliver(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	claimed, ok, err := s.deliveries.ClaimDelivery(ctx, id, s.now().UTC(), s.lease)
	if err != nil {
		return nil, err
	}

	if !ok {
		return s.deliveries.DeliveryByID(ctx, id)
	}

	return s.Attempt(ctx, claimed)
}

// ProcessDue claims the deliveries due at now and attempts them with bounded concurrency.
// It returns how many were attempted.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	claimed, err := s.deliveries.ClaimDue(ctx, now.UTC(), s.lease, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due deliveries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, d := range claimed {
		g.Go(func() error {
			if _, err := s.Attempt(gctx, d); err != nil {
				s.logger.ErrorContext(gctx, "Delivery attempt could not be recorded", "delivery_id", d.ID, "error", err)
			}

			return nil
		})
	}

	return len(claimed), g.Wait()
}

// Run scans for due deliveries every scan interval, and immediately after a Kick, until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "Delivery worker started", "scan_interval", s.scanInterval, "concurrency", s.concurrency)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Delivery worker stopped")

			return nil
		case <-ticker.C:
		case <-s.kick:
		}

		for {
			n, err := s.ProcessDue(ctx, s.now())
			if err != nil {
				s.logger.ErrorContext(ctx, "Delivery scan failed", "error", err)

				break
			}

			if n < s.batchSize || ctx.Err() != nil {
				break
			}
		}
	}
}

// Attempt sends one physical attempt of a claimed delivery and records the outcome.
func (s *Service) Attempt(ctx context.Context, claimed *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "delivery.attempt",
		attribute.String(otelhelper.DeliveryIDKey, claimed.ID),
		attribute.String(otelhelper.SubscriptionIDKey, claimed.SubscriptionID),
		attribute.String(otelhelper.EventTypeKey, claimed.EventType),
		attribute.Int(otelhelper.AttemptKey, claimed.AttemptCount+1),
	)
	defer span.End()

	logger := s.logger.With("delivery_id", claimed.ID, "subscription_id", claimed.SubscriptionID)

	current, err := s.deliveries.DeliveryByID(ctx, claimed.ID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if current.Status.IsTerminal() || current.AttemptCount != claimed.AttemptCount {
		logger.DebugContext(ctx, "Delivery already handled elsewhere", "status", current.Status)

		return current, nil
	}

	sub, err := s.subscriptions.SubscriptionByID(ctx, claimed.SubscriptionID)

	var outcome *models.WebhookDelivery

	switch {
	case persistence.IsSubscriptionNotFound(err):
		outcome = s.kill(current, &models.DeliveryError{DeliveryID: current.DeliveryID, Err: ErrSubscriptionGone})
	case err != nil:
		otelhelper.SetError(span, err)

		return nil, err
	case !sub.Active:
		outcome = s.fail(current, &models.DeliveryError{DeliveryID: current.DeliveryID, Err: ErrSubscriptionInactive})
	default:
		outcome = s.send(ctx, current, sub)
	}

	if !current.Status.CanTransition(outcome.Status) {
		return nil, fmt.Errorf("delivery %s cannot move from %s to %s", current.ID, current.Status, outcome.Status)
	}

	ok, err := s.deliveries.CompleteDelivery(ctx, outcome, current.AttemptCount)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to record delivery %s: %w", current.ID, err)
	}

	if !ok {
		logger.WarnContext(ctx, "Delivery outcome discarded, a concurrent attempt finished first")

		return s.deliveries.DeliveryByID(ctx, current.ID)
	}

	span.SetAttributes(attribute.String("autoflow.delivery.status", string(outcome.Status)))

	switch outcome.Status {
	case models.DeliveryStatusDelivered:
		logger.InfoContext(ctx, "Webhook delivered", "attempt", outcome.AttemptCount, "http_status", outcome.HTTPStatus)
	case models.DeliveryStatusDead:
		otelhelper.SetError(span, errors.New(outcome.ErrorMessage))
		logger.WarnContext(ctx, "Webhook delivery is dead", "attempts", outcome.AttemptCount, "error", outcome.ErrorMessage)
	default:
		logger.InfoContext(ctx, "Webhook delivery will be retried",
			"attempt", outcome.AttemptCount, "next_retry_at", outcome.NextRetryAt, "error", outcome.ErrorMessage)
	}

	return outcome, nil
}

func (s *Service) send(ctx context.Context, d *models.WebhookDelivery, sub *models.WebhookSubscription) *models.WebhookDelivery {
	now := s.now().UTC()

	body, err := json.Marshal(Body{EventType: d.EventType, EventID: d.EventID, Data: d.Payload, DeliveredAt: now})
	if err != nil {
		return s.kill(d, &models.DeliveryError{DeliveryID: d.DeliveryID, Err: err})
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return s.kill(d, &models.DeliveryError{DeliveryID: d.DeliveryID, Err: err})
	}

	timestamp := signature.Timestamp(now)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderDeliveryID, d.DeliveryID)
	req.Header.Set(signature.HeaderEventType, d.EventType)
	req.Header.Set(signature.HeaderTimestamp, timestamp)
	req.Header.Set(signature.HeaderSignature, signature.Sign(sub.Secret, timestamp, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(d, &models.DeliveryError{DeliveryID: d.DeliveryID, Err: err})
	}
	defer resp.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome := s.fail(d, &models.DeliveryError{
			DeliveryID: d.DeliveryID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		})
		outcome.HTTPStatus = resp.StatusCode
		outcome.ResponseBody = string(responseBody)

		return outcome
	}

	delivered := d.Clone()
	delivered.Status = models.DeliveryStatusDelivered
	delivered.AttemptCount++
	delivered.HTTPStatus = resp.StatusCode
	delivered.ResponseBody = string(responseBody)
	delivered.ErrorMessage = ""
	delivered.NextRetryAt = nil
	delivered.DeliveredAt = &now
	delivered.UpdatedAt = now

	return delivered
}

// fail counts a failed attempt and schedules the next one, or kills the delivery once the
// attempt budget is spent.
func (s *Service) fail(d *models.WebhookDelivery, cause *models.DeliveryError) *models.WebhookDelivery {
	if d.AttemptCount+1 >= d.MaxAttempts {
		return s.kill(d, cause)
	}

	now := s.now().UTC()
	next := now.Add(s.Backoff(d.AttemptCount + 1))

	retrying := d.Clone()
	retrying.Status = models.DeliveryStatusRetrying
	retrying.AttemptCount++
	retrying.ErrorMessage = cause.Error()
	retrying.NextRetryAt = &next
	retrying.UpdatedAt = now

	return retrying
}

func (s *Service) kill(d *models.WebhookDelivery, cause *models.DeliveryError) *models.WebhookDelivery {
	now := s.now().UTC()

	dead := d.Clone()
	dead.Status = models.DeliveryStatusDead
	dead.AttemptCount++
	dead.ErrorMessage = cause.Error()
	dead.NextRetryAt = nil
	dead.FailedAt = &now
	dead.UpdatedAt = now

	return dead
}

func encodePayload(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery payload: %w", err)
	}

	return payload, nil
}
