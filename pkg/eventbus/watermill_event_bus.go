package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/autoflow/pkg/models"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "event_bus"),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish stamps missing ids and timestamps, then sends the event on Topic.
func (eb *WatermillEventBus) Publish(ctx context.Context, event models.Event) error {
	if event.EventID == "" {
		event.EventID = eb.GenerateID()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(KeyMetadataKey, event.EventType)
	msg.Metadata.Set(EventTypeMetadataKey, event.EventType)
	msg.Metadata.Set(EventIDMetadataKey, event.EventID)

	return eb.publisher.Publish(Topic, msg)
}

// Subscribe consumes Topic in the background until ctx is done. Messages that do not
// decode are acked and dropped; handler errors nack the message for redelivery.
func (eb *WatermillEventBus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := eb.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event models.Event

			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				eb.logger.Warn("Dropping undecodable event", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			if err := handler(ctx, event); err != nil {
				eb.logger.Error("Event handler failed", "event_type", event.EventType, "event_id", event.EventID, "error", err)
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
