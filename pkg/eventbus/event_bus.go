// Package eventbus carries domain and lifecycle events between producers and the engine.
package eventbus

import (
	"context"

	"github.com/dukex/autoflow/pkg/models"
)

const (
	// Topic is the single topic every event travels on.
	Topic = "autoflow.events"

	EventTypeMetadataKey = "event_type"
	EventIDMetadataKey   = "event_id"
	KeyMetadataKey       = "key"
)

// Lifecycle event types published when an execution reaches a terminal state.
// Dependent workflows subscribe to them with ordinary triggers.
const (
	ExecutionSucceededEvent = "workflow.execution.succeeded"
	ExecutionFailedEvent    = "workflow.execution.failed"
	ExecutionCancelledEvent = "workflow.execution.cancelled"
)

type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

type Handler func(ctx context.Context, event models.Event) error

type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

type EventBus interface {
	Publisher
	Subscriber
	Close() error
	GenerateID() string
}
