package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/channels/gochannel"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.Event, 1)

	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, event models.Event) error {
		received <- event

		return nil
	}))

	require.NoError(t, bus.Publish(ctx, models.Event{
		EventType: "invoice_created",
		Data:      map[string]any{"amount": 5000.0},
	}))

	select {
	case event := <-received:
		assert.Equal(t, "invoice_created", event.EventType)
		assert.NotEmpty(t, event.EventID)
		assert.False(t, event.Timestamp.IsZero())
		assert.Equal(t, 5000.0, event.Data["amount"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_GenerateIDIsUnique(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
