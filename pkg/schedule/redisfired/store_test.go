package redisfired_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/schedule/redisfired"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redisfired.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	store, err := redisfired.NewFromURL(fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(ctx))

	return store
}

func TestStore_KeyFormat(t *testing.T) {
	store := redisfired.New(redis.NewClient(&redis.Options{Addr: "localhost:0"}))
	minute := time.Date(2026, 1, 1, 9, 0, 30, 0, time.UTC)

	assert.Equal(t, fmt.Sprintf("autoflow:schedule:daily:%d", minute.Truncate(time.Minute).Unix()), store.Key("daily", minute))
}

func TestStore_MarkFiredOncePerMinuteAcrossReplicas(t *testing.T) {
	replicaA := setupRedis(t)
	ctx := context.Background()
	minute := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	first, err := replicaA.MarkFired(ctx, "daily", minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := replicaA.MarkFired(ctx, "daily", minute.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, again)

	nextMinute, err := replicaA.MarkFired(ctx, "daily", minute.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, nextMinute)
}
