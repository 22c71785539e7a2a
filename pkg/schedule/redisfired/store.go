// Package redisfired shares schedule fire records between replicas through Redis.
package redisfired

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "autoflow:schedule"
	DefaultTTL    = 2 * time.Hour
)

// Store claims a trigger minute with SET NX; only the first replica wins it.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(client *redis.Client) *Store {
	return &Store{client: client, prefix: DefaultPrefix, ttl: DefaultTTL}
}

// NewFromURL parses a redis:// URL and connects lazily.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return New(redis.NewClient(opts)), nil
}

func (s *Store) Key(triggerID string, minute time.Time) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, triggerID, minute.Truncate(time.Minute).Unix())
}

func (s *Store) MarkFired(ctx context.Context, triggerID string, minute time.Time) (bool, error) {
	return s.client.SetNX(ctx, s.Key(triggerID, minute), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
