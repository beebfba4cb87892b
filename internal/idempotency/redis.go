package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard stores one key per external job with a native TTL
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	window time.Duration
}

// NewRedis creates a guard on client. Keys are written as prefix + external id.
func NewRedis(client redis.Cmdable, prefix string, window time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, window: window}
}

// Seen reports whether the key still exists
func (g *RedisGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

// Mark sets the key with the window as TTL unless it already exists
func (g *RedisGuard) Mark(ctx context.Context, key string) error {
	err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), g.window).Err()
	if err != nil {
		return fmt.Errorf("failed to mark idempotency key: %w", err)
	}
	return nil
}
