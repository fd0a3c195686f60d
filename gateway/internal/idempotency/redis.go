package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker claims keys with SET NX EX.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Reserve(ctx context.Context, tenantID, eventID string) (Decision, error) {
	ok, err := t.client.SetNX(ctx, key(tenantID, eventID), time.Now().Unix(), t.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (t *RedisTracker) Release(ctx context.Context, tenantID, eventID string) error {
	if err := t.client.Del(ctx, key(tenantID, eventID)).Err(); err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}
