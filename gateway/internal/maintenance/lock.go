package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained means another instance holds the sweep lock.
var ErrNotObtained = errors.New("sweep lock held elsewhere")

// Locker elects one sweeper across gateway instances.
type Locker interface {
	// Obtain returns a release func, or ErrNotObtained.
	Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// RedisLocker takes the lock with bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

// LocalLocker always grants the lock. Use it when a single instance runs.
type LocalLocker struct{}

func (LocalLocker) Obtain(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
