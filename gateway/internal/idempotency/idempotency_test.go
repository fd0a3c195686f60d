package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/gateway/internal/pgtest"
)

func newRedisTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(client, ttl), mr
}

// trackerContract exercises behavior every backend must share.
func trackerContract(t *testing.T, tr Tracker) {
	ctx := context.Background()

	d, err := tr.Reserve(ctx, "acme", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)

	d, err = tr.Reserve(ctx, "acme", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d)

	// same event id under another tenant is a different key
	d, err = tr.Reserve(ctx, "globex", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)

	require.NoError(t, tr.Release(ctx, "acme", "evt-1"))
	d, err = tr.Reserve(ctx, "acme", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := tr.Reserve(ctx, "acme", "evt-race")
			if err == nil && d == Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestMemoryTracker(t *testing.T) {
	trackerContract(t, NewMemoryTracker(time.Hour))
}

func TestMemoryTracker_Expiry(t *testing.T) {
	tr := NewMemoryTracker(time.Minute)
	now := time.Now()
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := tr.Reserve(ctx, "acme", "evt")
	assert.Equal(t, Accepted, d)

	now = now.Add(2 * time.Minute)
	d, _ = tr.Reserve(ctx, "acme", "evt")
	assert.Equal(t, Accepted, d)
}

func TestRedisTracker(t *testing.T) {
	tr, _ := newRedisTracker(t, time.Hour)
	trackerContract(t, tr)
}

func TestRedisTracker_Expiry(t *testing.T) {
	tr, mr := newRedisTracker(t, time.Minute)
	ctx := context.Background()

	d, err := tr.Reserve(ctx, "acme", "evt")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
	assert.Equal(t, time.Minute, mr.TTL(key("acme", "evt")))

	mr.FastForward(2 * time.Minute)
	d, err = tr.Reserve(ctx, "acme", "evt")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
}

func TestRedisTracker_Unavailable(t *testing.T) {
	tr, mr := newRedisTracker(t, time.Minute)
	mr.Close()

	_, err := tr.Reserve(context.Background(), "acme", "evt")
	assert.Error(t, err)
}

func TestPostgresTracker(t *testing.T) {
	pool := pgtest.NewPool(t)
	tr := NewPostgresTracker(pool, time.Hour)
	trackerContract(t, tr)

	n, err := tr.PurgeExpired(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
