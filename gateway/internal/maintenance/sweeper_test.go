package maintenance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
)

type recordingAlerter struct {
	mu   sync.Mutex
	jobs []string
}

func (a *recordingAlerter) DeadLetter(_ context.Context, job *models.DeliveryJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job.ID)
	return nil
}

type countingPurger struct{ calls int }

func (p *countingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	p.calls++
	return 4, nil
}

func enqueue(t *testing.T, q queue.Queue, id string, maxAttempts int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), &models.DeliveryJob{
		ID: id, EventID: "evt-" + id, TenantID: "acme", EventType: "call.ended",
		Payload: json.RawMessage(`{}`), ReceivedAt: now, Status: models.JobPending,
		MaxAttempts: maxAttempts, AvailableAt: now, CreatedAt: now,
	}))
}

func cfg() Config {
	return Config{Interval: time.Minute, LeaseTimeout: time.Minute, HoldTTL: 15 * time.Minute, LogRetention: 24 * time.Hour}
}

func TestRunOnce_RequeuesStalledLeases(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	log := deliverylog.NewMemoryLog()
	alerter := &recordingAlerter{}

	enqueue(t, q, "retry", 3)
	enqueue(t, q, "final", 1)
	past := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 2; i++ {
		_, err := q.Claim(ctx, "crashed-worker", past)
		require.NoError(t, err)
	}

	s := New(cfg(), q, log, nil, nil, alerter, nil, nil)
	rep, err := s.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Equal(t, []string{"final"}, alerter.jobs)

	retry, err := q.Get(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, retry.Status)
	assert.Empty(t, retry.LockedBy)

	final, err := q.Get(ctx, "final")
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, final.Status)

	entry, err := log.Get(ctx, "final")
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, entry.Status)
	assert.Equal(t, "lease expired on final attempt", entry.ErrorMessage)

	assert.Equal(t, int64(1), rep.Stats.Waiting)
	assert.Equal(t, int64(1), rep.Stats.Failed)
}

func TestRunOnce_LeavesFreshLeases(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	enqueue(t, q, "busy", 3)
	_, err := q.Claim(ctx, "w1", time.Now())
	require.NoError(t, err)

	rep, err := New(cfg(), q, deliverylog.NewMemoryLog(), nil, nil, nil, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Requeued)
	assert.Equal(t, int64(1), rep.Stats.Active)
}

func TestRunOnce_ExpiresHolds(t *testing.T) {
	ctx := context.Background()
	ledger := booking.NewMemoryLedger(booking.DefaultPolicy(), "US")
	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 3).Add(10 * time.Hour)

	held, err := ledger.Reserve(ctx, booking.ReserveRequest{
		TenantID: "acme", ResourceID: "dr-lee",
		Range: models.TimeRange{Start: start, End: start.Add(30 * time.Minute)},
	})
	require.NoError(t, err)
	require.True(t, held.Success)

	later := start.Add(time.Hour)
	confirmed, err := ledger.Reserve(ctx, booking.ReserveRequest{
		TenantID: "acme", ResourceID: "dr-lee",
		Range: models.TimeRange{Start: later, End: later.Add(30 * time.Minute)},
	})
	require.NoError(t, err)
	_, err = ledger.Confirm(ctx, "acme", confirmed.Reservation.ID)
	require.NoError(t, err)

	s := New(cfg(), queue.NewMemoryQueue(), deliverylog.NewMemoryLog(), ledger, nil, nil, nil, nil)
	s.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	rep, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.HoldsExpired)

	r, err := ledger.Get(ctx, "acme", held.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, r.Status)

	r, err = ledger.Get(ctx, "acme", confirmed.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, r.Status)
}

func TestRunOnce_PurgesRetention(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	log := deliverylog.NewMemoryLog()
	purger := &countingPurger{}

	enqueue(t, q, "done", 3)
	job, err := q.Claim(ctx, "w1", time.Now())
	require.NoError(t, err)
	job.Status = models.JobCompleted
	require.NoError(t, log.Record(ctx, models.EntryFromJob(job, json.RawMessage(`{}`), time.Now())))
	require.NoError(t, q.Complete(ctx, queue.LeaseOf(job)))

	enqueue(t, q, "open", 3)
	open, err := q.Get(ctx, "open")
	require.NoError(t, err)
	require.NoError(t, log.Record(ctx, models.EntryFromJob(open, nil, time.Now())))

	c := cfg()
	c.LogRetention = time.Hour
	s := New(c, q, log, nil, purger, nil, nil, nil)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rep, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.LogPurged)
	assert.Equal(t, int64(1), rep.JobsPurged)
	assert.Equal(t, int64(4), rep.KeysPurged)
	assert.Equal(t, 1, purger.calls)

	_, err = q.Get(ctx, "done")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = log.Get(ctx, "open")
	assert.NoError(t, err)
}

func TestRedisLocker_SingleSweeper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)

	release, err := a.Obtain(ctx, lockKey, time.Minute)
	require.NoError(t, err)

	_, err = b.Obtain(ctx, lockKey, time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	s := New(cfg(), queue.NewMemoryQueue(), deliverylog.NewMemoryLog(), nil, nil, nil, b, nil)
	rep, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	require.NoError(t, release(ctx))
	rep, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Skipped)

	// the sweep released its lock
	release, err = a.Obtain(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLocker_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	l := NewRedisLocker(client)
	_, err := l.Obtain(ctx, lockKey, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	release, err := l.Obtain(ctx, lockKey, time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestSweeper_StartStop(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueue(t, q, "stalled", 3)
	_, err := q.Claim(context.Background(), "w1", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	c := cfg()
	c.Interval = 10 * time.Millisecond
	s := New(c, q, deliverylog.NewMemoryLog(), nil, nil, nil, nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), "stalled")
		return err == nil && j.Status == models.JobFailed
	}, time.Second, 10*time.Millisecond)
}
