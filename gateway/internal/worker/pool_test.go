package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/results"
)

type staticRouter map[string]Route

func (r staticRouter) Lookup(t string) (Route, bool) {
	route, ok := r[t]
	return route, ok
}

type recordingAlerter struct {
	mu   sync.Mutex
	jobs []*models.DeliveryJob
}

func (a *recordingAlerter) DeadLetter(_ context.Context, job *models.DeliveryJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job.Clone())
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	pool    *Pool
	queue   *queue.MemoryQueue
	log     *deliverylog.MemoryLog
	broker  *results.MemoryBroker
	alerter *recordingAlerter
	clock   *clock
}

func newHarness(t *testing.T, router Router, backoff Backoff) *harness {
	t.Helper()
	h := &harness{
		queue:   queue.NewMemoryQueue(),
		log:     deliverylog.NewMemoryLog(),
		broker:  results.NewMemoryBroker(),
		alerter: &recordingAlerter{},
		clock:   &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	h.pool = NewPool(Config{Workers: 1, Backoff: backoff}, h.queue, h.log, router, h.broker, h.alerter, nil)
	h.pool.now = h.clock.Now
	return h
}

func (h *harness) enqueue(t *testing.T, eventType string, maxAttempts int) *models.DeliveryJob {
	t.Helper()
	j := &models.DeliveryJob{
		ID:          uuid.NewString(),
		EventID:     uuid.NewString(),
		TenantID:    "acme",
		EventType:   eventType,
		Payload:     json.RawMessage(`{}`),
		ReceivedAt:  h.clock.Now(),
		MaxAttempts: maxAttempts,
		AvailableAt: h.clock.Now(),
		CreatedAt:   h.clock.Now(),
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), j))
	return j
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(60))

	withJitter := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 250 * time.Millisecond,
		Rand: func(n int64) int64 { return n }}
	assert.Equal(t, 2*time.Second+250*time.Millisecond, withJitter.Delay(1))

	random := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 250 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := random.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2*time.Second+250*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad arguments")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(errors.Join(errors.New("ctx"), err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestProcessOne_RetriesThenCompletes(t *testing.T) {
	var calls atomic.Int32
	router := staticRouter{"call.ended": {Handler: func(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}}
	h := newHarness(t, router, Backoff{Base: 10 * time.Millisecond, Max: time.Second})
	ctx := context.Background()
	job := h.enqueue(t, "call.ended", 3)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		worked, err := h.pool.ProcessOne(ctx, "w-1")
		require.NoError(t, err)
		require.True(t, worked)

		got, err := h.queue.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)
		if attempt < 3 {
			assert.Equal(t, models.JobFailed, got.Status)
			delay := got.AvailableAt.Sub(h.clock.Now())
			delays = append(delays, delay)

			// not due yet
			worked, err = h.pool.ProcessOne(ctx, "w-1")
			require.NoError(t, err)
			assert.False(t, worked)
			h.clock.Advance(delay)
		}
	}

	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, delays)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)

	entry, err := h.log.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(entry.Result))
	assert.Empty(t, h.alerter.jobs)
}

func TestProcessOne_DeadLettersExactlyAtMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 5} {
		var calls atomic.Int32
		router := staticRouter{"call.ended": {Handler: func(context.Context, *models.DeliveryJob) (json.RawMessage, error) {
			calls.Add(1)
			return nil, errors.New("downstream timeout")
		}}}
		h := newHarness(t, router, Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond})
		ctx := context.Background()
		job := h.enqueue(t, "call.ended", maxAttempts)

		for i := 0; i < maxAttempts+2; i++ {
			_, err := h.pool.ProcessOne(ctx, "w-1")
			require.NoError(t, err)
			h.clock.Advance(time.Second)

			got, err := h.queue.Get(ctx, job.ID)
			require.NoError(t, err)
			if i+1 < maxAttempts {
				assert.Equal(t, models.JobFailed, got.Status, "attempt %d of %d", i+1, maxAttempts)
			} else {
				assert.Equal(t, models.JobDeadLetter, got.Status, "attempt %d of %d", i+1, maxAttempts)
			}
		}

		assert.Equal(t, int32(maxAttempts), calls.Load())
		got, err := h.queue.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, maxAttempts, got.Attempts)
		assert.Equal(t, "downstream timeout", got.ErrorMessage)

		entry, err := h.log.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobDeadLetter, entry.Status)
		require.Len(t, h.alerter.jobs, 1)
		assert.Equal(t, job.ID, h.alerter.jobs[0].ID)
	}
}

func TestProcessOne_PermanentErrorSkipsRetries(t *testing.T) {
	router := staticRouter{"tool.reserve_slot": {Notify: true, Handler: func(context.Context, *models.DeliveryJob) (json.RawMessage, error) {
		return nil, Permanent(errors.New("unknown resource"))
	}}}
	h := newHarness(t, router, Backoff{Base: time.Millisecond})
	ctx := context.Background()
	job := h.enqueue(t, "tool.reserve_slot", 3)

	sub, err := h.broker.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.pool.ProcessOne(ctx, "w-1")
	require.NoError(t, err)

	got, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, got.Status)
	assert.Equal(t, 1, got.Attempts)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	outcome, err := sub.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, outcome.Status)
}

func TestProcessOne_UnknownTypeIsDeadLettered(t *testing.T) {
	h := newHarness(t, staticRouter{}, Backoff{})
	job := h.enqueue(t, "call.unknown", 3)

	_, err := h.pool.ProcessOne(context.Background(), "w-1")
	require.NoError(t, err)

	got, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, got.Status)
	assert.Contains(t, got.ErrorMessage, "no handler")
}

func TestProcessOne_PanicIsTransient(t *testing.T) {
	router := staticRouter{"call.ended": {Handler: func(context.Context, *models.DeliveryJob) (json.RawMessage, error) {
		panic("nil map")
	}}}
	h := newHarness(t, router, Backoff{Base: time.Millisecond})
	job := h.enqueue(t, "call.ended", 3)

	_, err := h.pool.ProcessOne(context.Background(), "w-1")
	require.NoError(t, err)

	got, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "handler panic")
}

// failingLog accepts the claim record and rejects the terminal one.
type failingLog struct {
	*deliverylog.MemoryLog
}

func (l failingLog) Record(ctx context.Context, e *models.DeliveryLogEntry) error {
	if e.Status.Terminal() {
		return errors.New("log unavailable")
	}
	return l.MemoryLog.Record(ctx, e)
}

func TestProcessOne_LogWrittenBeforeQueueMoves(t *testing.T) {
	router := staticRouter{"call.ended": {Handler: func(context.Context, *models.DeliveryJob) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}}
	h := newHarness(t, router, Backoff{})
	h.pool.log = failingLog{deliverylog.NewMemoryLog()}
	job := h.enqueue(t, "call.ended", 3)

	worked, err := h.pool.ProcessOne(context.Background(), "w-1")
	assert.True(t, worked)
	assert.Error(t, err)

	got, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status, "queue must not move past an unlogged state")
}

func TestPool_StartStop(t *testing.T) {
	var handled atomic.Int32
	router := staticRouter{"call.started": {Handler: func(context.Context, *models.DeliveryJob) (json.RawMessage, error) {
		handled.Add(1)
		return nil, nil
	}}}
	q := queue.NewMemoryQueue()
	pool := NewPool(Config{Workers: 3, PollInterval: 5 * time.Millisecond}, q, deliverylog.NewMemoryLog(), router, nil, nil, nil)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, &models.DeliveryJob{
			ID: uuid.NewString(), EventID: uuid.NewString(), TenantID: "acme",
			EventType: "call.started", MaxAttempts: 3,
		}))
	}

	require.NoError(t, pool.Start(ctx))
	assert.Error(t, pool.Start(ctx))

	require.Eventually(t, func() bool { return handled.Load() == 20 }, 5*time.Second, 5*time.Millisecond)
	pool.Stop()
	pool.Stop()

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), s.Completed)
}

func TestProcessOne_LostLeaseDropsOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result error
	}{
		{name: "success", result: nil},
		{name: "transient failure", result: errors.New("connection reset")},
		{name: "permanent failure", result: Permanent(errors.New("bad arguments"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *harness
			var owner *models.DeliveryJob
			router := staticRouter{"call.ended": {Handler: func(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
				// the sweeper requeues this lease and another worker takes it over
				_, err := h.queue.RequeueStalled(ctx, time.Now().Add(time.Hour), nil)
				require.NoError(t, err)
				owner, err = h.queue.Claim(ctx, "w-b", time.Now().Add(time.Minute))
				require.NoError(t, err)
				if tt.result != nil {
					return nil, tt.result
				}
				return json.RawMessage(`{"ok":true}`), nil
			}}}
			h = newHarness(t, router, Backoff{Base: time.Millisecond, Max: time.Second})
			ctx := context.Background()
			job := h.enqueue(t, "call.ended", 3)

			worked, err := h.pool.ProcessOne(ctx, "w-a")
			require.NoError(t, err)
			assert.True(t, worked)

			got, err := h.queue.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobProcessing, got.Status)
			assert.Equal(t, "w-b", got.LockedBy)
			assert.Equal(t, 2, got.Attempts)
			assert.Empty(t, h.alerter.jobs)

			_, err = h.queue.Claim(ctx, "w-c", time.Now().Add(time.Hour))
			assert.ErrorIs(t, err, queue.ErrEmpty)

			require.NoError(t, h.queue.Complete(ctx, queue.LeaseOf(owner)))
		})
	}
}
