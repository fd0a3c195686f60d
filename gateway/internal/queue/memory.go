package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

// MemoryQueue is a single-process Queue. One mutex stands in for the row
// locks the Postgres queue relies on.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*models.DeliveryJob
	byEvent map[string]string
	updated map[string]time.Time
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*models.DeliveryJob),
		byEvent: make(map[string]string),
		updated: make(map[string]time.Time),
		now:     time.Now,
	}
}

func eventKey(tenantID, eventID string) string {
	return tenantID + "\x00" + eventID
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *models.DeliveryJob) error {
	if err := validate(job); err != nil {
		return err
	}
	now := q.now()
	j := job.Clone()
	if j.Status == "" {
		j.Status = models.JobPending
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ek := eventKey(j.TenantID, j.EventID)
	if _, ok := q.byEvent[ek]; ok {
		return ErrDuplicateJob
	}
	q.jobs[j.ID] = j
	q.byEvent[ek] = j.ID
	q.updated[j.ID] = now
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, workerID string, now time.Time) (*models.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *models.DeliveryJob
	for _, j := range q.jobs {
		if j.Status != models.JobPending && j.Status != models.JobFailed {
			continue
		}
		if j.AvailableAt.After(now) {
			continue
		}
		if next == nil || j.AvailableAt.Before(next.AvailableAt) ||
			(j.AvailableAt.Equal(next.AvailableAt) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, ErrEmpty
	}

	at := now
	next.Status = models.JobProcessing
	next.Attempts++
	next.LockedBy = workerID
	next.LockedAt = &at
	next.LastAttemptAt = &at
	q.updated[next.ID] = now
	return next.Clone(), nil
}

func (q *MemoryQueue) leased(lease Lease) (*models.DeliveryJob, error) {
	j, ok := q.jobs[lease.JobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !lease.holds(j) {
		return nil, ErrNotProcessing
	}
	return j, nil
}

func (q *MemoryQueue) Complete(_ context.Context, lease Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.leased(lease)
	if err != nil {
		return err
	}
	now := q.now()
	j.Status = models.JobCompleted
	j.CompletedAt = &now
	j.LockedBy, j.LockedAt = "", nil
	j.ErrorMessage = ""
	q.updated[j.ID] = now
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, lease Lease, errMsg string, availableAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.leased(lease)
	if err != nil {
		return err
	}
	j.Status = models.JobFailed
	j.ErrorMessage = errMsg
	j.AvailableAt = availableAt
	j.LockedBy, j.LockedAt = "", nil
	q.updated[j.ID] = q.now()
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, lease Lease, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.leased(lease)
	if err != nil {
		return err
	}
	j.Status = models.JobDeadLetter
	j.ErrorMessage = errMsg
	j.LockedBy, j.LockedAt = "", nil
	q.updated[j.ID] = q.now()
	return nil
}

func (q *MemoryQueue) RequeueStalled(ctx context.Context, cutoff time.Time, record RecordFunc) ([]*models.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var moved []*models.DeliveryJob
	for _, j := range q.jobs {
		if j.Status != models.JobProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		next := j.Clone()
		stalledNext(next, now)
		if record != nil {
			if err := record(ctx, next.Clone()); err != nil {
				return moved, err
			}
		}
		q.jobs[j.ID] = next
		q.updated[j.ID] = now
		moved = append(moved, next.Clone())
	}
	sort.Slice(moved, func(a, b int) bool { return moved[a].CreatedAt.Before(moved[b].CreatedAt) })
	return moved, nil
}

func (q *MemoryQueue) Replay(_ context.Context, jobID string) (*models.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != models.JobDeadLetter {
		return nil, ErrNotDeadLetter
	}
	now := q.now()
	j.Status = models.JobPending
	j.Attempts = 0
	j.ErrorMessage = ""
	j.AvailableAt = now
	j.CompletedAt = nil
	q.updated[jobID] = now
	return j.Clone(), nil
}

func (q *MemoryQueue) Get(_ context.Context, jobID string) (*models.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (q *MemoryQueue) FindByEvent(_ context.Context, tenantID, eventID string) (*models.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byEvent[eventKey(tenantID, eventID)]
	if !ok {
		return nil, ErrJobNotFound
	}
	return q.jobs[id].Clone(), nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var s Stats
	for _, j := range q.jobs {
		switch j.Status {
		case models.JobPending, models.JobFailed:
			if j.AvailableAt.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case models.JobProcessing:
			s.Active++
		case models.JobCompleted:
			s.Completed++
		case models.JobDeadLetter:
			s.Failed++
		}
	}
	return s, nil
}

func (q *MemoryQueue) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, j := range q.jobs {
		if j.Status.Terminal() && q.updated[id].Before(cutoff) {
			delete(q.jobs, id)
			delete(q.byEvent, eventKey(j.TenantID, j.EventID))
			delete(q.updated, id)
			n++
		}
	}
	return n, nil
}
