// Package queue holds delivery jobs and hands them to workers under a lease.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

var (
	ErrEmpty         = errors.New("queue empty")
	ErrJobNotFound   = errors.New("job not found")
	ErrDuplicateJob  = errors.New("job already enqueued for event")
	ErrNotProcessing = errors.New("job is not processing")
	ErrNotDeadLetter = errors.New("job is not dead-lettered")
	ErrInvalidJob    = errors.New("invalid job")
)

// Stats summarizes queue health.
//   - Waiting: pending or retry jobs that are due now
//   - Active: jobs held under a lease
//   - Completed: finished jobs
//   - Failed: dead-lettered jobs
//   - Delayed: jobs whose available time is in the future
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Depth is the backlog used for backpressure.
func (s Stats) Depth() int64 {
	return s.Waiting + s.Delayed
}

// Lease identifies one claim of a job. Complete, Fail and DeadLetter only
// apply while the job is still processing under the same lease; a worker
// whose lease was requeued and handed to another worker gets
// ErrNotProcessing.
type Lease struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// LeaseOf returns the lease a claimed job is held under.
func LeaseOf(job *models.DeliveryJob) Lease {
	return Lease{JobID: job.ID, WorkerID: job.LockedBy, Attempt: job.Attempts}
}

func (l Lease) holds(job *models.DeliveryJob) bool {
	return job.Status == models.JobProcessing && job.LockedBy == l.WorkerID && job.Attempts == l.Attempt
}

// RecordFunc is called with a job's next state before that state is
// committed to the queue. An error aborts the transition.
type RecordFunc func(ctx context.Context, job *models.DeliveryJob) error

// Queue is a durable job queue with lease-based claims.
type Queue interface {
	Enqueue(ctx context.Context, job *models.DeliveryJob) error
	// Claim leases the next due job to workerID, incrementing its attempts.
	// It returns ErrEmpty when nothing is due.
	Claim(ctx context.Context, workerID string, now time.Time) (*models.DeliveryJob, error)
	Complete(ctx context.Context, lease Lease) error
	// Fail releases the lease and schedules the next attempt at availableAt.
	Fail(ctx context.Context, lease Lease, errMsg string, availableAt time.Time) error
	DeadLetter(ctx context.Context, lease Lease, errMsg string) error
	// RequeueStalled moves jobs whose lease started before cutoff back to
	// the queue, or to dead_letter when they have no attempts left.
	RequeueStalled(ctx context.Context, cutoff time.Time, record RecordFunc) ([]*models.DeliveryJob, error)
	// Replay moves a dead-lettered job back to pending with attempts reset.
	Replay(ctx context.Context, jobID string) (*models.DeliveryJob, error)
	Get(ctx context.Context, jobID string) (*models.DeliveryJob, error)
	// FindByEvent returns the job enqueued for (tenantID, eventID).
	FindByEvent(ctx context.Context, tenantID, eventID string) (*models.DeliveryJob, error)
	Stats(ctx context.Context) (Stats, error)
	// Purge deletes terminal jobs last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

func validate(job *models.DeliveryJob) error {
	if job == nil || job.ID == "" || job.TenantID == "" || job.EventID == "" || job.EventType == "" {
		return ErrInvalidJob
	}
	if job.MaxAttempts < 1 {
		return ErrInvalidJob
	}
	return nil
}

// stalledNext returns the state a stalled job moves to.
func stalledNext(job *models.DeliveryJob, now time.Time) {
	job.LockedBy = ""
	job.LockedAt = nil
	if job.Attempts >= job.MaxAttempts {
		job.Status = models.JobDeadLetter
		job.ErrorMessage = "lease expired on final attempt"
		return
	}
	job.Status = models.JobFailed
	job.ErrorMessage = "lease expired"
	job.AvailableAt = now
}
