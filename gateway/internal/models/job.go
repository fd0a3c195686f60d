package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the delivery state of a DeliveryJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	// JobFailed means the last attempt failed and the job waits for its
	// backoff to elapse.
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether no further attempts will be made.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobDeadLetter
}

// DeliveryJob is one unit of work on the queue.
type DeliveryJob struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"received_at"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	AvailableAt   time.Time       `json:"available_at"`
	LockedBy      string          `json:"locked_by,omitempty"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Clone returns a deep copy so in-memory stores never hand out shared state.
func (j *DeliveryJob) Clone() *DeliveryJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.LockedAt = cloneTime(j.LockedAt)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// DeliveryLogEntry mirrors a DeliveryJob plus the handler result.
type DeliveryLogEntry struct {
	JobID         string          `json:"job_id"`
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EntryFromJob builds a log entry reflecting the job's current state.
func EntryFromJob(j *DeliveryJob, result json.RawMessage, now time.Time) *DeliveryLogEntry {
	return &DeliveryLogEntry{
		JobID:         j.ID,
		EventID:       j.EventID,
		TenantID:      j.TenantID,
		EventType:     j.EventType,
		Status:        j.Status,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		LastAttemptAt: cloneTime(j.LastAttemptAt),
		CompletedAt:   cloneTime(j.CompletedAt),
		ErrorMessage:  j.ErrorMessage,
		Result:        result,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     now,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
