package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline/callgate/common/database"
	"github.com/voxline/callgate/gateway/internal/models"
)

// PostgresQueue stores jobs in delivery_jobs. Claims use FOR UPDATE SKIP
// LOCKED so any number of workers, in any number of processes, can poll
// concurrently without handing the same job out twice.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

const jobColumns = `id, event_id, tenant_id, event_type, payload, received_at, status, attempts,
	max_attempts, available_at, locked_by, locked_at, last_attempt_at, completed_at,
	error_message, created_at`

func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.DeliveryJob) error {
	if err := validate(job); err != nil {
		return err
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	now := time.Now()
	status := job.Status
	if status == "" {
		status = models.JobPending
	}
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := q.pool.Exec(ctx, `
		INSERT INTO delivery_jobs (id, event_id, tenant_id, event_type, payload, received_at,
			status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
	`, job.ID, job.EventID, job.TenantID, job.EventType, payload, job.ReceivedAt,
		string(status), job.MaxAttempts, availableAt, createdAt)
	if err != nil {
		if database.IsUniqueViolation(err, "delivery_jobs_tenant_event_key") {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Claim(ctx context.Context, workerID string, now time.Time) (*models.DeliveryJob, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	row := q.pool.QueryRow(ctx, `
		UPDATE delivery_jobs
		SET status = 'processing',
			attempts = attempts + 1,
			locked_by = $1,
			locked_at = $2,
			last_attempt_at = $2,
			updated_at = $2
		WHERE id = (
			SELECT id FROM delivery_jobs
			WHERE status IN ('pending', 'failed')
			  AND available_at <= $2
			  AND attempts < max_attempts
			ORDER BY available_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, workerID, now)

	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, ErrEmpty
	}
	return job, err
}

// transition updates a job still processing under lease. Queries take the
// job id, worker id and attempt as $1..$3.
func (q *PostgresQueue) transition(ctx context.Context, lease Lease, query string, args ...any) error {
	if _, err := uuid.Parse(lease.JobID); err != nil {
		return ErrJobNotFound
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	args = append([]any{lease.JobID, lease.WorkerID, lease.Attempt}, args...)
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_jobs WHERE id = $1)`, lease.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job %s: %w", lease.JobID, err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrNotProcessing
}

const leaseHeld = `id = $1 AND status = 'processing' AND locked_by = $2 AND attempts = $3`

func (q *PostgresQueue) Complete(ctx context.Context, lease Lease) error {
	return q.transition(ctx, lease, `
		UPDATE delivery_jobs
		SET status = 'completed', completed_at = NOW(), locked_by = NULL, locked_at = NULL,
			error_message = '', updated_at = NOW()
		WHERE `+leaseHeld)
}

func (q *PostgresQueue) Fail(ctx context.Context, lease Lease, errMsg string, availableAt time.Time) error {
	return q.transition(ctx, lease, `
		UPDATE delivery_jobs
		SET status = 'failed', error_message = $4, available_at = $5,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE `+leaseHeld, errMsg, availableAt)
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, lease Lease, errMsg string) error {
	return q.transition(ctx, lease, `
		UPDATE delivery_jobs
		SET status = 'dead_letter', error_message = $4,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE `+leaseHeld, errMsg)
}

// RequeueStalled runs in one transaction: the stalled rows stay locked
// while record is called, so the log is written before the move commits.
func (q *PostgresQueue) RequeueStalled(ctx context.Context, cutoff time.Time, record RecordFunc) ([]*models.DeliveryJob, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM delivery_jobs
		WHERE status = 'processing' AND locked_at < $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stalled jobs: %w", err)
	}
	var stalled []*models.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stalled = append(stalled, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stalled jobs: %w", err)
	}

	now := time.Now()
	for _, j := range stalled {
		stalledNext(j, now)
		if record != nil {
			if err := record(ctx, j.Clone()); err != nil {
				return nil, err
			}
		}
		_, err := tx.Exec(ctx, `
			UPDATE delivery_jobs
			SET status = $2, error_message = $3, available_at = $4,
				locked_by = NULL, locked_at = NULL, updated_at = $5
			WHERE id = $1
		`, j.ID, string(j.Status), j.ErrorMessage, j.AvailableAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return stalled, nil
}

func (q *PostgresQueue) Replay(ctx context.Context, jobID string) (*models.DeliveryJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	row := q.pool.QueryRow(ctx, `
		UPDATE delivery_jobs
		SET status = 'pending', attempts = 0, error_message = '', available_at = NOW(),
			completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING `+jobColumns, jobID)
	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		if _, getErr := q.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotDeadLetter
	}
	return job, err
}

func (q *PostgresQueue) Get(ctx context.Context, jobID string) (*models.DeliveryJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (q *PostgresQueue) FindByEvent(ctx context.Context, tenantID, eventID string) (*models.DeliveryJob, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := q.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM delivery_jobs
		WHERE tenant_id = $1 AND event_id = $2
	`, tenantID, eventID)
	return scanJob(row)
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var s Stats
	err := q.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'failed') AND available_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'dead_letter'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'failed') AND available_at > NOW())
		FROM delivery_jobs
	`).Scan(&s.Waiting, &s.Active, &s.Completed, &s.Failed, &s.Delayed)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return s, nil
}

func (q *PostgresQueue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tag, err := q.pool.Exec(ctx, `
		DELETE FROM delivery_jobs
		WHERE status IN ('completed', 'dead_letter') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.DeliveryJob, error) {
	var j models.DeliveryJob
	var status string
	var lockedBy *string
	err := row.Scan(
		&j.ID, &j.EventID, &j.TenantID, &j.EventType, &j.Payload, &j.ReceivedAt, &status,
		&j.Attempts, &j.MaxAttempts, &j.AvailableAt, &lockedBy, &j.LockedAt, &j.LastAttemptAt,
		&j.CompletedAt, &j.ErrorMessage, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	return &j, nil
}
