package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline/callgate/common/database"
	"github.com/voxline/callgate/gateway/internal/models"
)

type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

const entryColumns = `job_id, event_id, tenant_id, event_type, status, attempts, max_attempts,
	last_attempt_at, completed_at, error_message, result, created_at, updated_at`

func (l *PostgresLog) Record(ctx context.Context, e *models.DeliveryLogEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO delivery_log (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			result = COALESCE(EXCLUDED.result, delivery_log.result),
			updated_at = EXCLUDED.updated_at
	`

	var result []byte
	if len(e.Result) > 0 {
		result = e.Result
	}
	_, err := l.pool.Exec(ctx, query,
		e.JobID, e.EventID, e.TenantID, e.EventType, string(e.Status), e.Attempts, e.MaxAttempts,
		e.LastAttemptAt, e.CompletedAt, e.ErrorMessage, result, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery log entry %s: %w", e.JobID, err)
	}
	return nil
}

func (l *PostgresLog) Get(ctx context.Context, jobID string) (*models.DeliveryLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := l.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM delivery_log WHERE job_id = $1`, jobID)
	return scanEntry(row)
}

func (l *PostgresLog) FindByEvent(ctx context.Context, tenantID, eventID string) (*models.DeliveryLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := l.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM delivery_log
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at
		LIMIT 1
	`, tenantID, eventID)
	return scanEntry(row)
}

func (l *PostgresLog) List(ctx context.Context, f Filter) ([]*models.DeliveryLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := l.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM delivery_log
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3
	`, f.TenantID, string(f.Status), limitOrDefault(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery log: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery log: %w", err)
	}
	return out, nil
}

func (l *PostgresLog) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tag, err := l.pool.Exec(ctx, `
		DELETE FROM delivery_log
		WHERE status IN ('completed', 'dead_letter') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge delivery log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (*models.DeliveryLogEntry, error) {
	var e models.DeliveryLogEntry
	var status string
	var result []byte
	err := row.Scan(
		&e.JobID, &e.EventID, &e.TenantID, &e.EventType, &status, &e.Attempts, &e.MaxAttempts,
		&e.LastAttemptAt, &e.CompletedAt, &e.ErrorMessage, &result, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery log entry: %w", err)
	}
	e.Status = models.JobStatus(status)
	if len(result) > 0 {
		e.Result = result
	}
	return &e, nil
}
