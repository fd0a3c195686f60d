package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline/callgate/common/database"
)

// PostgresTracker claims keys in processed_events.
type PostgresTracker struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresTracker(pool *pgxpool.Pool, ttl time.Duration) *PostgresTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresTracker{pool: pool, ttl: ttl}
}

// Reserve inserts the key; an expired row is taken over in the same
// statement. Zero affected rows means a live claim exists.
func (t *PostgresTracker) Reserve(ctx context.Context, tenantID, eventID string) (Decision, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	now := time.Now()
	tag, err := t.pool.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, event_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, event_id) DO UPDATE
			SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			WHERE processed_events.expires_at < EXCLUDED.created_at
	`, tenantID, eventID, now, now.Add(t.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (t *PostgresTracker) Release(ctx context.Context, tenantID, eventID string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := t.pool.Exec(ctx, `DELETE FROM processed_events WHERE tenant_id = $1 AND event_id = $2`, tenantID, eventID)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

// PurgeExpired deletes claims whose TTL has passed.
func (t *PostgresTracker) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tag, err := t.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
