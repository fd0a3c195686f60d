package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline/callgate/common/database"
	"github.com/voxline/callgate/gateway/internal/models"
)

// PostgresDirectory resolves agents through the agent_mappings table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Lookup fetches up to two mappings so an ambiguous identifier is detected
// rather than resolved to whichever row comes first.
func (d *PostgresDirectory) Lookup(ctx context.Context, agentID string) (*models.TenantContext, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT t.id, t.signing_secret, t.created_at
		FROM agent_mappings m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.agent_id = $1
		LIMIT 2
	`

	rows, err := d.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent mapping: %w", err)
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TenantContext, error) {
		var tc models.TenantContext
		err := row.Scan(&tc.TenantID, &tc.SigningSecret, &tc.CreatedAt)
		return tc, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent mapping: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, wrapLookup(agentID, ErrTenantNotFound)
	case 1:
		return &found[0], nil
	default:
		return nil, wrapLookup(agentID, ErrAmbiguousAgent)
	}
}

// Upsert writes a tenant and its agent mappings.
func (d *PostgresDirectory) Upsert(ctx context.Context, t FileTenant) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants (id, signing_secret)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET signing_secret = EXCLUDED.signing_secret
	`, t.ID, []byte(t.SigningSecret))
	if err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}

	for _, agent := range t.Agents {
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_mappings (agent_id, tenant_id)
			VALUES ($1, $2)
			ON CONFLICT (agent_id, tenant_id) DO NOTHING
		`, agent, t.ID)
		if err != nil {
			return fmt.Errorf("failed to map agent %s: %w", agent, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant %s: %w", t.ID, err)
	}
	return nil
}
