// Package deliverylog keeps the audit mirror of every delivery job. Entries
// are upserted per job and purged after a retention period once terminal.
package deliverylog

import (
	"context"
	"errors"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

var ErrEntryNotFound = errors.New("delivery log entry not found")

// Filter narrows List. Zero values match everything.
type Filter struct {
	TenantID string
	Status   models.JobStatus
	Limit    int
}

const defaultListLimit = 50

// Log stores delivery log entries.
type Log interface {
	// Record upserts the entry keyed by job id. A nil Result keeps any
	// previously stored result.
	Record(ctx context.Context, entry *models.DeliveryLogEntry) error
	Get(ctx context.Context, jobID string) (*models.DeliveryLogEntry, error)
	FindByEvent(ctx context.Context, tenantID, eventID string) (*models.DeliveryLogEntry, error)
	// List returns the most recently updated entries first.
	List(ctx context.Context, f Filter) ([]*models.DeliveryLogEntry, error)
	// Purge removes terminal entries last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
