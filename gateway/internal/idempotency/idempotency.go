// Package idempotency decides whether an event is seen for the first time.
// Every backend makes the decision with a single atomic insert.
package idempotency

import (
	"context"
	"time"
)

// Decision is the outcome of Reserve.
type Decision int

const (
	Accepted Decision = iota + 1
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Tracker records processed (tenant, event) pairs.
type Tracker interface {
	// Reserve claims the key. Duplicate means another delivery of the same
	// event already claimed it.
	Reserve(ctx context.Context, tenantID, eventID string) (Decision, error)
	// Release drops a claim whose enqueue failed so a redelivery is not lost.
	Release(ctx context.Context, tenantID, eventID string) error
}

// DefaultTTL is how long a claim outlives the event.
const DefaultTTL = 72 * time.Hour

func key(tenantID, eventID string) string {
	return "idem:" + tenantID + ":" + eventID
}
