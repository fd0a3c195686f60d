// Package results carries a job's terminal outcome back to the request that
// is synchronously waiting for it.
package results

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/voxline/callgate/gateway/internal/models"
)

var ErrClosed = errors.New("subscription closed")

// Outcome is published once per job when it reaches a terminal state.
type Outcome struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
}

// Subscription delivers at most one Outcome.
type Subscription interface {
	// Wait blocks until the outcome arrives or ctx ends.
	Wait(ctx context.Context) (*Outcome, error)
	Close() error
}

// Broker routes outcomes by job id. Subscribe must be called before the job
// is enqueued so a fast worker cannot publish into the void.
type Broker interface {
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
	Publish(ctx context.Context, outcome Outcome) error
}

func channel(jobID string) string {
	return "callgate:results:" + jobID
}
