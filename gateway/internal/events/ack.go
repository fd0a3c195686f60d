package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/gateway/internal/models"
)

// callRef picks the call id out of the payload shapes the voice platform
// sends.
type callRef struct {
	CallID string `json:"callId"`
	Call   struct {
		ID string `json:"id"`
	} `json:"call"`
	Message struct {
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
	} `json:"message"`
}

func (c callRef) id() string {
	switch {
	case c.CallID != "":
		return c.CallID
	case c.Call.ID != "":
		return c.Call.ID
	default:
		return c.Message.Call.ID
	}
}

type acknowledger struct {
	logger *slog.Logger
}

// handle logs a call lifecycle event and acknowledges it.
func (a acknowledger) handle(_ context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var ref callRef
	_ = json.Unmarshal(job.Payload, &ref)

	a.logger.Info("call event received",
		logging.TenantID(job.TenantID),
		logging.EventID(job.EventID),
		logging.EventType(job.EventType),
		slog.String("call_id", ref.id()),
	)
	return json.RawMessage(`{"acknowledged":true}`), nil
}
