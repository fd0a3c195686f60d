package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxline/callgate/common/httputil"
	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/common/opsauth"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
)

// OpsHandler serves queue health and dead-letter recovery.
type OpsHandler struct {
	queue  queue.Queue
	log    deliverylog.Log
	logger *slog.Logger
}

func NewOpsHandler(q queue.Queue, log deliverylog.Log, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{queue: q, log: log, logger: logger}
}

// QueueStats returns {waiting, active, completed, failed, delayed}.
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

type deadLetterList struct {
	Entries []*models.DeliveryLogEntry `json:"entries"`
}

// DeadLetters lists the most recent dead-lettered jobs, newest first.
// Query parameters: limit (default 50, max 500) and tenant.
func (h *OpsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.log.List(r.Context(), deliverylog.Filter{
		TenantID: r.URL.Query().Get("tenant"),
		Status:   models.JobDeadLetter,
		Limit:    httputil.ParseLimit(r.URL.Query().Get("limit"), 50, 500),
	})
	if err != nil {
		h.logger.Error("list dead letters failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*models.DeliveryLogEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, deadLetterList{Entries: entries})
}

// Replay moves a dead-lettered job back to pending with its attempts
// reset.
func (h *OpsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.queue.Replay(r.Context(), jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		httputil.WriteError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, queue.ErrNotDeadLetter):
		httputil.WriteError(w, http.StatusConflict, "job is not dead-lettered")
		return
	case err != nil:
		h.logger.Error("replay failed", logging.JobID(jobID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.log.Record(r.Context(), models.EntryFromJob(job, nil, time.Now())); err != nil {
		// the worker records the job again when it claims it
		h.logger.Warn("failed to record replay", logging.JobID(jobID), logging.Error(err))
	}

	h.logger.Info("dead letter replayed",
		logging.JobID(job.ID),
		logging.TenantID(job.TenantID),
		logging.EventType(job.EventType),
		slog.String("by", opsauth.Subject(r.Context())),
	)
	httputil.WriteJSON(w, http.StatusOK, job)
}
