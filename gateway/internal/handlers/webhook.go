package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/voxline/callgate/common/httputil"
	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/common/middleware"
	"github.com/voxline/callgate/common/signature"
	"github.com/voxline/callgate/gateway/internal/dispatcher"
	"github.com/voxline/callgate/gateway/internal/tenant"
)

const (
	HeaderSignature     = "X-Signature"
	HeaderVapiSignature = "X-Vapi-Signature"
	HeaderTimestamp     = "X-Timestamp"
	HeaderEventID       = "X-Event-ID"
)

// Dispatcher admits one webhook event.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*dispatcher.Response, error)
}

type WebhookHandler struct {
	dispatcher Dispatcher
	maxBody    int64
	logger     *slog.Logger
}

func NewWebhookHandler(d Dispatcher, maxBody int64, logger *slog.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{dispatcher: d, maxBody: maxBody, logger: logger}
}

// HandleVapi receives voice platform webhooks.
func (h *WebhookHandler) HandleVapi(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r, h.maxBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteErrorCode(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		httputil.WriteErrorCode(w, http.StatusBadRequest, "unreadable_body", "could not read request body")
		return
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		sig = r.Header.Get(HeaderVapiSignature)
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Body:          body,
		Signature:     sig,
		Timestamp:     r.Header.Get(HeaderTimestamp),
		EventIDHeader: r.Header.Get(HeaderEventID),
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	httputil.WriteJSON(w, resp.Status, resp.Body)
}

func (h *WebhookHandler) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var retry *dispatcher.RetryError
	switch {
	case errors.As(err, &retry) && errors.Is(err, dispatcher.ErrRateLimited):
		httputil.WriteRetryAfter(w, http.StatusTooManyRequests, retry.After, "rate limit exceeded")
	case errors.As(err, &retry):
		httputil.WriteRetryAfter(w, http.StatusServiceUnavailable, retry.After, "service busy, retry later")
	case errors.Is(err, dispatcher.ErrMalformedEvent):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "malformed_event", err.Error())
	case errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, tenant.ErrMissingAgentID):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "unknown_tenant", "could not resolve tenant")
	case errors.Is(err, signature.ErrMissingSignature),
		errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrStaleTimestamp):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
	case errors.Is(err, tenant.ErrAmbiguousAgent):
		h.logger.Error("agent identifier maps to several tenants",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			logging.Error(err),
		)
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	default:
		h.logger.Error("dispatch failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			logging.Error(err),
		)
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
