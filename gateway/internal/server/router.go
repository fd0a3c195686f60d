package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline/callgate/common/middleware"
	"github.com/voxline/callgate/common/opsauth"
	"github.com/voxline/callgate/gateway/internal/handlers"
)

// Handlers groups what the router mounts. Ops routes are only mounted when
// Auth is set.
type Handlers struct {
	Webhook *handlers.WebhookHandler
	Ops     *handlers.OpsHandler
	Health  *handlers.HealthHandler
	Auth    *opsauth.Authenticator
}

// NewRouter constructs a ServeMux with gateway routes registered.
func NewRouter(h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/webhooks/vapi", h.Webhook.HandleVapi)

	if h.Ops != nil && h.Auth != nil {
		ops := func(fn http.HandlerFunc) http.Handler {
			return h.Auth.Require(opsauth.ScopeOps, fn)
		}
		mux.Handle("GET /api/ops/queue", ops(h.Ops.QueueStats))
		mux.Handle("GET /api/ops/dead-letters", ops(h.Ops.DeadLetters))
		mux.Handle("POST /api/ops/dead-letters/{jobID}/replay", ops(h.Ops.Replay))
	}

	mux.HandleFunc("GET /healthz", h.Health.Health)
	mux.HandleFunc("GET /readyz", h.Health.Ready)

	mux.Handle("/metrics", promhttp.Handler())

	if logger == nil {
		logger = slog.Default()
	}
	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
