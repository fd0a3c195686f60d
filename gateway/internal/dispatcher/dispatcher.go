// Package dispatcher admits inbound webhook events: it authenticates them,
// applies rate limits and backpressure, deduplicates and enqueues them, and
// for synchronous tool calls waits a bounded time for the answer.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/events"
	"github.com/voxline/callgate/gateway/internal/idempotency"
	"github.com/voxline/callgate/gateway/internal/metrics"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/ratelimit"
	"github.com/voxline/callgate/gateway/internal/results"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrOverloaded     = errors.New("queue over capacity")
)

// RetryError is a rejection the caller may retry after a delay.
type RetryError struct {
	Err   error
	After time.Duration
}

func (e *RetryError) Error() string { return e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// TenantResolver maps an envelope to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, env *models.Envelope) (*models.TenantContext, error)
}

// SignatureVerifier authenticates a raw body against a tenant secret.
type SignatureVerifier interface {
	Verify(rawBody []byte, signature, timestamp string, secret []byte) error
}

// Registry is the part of the dispatch table the dispatcher needs.
type Registry interface {
	Mode(eventType string) (events.Mode, bool)
	Validate(eventType string, payload json.RawMessage) error
}

type Config struct {
	// SyncDeadline bounds how long a tool call waits for its handler.
	SyncDeadline time.Duration
	MaxAttempts  int
	// MaxDepth rejects new events while waiting+delayed jobs reach it.
	// Zero disables the check.
	MaxDepth int64
	// DepthCacheTTL is how long a queue depth reading is reused.
	DepthCacheTTL time.Duration
	// OverloadRetryAfter is the Retry-After sent with a backpressure
	// rejection.
	OverloadRetryAfter time.Duration
}

type Request struct {
	Body          []byte
	Signature     string
	Timestamp     string
	EventIDHeader string
}

// Response is an admitted event's answer. Status is the HTTP status code.
type Response struct {
	Status int
	Body   any
}

// Ack is the body returned for asynchronous events and for duplicates
// that have no stored answer.
type Ack struct {
	Received  bool   `json:"received"`
	JobID     string `json:"jobId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Dispatcher struct {
	cfg         Config
	resolver    TenantResolver
	verifier    SignatureVerifier
	limiter     ratelimit.RateLimiter
	registry    Registry
	idempotency idempotency.Tracker
	queue       queue.Queue
	log         deliverylog.Log
	results     results.Broker
	logger      *slog.Logger
	now         func() time.Time

	depthMu sync.Mutex
	depth   int64
	depthAt time.Time
}

type Deps struct {
	Resolver    TenantResolver
	Verifier    SignatureVerifier
	Limiter     ratelimit.RateLimiter
	Registry    Registry
	Idempotency idempotency.Tracker
	Queue       queue.Queue
	Log         deliverylog.Log
	Results     results.Broker
	Logger      *slog.Logger
}

func New(cfg Config, d Deps) *Dispatcher {
	if cfg.SyncDeadline <= 0 {
		cfg.SyncDeadline = 5 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.DepthCacheTTL <= 0 {
		cfg.DepthCacheTTL = time.Second
	}
	if cfg.OverloadRetryAfter <= 0 {
		cfg.OverloadRetryAfter = 5 * time.Second
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NoOpRateLimiter{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:         cfg,
		resolver:    d.Resolver,
		verifier:    d.Verifier,
		limiter:     d.Limiter,
		registry:    d.Registry,
		idempotency: d.Idempotency,
		queue:       d.Queue,
		log:         d.Log,
		results:     d.Results,
		logger:      d.Logger,
		now:         time.Now,
	}
}

// Dispatch admits one event. Rejections come back as errors: see
// ErrMalformedEvent, ErrRateLimited, ErrOverloaded, the tenant package
// errors and the signature package errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	var env models.Envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		metrics.EventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		metrics.EventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	mode, known := d.registry.Mode(env.Type)
	typeLabel := env.Type
	if !known {
		typeLabel = "unknown"
	}

	tc, err := d.resolver.Resolve(ctx, &env)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(typeLabel, "unresolved_tenant").Inc()
		return nil, err
	}
	logger := d.logger.With(logging.TenantID(tc.TenantID), logging.EventType(env.Type))

	if err := d.verifier.Verify(req.Body, req.Signature, req.Timestamp, tc.SigningSecret); err != nil {
		metrics.EventsTotal.WithLabelValues(typeLabel, "bad_signature").Inc()
		logger.Warn("signature rejected", logging.Error(err))
		return nil, err
	}

	allowed, wait, err := d.limiter.Allow(ctx, tc.TenantID)
	if err != nil {
		// fail open: the queue depth check still bounds the load
		logger.Warn("rate limiter unavailable", logging.Error(err))
	} else if !allowed {
		metrics.EventsTotal.WithLabelValues(typeLabel, "rate_limited").Inc()
		return nil, &RetryError{Err: ErrRateLimited, After: wait}
	}

	if d.overloaded(ctx, logger) {
		metrics.EventsTotal.WithLabelValues(typeLabel, "overloaded").Inc()
		return nil, &RetryError{Err: ErrOverloaded, After: d.cfg.OverloadRetryAfter}
	}

	if err := d.registry.Validate(env.Type, env.Payload); err != nil {
		metrics.EventsTotal.WithLabelValues(typeLabel, "invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := &models.InboundEvent{
		EventID:    eventID(env.EventID, req.EventIDHeader, req.Body),
		TenantID:   tc.TenantID,
		Type:       env.Type,
		Payload:    env.Payload,
		ReceivedAt: d.now(),
	}
	logger = logger.With(logging.EventID(ev.EventID))

	decision, err := d.idempotency.Reserve(ctx, ev.TenantID, ev.EventID)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(typeLabel, "error").Inc()
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if decision == idempotency.Duplicate {
		metrics.EventsTotal.WithLabelValues(typeLabel, "duplicate").Inc()
		logger.Info("duplicate event")
		return d.duplicate(ctx, ev, mode)
	}

	job := &models.DeliveryJob{
		ID:          uuid.NewString(),
		EventID:     ev.EventID,
		TenantID:    ev.TenantID,
		EventType:   ev.Type,
		Payload:     ev.Payload,
		ReceivedAt:  ev.ReceivedAt,
		MaxAttempts: d.cfg.MaxAttempts,
	}

	var sub results.Subscription
	if mode == events.ModeSync {
		// subscribe first so a fast worker cannot publish before we listen
		sub, err = d.results.Subscribe(ctx, job.ID)
		if err != nil {
			d.release(ctx, logger, ev)
			metrics.EventsTotal.WithLabelValues(typeLabel, "error").Inc()
			return nil, fmt.Errorf("subscribe to result: %w", err)
		}
		defer sub.Close()
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			metrics.EventsTotal.WithLabelValues(typeLabel, "duplicate").Inc()
			return d.duplicate(ctx, ev, mode)
		}
		d.release(ctx, logger, ev)
		metrics.EventsTotal.WithLabelValues(typeLabel, "error").Inc()
		return nil, fmt.Errorf("enqueue event: %w", err)
	}
	metrics.EventsTotal.WithLabelValues(typeLabel, "accepted").Inc()
	logger.Debug("event enqueued", logging.JobID(job.ID))

	if mode != events.ModeSync {
		return &Response{Status: http.StatusOK, Body: Ack{Received: true, JobID: job.ID}}, nil
	}
	return d.await(ctx, logger, sub, job.ID), nil
}

// await blocks until the job publishes its outcome or the sync deadline
// passes. The job is never cancelled: a late outcome lands in the
// delivery log.
func (d *Dispatcher) await(ctx context.Context, logger *slog.Logger, sub results.Subscription, jobID string) *Response {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.SyncDeadline)
	defer cancel()

	outcome, err := sub.Wait(waitCtx)
	if err != nil {
		metrics.SyncWaitDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		logger.Info("sync deadline passed, job continues", logging.JobID(jobID))
		return toolResponse(events.Processing(jobID))
	}

	metrics.SyncWaitDuration.WithLabelValues(string(outcome.Status)).Observe(time.Since(start).Seconds())
	return d.answer(logger, jobID, outcome.Status, outcome.Result)
}

// answer turns a job's terminal state into the sync response.
func (d *Dispatcher) answer(logger *slog.Logger, jobID string, status models.JobStatus, result json.RawMessage) *Response {
	if status != models.JobCompleted {
		return toolResponse(events.Failed(jobID))
	}
	var resp events.ToolResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		logger.Error("stored tool result unreadable", logging.JobID(jobID), logging.Error(err))
		return toolResponse(events.Failed(jobID))
	}
	return toolResponse(resp)
}

// duplicate answers a redelivered event from the delivery log. A sync
// event whose job already completed gets the stored answer again. A job
// that no worker has claimed yet has no log entry; its id comes from the
// queue.
func (d *Dispatcher) duplicate(ctx context.Context, ev *models.InboundEvent, mode events.Mode) (*Response, error) {
	entry, err := d.log.FindByEvent(ctx, ev.TenantID, ev.EventID)
	if err != nil && !errors.Is(err, deliverylog.ErrEntryNotFound) {
		return nil, fmt.Errorf("look up duplicate: %w", err)
	}

	var jobID string
	if entry != nil {
		jobID = entry.JobID
	} else {
		job, err := d.queue.FindByEvent(ctx, ev.TenantID, ev.EventID)
		switch {
		case err == nil:
			jobID = job.ID
		case !errors.Is(err, queue.ErrJobNotFound):
			return nil, fmt.Errorf("look up duplicate job: %w", err)
		}
	}

	if mode != events.ModeSync {
		return &Response{Status: http.StatusOK, Body: Ack{Received: true, JobID: jobID, Duplicate: true}}, nil
	}
	if entry != nil && entry.Status.Terminal() {
		return d.answer(d.logger, entry.JobID, entry.Status, entry.Result), nil
	}
	return toolResponse(events.Processing(jobID)), nil
}

func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, ev *models.InboundEvent) {
	if err := d.idempotency.Release(ctx, ev.TenantID, ev.EventID); err != nil {
		logger.Error("failed to release idempotency key", logging.Error(err))
	}
}

// overloaded reports whether queue depth has reached MaxDepth. Readings
// are cached for DepthCacheTTL; a failed reading admits the event.
func (d *Dispatcher) overloaded(ctx context.Context, logger *slog.Logger) bool {
	if d.cfg.MaxDepth <= 0 {
		return false
	}
	d.depthMu.Lock()
	defer d.depthMu.Unlock()

	if now := d.now(); now.Sub(d.depthAt) >= d.cfg.DepthCacheTTL {
		stats, err := d.queue.Stats(ctx)
		if err != nil {
			logger.Warn("queue depth unavailable", logging.Error(err))
			return false
		}
		d.depth, d.depthAt = stats.Depth(), now
	}
	return d.depth >= d.cfg.MaxDepth
}

// eventID prefers the id in the body, then the header. Without either the
// body hash stands in, so identical redeliveries still deduplicate.
func eventID(fromBody, fromHeader string, body []byte) string {
	if fromBody != "" {
		return fromBody
	}
	if fromHeader != "" {
		return fromHeader
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func toolResponse(r events.ToolResponse) *Response {
	return &Response{Status: r.HTTPStatus(), Body: r}
}
