// Package worker runs a fixed pool of goroutines that claim jobs from the
// queue, execute their handlers and move them to the next state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/metrics"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/results"
)

// HandlerFunc executes one job. The returned JSON is stored in the delivery
// log and handed to any synchronous waiter.
type HandlerFunc func(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error)

// Route is what the pool needs to know about an event type.
type Route struct {
	Handler HandlerFunc
	// Notify publishes the terminal outcome to the results broker.
	Notify bool
}

// Router resolves event types to routes.
type Router interface {
	Lookup(eventType string) (Route, bool)
}

// Alerter is told when a job is dead-lettered.
type Alerter interface {
	DeadLetter(ctx context.Context, job *models.DeliveryJob) error
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	// JobTimeout bounds a single handler run. It should stay below the
	// queue lease timeout so a slow handler is not also requeued.
	JobTimeout time.Duration
	Backoff    Backoff
	IDPrefix   string
}

type Pool struct {
	cfg     Config
	queue   queue.Queue
	log     deliverylog.Log
	router  Router
	results results.Broker
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPool(cfg Config, q queue.Queue, log deliverylog.Log, router Router, broker results.Broker, alerter Alerter, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "worker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		queue:   q,
		log:     log,
		router:  router,
		results: broker,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%d", p.cfg.IDPrefix, i+1)
		p.wg.Add(1)
		go p.run(ctx, id)
	}
	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		worked, err := p.ProcessOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("worker iteration failed", logging.WorkerID(workerID), logging.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID, p.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	lease := queue.LeaseOf(job)

	logger := p.logger.With(
		logging.WorkerID(workerID),
		logging.JobID(job.ID),
		logging.TenantID(job.TenantID),
		logging.EventType(job.EventType),
		logging.Attempt(job.Attempts),
	)

	if err := p.log.Record(ctx, models.EntryFromJob(job, nil, p.now())); err != nil {
		// the lease expires and the sweeper requeues the job
		return true, fmt.Errorf("record claim of %s: %w", job.ID, err)
	}

	route, ok := p.router.Lookup(job.EventType)
	if !ok {
		return true, p.deadLetter(ctx, logger, lease, job, route, fmt.Errorf("no handler for event type %q", job.EventType))
	}

	result, runErr := p.execute(ctx, route, job)
	if runErr == nil {
		return true, p.complete(ctx, logger, lease, job, route, result)
	}
	if ctx.Err() != nil {
		// shutting down: leave the lease to expire rather than burn an attempt
		return true, runErr
	}

	metrics.JobsTotal.WithLabelValues(job.EventType, "error").Inc()
	if IsPermanent(runErr) || job.Attempts >= job.MaxAttempts {
		return true, p.deadLetter(ctx, logger, lease, job, route, runErr)
	}
	return true, p.retry(ctx, logger, lease, job, runErr)
}

func (p *Pool) execute(ctx context.Context, route Route, job *models.DeliveryJob) (result json.RawMessage, err error) {
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	start := time.Now()
	result, err = route.Handler(ctx, job.Clone())
	metrics.JobDuration.WithLabelValues(job.EventType).Observe(time.Since(start).Seconds())
	return result, err
}

func (p *Pool) complete(ctx context.Context, logger *slog.Logger, lease queue.Lease, job *models.DeliveryJob, route Route, result json.RawMessage) error {
	now := p.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.ErrorMessage = ""
	job.LockedBy, job.LockedAt = "", nil

	if err := p.log.Record(ctx, models.EntryFromJob(job, result, now)); err != nil {
		return fmt.Errorf("record completion of %s: %w", job.ID, err)
	}
	if err := p.queue.Complete(ctx, lease); err != nil {
		if errors.Is(err, queue.ErrNotProcessing) {
			return p.leaseLost(logger, job)
		}
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}

	metrics.JobsTotal.WithLabelValues(job.EventType, "completed").Inc()
	logger.Debug("job completed")
	p.publish(ctx, logger, route, job, result)
	return nil
}

func (p *Pool) retry(ctx context.Context, logger *slog.Logger, lease queue.Lease, job *models.DeliveryJob, runErr error) error {
	delay := p.cfg.Backoff.Delay(job.Attempts)
	job.Status = models.JobFailed
	job.ErrorMessage = runErr.Error()
	job.AvailableAt = p.now().Add(delay)
	job.LockedBy, job.LockedAt = "", nil

	if err := p.log.Record(ctx, models.EntryFromJob(job, nil, p.now())); err != nil {
		return fmt.Errorf("record failure of %s: %w", job.ID, err)
	}
	if err := p.queue.Fail(ctx, lease, job.ErrorMessage, job.AvailableAt); err != nil {
		if errors.Is(err, queue.ErrNotProcessing) {
			return p.leaseLost(logger, job)
		}
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}

	logger.Warn("job attempt failed, retry scheduled",
		logging.Error(runErr),
		slog.Duration("retry_in", delay),
	)
	return nil
}

func (p *Pool) deadLetter(ctx context.Context, logger *slog.Logger, lease queue.Lease, job *models.DeliveryJob, route Route, cause error) error {
	job.Status = models.JobDeadLetter
	job.ErrorMessage = cause.Error()
	job.LockedBy, job.LockedAt = "", nil

	if err := p.log.Record(ctx, models.EntryFromJob(job, nil, p.now())); err != nil {
		return fmt.Errorf("record dead letter of %s: %w", job.ID, err)
	}
	if err := p.queue.DeadLetter(ctx, lease, job.ErrorMessage); err != nil {
		if errors.Is(err, queue.ErrNotProcessing) {
			return p.leaseLost(logger, job)
		}
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}

	metrics.DeadLetters.WithLabelValues(job.EventType).Inc()
	logger.Error("job dead-lettered", logging.Error(cause), slog.Bool("permanent", IsPermanent(cause)))

	if p.alerter != nil {
		if err := p.alerter.DeadLetter(ctx, job); err != nil {
			logger.Warn("dead-letter alert failed", logging.Error(err))
		}
	}
	p.publish(ctx, logger, route, job, nil)
	return nil
}

// leaseLost drops the outcome of a run whose lease was requeued while the
// handler ran. The job now belongs to whichever worker claimed it next.
func (p *Pool) leaseLost(logger *slog.Logger, job *models.DeliveryJob) error {
	metrics.JobsTotal.WithLabelValues(job.EventType, "lease_lost").Inc()
	logger.Warn("lease lost before the job could be moved; outcome dropped",
		slog.String("outcome", string(job.Status)),
	)
	return nil
}

func (p *Pool) publish(ctx context.Context, logger *slog.Logger, route Route, job *models.DeliveryJob, result json.RawMessage) {
	if !route.Notify || p.results == nil {
		return
	}
	err := p.results.Publish(ctx, results.Outcome{JobID: job.ID, Status: job.Status, Result: result})
	if err != nil {
		logger.Warn("result publish failed", logging.Error(err))
	}
}
