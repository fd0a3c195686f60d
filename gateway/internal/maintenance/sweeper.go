// Package maintenance runs the periodic sweep: stalled-lease recovery, hold
// expiry, retention purges and queue gauges.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/gateway/internal/alert"
	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/metrics"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
)

const lockKey = "callgate:maintenance"

// Purger drops expired idempotency claims. Backends that expire keys on
// their own do not implement it.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	Interval     time.Duration
	LeaseTimeout time.Duration
	HoldTTL      time.Duration
	LogRetention time.Duration
}

// Report counts what one sweep did.
type Report struct {
	Skipped      bool
	Requeued     int
	DeadLettered int
	HoldsExpired int64
	LogPurged    int64
	JobsPurged   int64
	KeysPurged   int64
	Stats        queue.Stats
}

type Sweeper struct {
	cfg     Config
	queue   queue.Queue
	log     deliverylog.Log
	ledger  booking.Ledger
	purger  Purger
	alerter alert.Notifier
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Sweeper. purger and alerter may be nil; a nil locker means
// LocalLocker.
func New(cfg Config, q queue.Queue, log deliverylog.Log, ledger booking.Ledger, purger Purger, alerter alert.Notifier, locker Locker, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 7 * 24 * time.Hour
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		queue:   q,
		log:     log,
		ledger:  ledger,
		purger:  purger,
		alerter: alerter,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
	}
}

// Start sweeps once immediately and then every Interval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("maintenance sweep failed", logging.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.logger.Info("maintenance sweeper started", slog.Duration("interval", s.cfg.Interval))
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("maintenance sweeper stopped")
}

// RunOnce performs a single sweep. Every step runs even if an earlier one
// fails; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	release, err := s.locker.Obtain(ctx, lockKey, s.cfg.Interval)
	if errors.Is(err, ErrNotObtained) {
		rep.Skipped = true
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("obtain sweep lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sweep lock", logging.Error(err))
		}
	}()

	now := s.now()
	var errs []error

	if err := s.requeueStalled(ctx, now, &rep); err != nil {
		errs = append(errs, err)
	}

	if s.ledger != nil {
		n, err := s.ledger.ExpireHolds(ctx, now.Add(-s.cfg.HoldTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("expire holds: %w", err))
		}
		rep.HoldsExpired = n
		metrics.HoldsExpired.Add(float64(n))
	}

	cutoff := now.Add(-s.cfg.LogRetention)
	if rep.LogPurged, err = s.log.Purge(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("purge delivery log: %w", err))
	}
	if rep.JobsPurged, err = s.queue.Purge(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("purge jobs: %w", err))
	}
	if s.purger != nil {
		if rep.KeysPurged, err = s.purger.PurgeExpired(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("purge idempotency keys: %w", err))
		}
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("queue stats: %w", err))
	} else {
		rep.Stats = stats
		metrics.ObserveQueue(stats.Waiting, stats.Active, stats.Completed, stats.Failed, stats.Delayed)
	}

	if rep.Requeued+rep.DeadLettered > 0 || rep.HoldsExpired > 0 || rep.LogPurged+rep.JobsPurged+rep.KeysPurged > 0 {
		s.logger.Info("maintenance sweep",
			slog.Int("requeued", rep.Requeued),
			slog.Int("dead_lettered", rep.DeadLettered),
			slog.Int64("holds_expired", rep.HoldsExpired),
			slog.Int64("log_purged", rep.LogPurged),
			slog.Int64("jobs_purged", rep.JobsPurged),
			slog.Int64("keys_purged", rep.KeysPurged),
		)
	}
	return rep, errors.Join(errs...)
}

func (s *Sweeper) requeueStalled(ctx context.Context, now time.Time, rep *Report) error {
	record := func(ctx context.Context, job *models.DeliveryJob) error {
		return s.log.Record(ctx, models.EntryFromJob(job, nil, now))
	}
	moved, err := s.queue.RequeueStalled(ctx, now.Add(-s.cfg.LeaseTimeout), record)
	for _, job := range moved {
		metrics.StalledRequeued.Inc()
		if job.Status != models.JobDeadLetter {
			rep.Requeued++
			s.logger.Warn("stalled job requeued",
				logging.JobID(job.ID), logging.TenantID(job.TenantID), logging.Attempt(job.Attempts))
			continue
		}
		rep.DeadLettered++
		metrics.DeadLetters.WithLabelValues(job.EventType).Inc()
		s.logger.Error("stalled job dead-lettered",
			logging.JobID(job.ID), logging.TenantID(job.TenantID), logging.Attempt(job.Attempts))
		if s.alerter != nil {
			if aerr := s.alerter.DeadLetter(ctx, job); aerr != nil {
				s.logger.Warn("dead letter alert failed", logging.JobID(job.ID), logging.Error(aerr))
			}
		}
	}
	if err != nil {
		return fmt.Errorf("requeue stalled: %w", err)
	}
	return nil
}
