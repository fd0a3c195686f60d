package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/common/opsauth"
	"github.com/voxline/callgate/common/signature"
	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/config"
	"github.com/voxline/callgate/gateway/internal/dispatcher"
	"github.com/voxline/callgate/gateway/internal/events"
	"github.com/voxline/callgate/gateway/internal/handlers"
	"github.com/voxline/callgate/gateway/internal/maintenance"
	"github.com/voxline/callgate/gateway/internal/ratelimit"
	"github.com/voxline/callgate/gateway/internal/server"
	"github.com/voxline/callgate/gateway/internal/tenant"
	"github.com/voxline/callgate/gateway/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("gateway"))
	logging.SetDefault(logger)

	slog.Info("Starting callgate gateway",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("idempotency", cfg.Idempotency.Backend),
		slog.Int("workers", cfg.Queue.Workers),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize backends", logging.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	policy, err := booking.NewPolicy(cfg.Booking.Step, cfg.Booking.Alternatives,
		cfg.Booking.DayStart, cfg.Booking.DayEnd, cfg.Booking.Timezone)
	if err != nil {
		slog.Error("Invalid booking policy", logging.Error(err))
		os.Exit(1)
	}
	ledger := b.ledger(policy, cfg.Booking.DefaultRegion)

	var syncer booking.CalendarSyncer = booking.LogSyncer{Logger: logger.Logger}
	if cfg.Calendar.URL != "" {
		slog.Info("Enabling calendar sync", slog.String("url", cfg.Calendar.URL))
		syncer = booking.NewHTTPSyncer(cfg.Calendar.URL, cfg.Calendar.Secret, cfg.Calendar.Timeout)
	}

	registry := events.NewRegistry(events.Deps{
		Ledger:          ledger,
		Queue:           b.queue,
		Syncer:          syncer,
		DefaultDuration: cfg.Booking.DefaultDuration,
		SyncMaxAttempts: cfg.Calendar.SyncMaxAttempts,
		Location:        policy.Location,
		Logger:          logger.Logger,
	})

	pool := worker.NewPool(worker.Config{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.LeaseTimeout / 2,
		Backoff: worker.Backoff{
			Base:   cfg.Queue.BackoffBase,
			Max:    cfg.Queue.BackoffMax,
			Jitter: cfg.Queue.BackoffJitter,
		},
		IDPrefix: hostname(),
	}, b.queue, b.log, registry, b.results, b.alerter, logger.Logger)

	var limiter ratelimit.RateLimiter = ratelimit.NoOpRateLimiter{}
	if cfg.RateLimit.Enabled && b.redis != nil {
		limiter = ratelimit.NewRedisRateLimiter(b.redis, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	} else if cfg.RateLimit.Enabled {
		slog.Warn("Rate limiting needs redis; running without it")
	}

	var verifierOpts []signature.Option
	if cfg.Signature.AllowLegacyFallback {
		verifierOpts = append(verifierOpts, signature.WithLegacySecret(cfg.Signature.LegacySecret))
	}

	d := dispatcher.New(dispatcher.Config{
		SyncDeadline: cfg.Dispatch.SyncDeadline,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		MaxDepth:     cfg.Queue.MaxDepth,
	}, dispatcher.Deps{
		Resolver:    tenant.NewResolver(b.directory),
		Verifier:    signature.NewVerifier(cfg.Signature.ReplayWindow, verifierOpts...),
		Limiter:     limiter,
		Registry:    registry,
		Idempotency: b.idempotency,
		Queue:       b.queue,
		Log:         b.log,
		Results:     b.results,
		Logger:      logger.Logger,
	})

	sweeper := maintenance.New(maintenance.Config{
		Interval:     cfg.Maintenance.Interval,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		HoldTTL:      cfg.Booking.HoldTTL,
		LogRetention: cfg.Maintenance.LogRetention,
	}, b.queue, b.log, ledger, b.purger, b.alerter, b.locker, logger.Logger)

	h := server.Handlers{
		Webhook: handlers.NewWebhookHandler(d, cfg.Server.MaxBodyBytes, logger.Logger),
		Health:  handlers.NewHealthHandler(b.checks()),
	}
	if cfg.Ops.JWTSecret != "" {
		h.Ops = handlers.NewOpsHandler(b.queue, b.log, logger.Logger)
		h.Auth = opsauth.New(cfg.Ops.JWTSecret)
	} else {
		slog.Warn("ops.jwt_secret not set; ops endpoints disabled")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, logger.Logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", logging.Error(err))
		os.Exit(1)
	}
	sweeper.Start(ctx)

	go func() {
		slog.Info("Gateway listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	// Stop taking events first so nothing is enqueued after the workers
	// drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	sweeper.Stop()
	pool.Stop()
	stop()

	slog.Info("Gateway stopped gracefully")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return name
}
