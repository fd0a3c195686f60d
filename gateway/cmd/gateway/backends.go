package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voxline/callgate/common/database"
	"github.com/voxline/callgate/common/logging"
	natsclient "github.com/voxline/callgate/common/messaging/nats"
	"github.com/voxline/callgate/gateway/internal/alert"
	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/config"
	"github.com/voxline/callgate/gateway/internal/deliverylog"
	"github.com/voxline/callgate/gateway/internal/handlers"
	"github.com/voxline/callgate/gateway/internal/idempotency"
	"github.com/voxline/callgate/gateway/internal/maintenance"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/results"
	"github.com/voxline/callgate/gateway/internal/tenant"
)

// backends holds every store the gateway runs on, chosen by config.
type backends struct {
	storage string

	pg    *pgxpool.Pool
	redis *redis.Client
	nats  *natsclient.JetStreamClient

	directory   tenant.Directory
	queue       queue.Queue
	log         deliverylog.Log
	idempotency idempotency.Tracker
	purger      maintenance.Purger
	results     results.Broker
	alerter     alert.Notifier
	locker      maintenance.Locker
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{storage: cfg.Storage.Backend}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	needPostgres := cfg.Storage.Backend == "postgres" || cfg.Idempotency.Backend == "postgres"
	if needPostgres {
		slog.Info("Connecting to PostgreSQL")
		pc := database.DefaultPoolConfig()
		if cfg.Database.MaxConns > 0 {
			pc.MaxConns = cfg.Database.MaxConns
		}
		pool, err := database.Connect(ctx, cfg.Database.URL, pc)
		if err != nil {
			return nil, err
		}
		b.pg = pool
		slog.Info("Connected to PostgreSQL")

		if cfg.Database.RunMigrations {
			if err := runMigrations(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
				return nil, err
			}
		}
	}

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		b.redis = redis.NewClient(opts)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Connected to Redis")
	}

	if err := b.openStores(ctx, cfg); err != nil {
		return nil, err
	}

	b.alerter = alert.NewLogNotifier(slog.Default())
	if cfg.NATS.Enabled {
		nc := natsclient.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.Name = "callgate-gateway"
		js, err := natsclient.NewJetStreamClient(nc)
		if err != nil {
			return nil, err
		}
		b.nats = js
		if _, err := js.CreateOrUpdateStream(ctx, natsclient.AlertsStream); err != nil {
			return nil, err
		}
		b.alerter = alert.Multi{b.alerter, alert.NewPublishNotifier(js)}
		slog.Info("Publishing dead-letter alerts to JetStream", slog.String("stream", natsclient.AlertsStream.Name))
	}

	ok = true
	return b, nil
}

func (b *backends) openStores(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Backend == "postgres" {
		dir := tenant.NewPostgresDirectory(b.pg)
		if cfg.Tenants.File != "" {
			seed, err := tenant.LoadFile(cfg.Tenants.File)
			if err != nil {
				return err
			}
			for _, t := range seed.Tenants() {
				if err := dir.Upsert(ctx, t); err != nil {
					return err
				}
			}
			slog.Info("Seeded tenants", slog.Int("count", len(seed.Tenants())))
		}
		b.directory = dir
		b.queue = queue.NewPostgresQueue(b.pg)
		b.log = deliverylog.NewPostgresLog(b.pg)
	} else {
		slog.Warn("Using in-memory storage (development only)")
		dir, err := tenant.LoadFile(cfg.Tenants.File)
		if err != nil {
			return err
		}
		b.directory = dir
		b.queue = queue.NewMemoryQueue()
		b.log = deliverylog.NewMemoryLog()
	}

	switch cfg.Idempotency.Backend {
	case "redis":
		b.idempotency = idempotency.NewRedisTracker(b.redis, cfg.Idempotency.TTL)
	case "postgres":
		pt := idempotency.NewPostgresTracker(b.pg, cfg.Idempotency.TTL)
		b.idempotency = pt
		b.purger = pt
	default:
		b.idempotency = idempotency.NewMemoryTracker(cfg.Idempotency.TTL)
	}

	if b.redis != nil {
		b.results = results.NewRedisBroker(b.redis)
		b.locker = maintenance.NewRedisLocker(b.redis)
	} else {
		b.results = results.NewMemoryBroker()
		b.locker = maintenance.LocalLocker{}
	}
	return nil
}

func (b *backends) ledger(policy booking.Policy, region string) booking.Ledger {
	if b.storage == "postgres" {
		return booking.NewPostgresLedger(b.pg, policy, region)
	}
	return booking.NewMemoryLedger(policy, region)
}

func (b *backends) checks() map[string]handlers.Check {
	checks := make(map[string]handlers.Check)
	if b.pg != nil {
		checks["postgres"] = b.pg.Ping
	}
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	if b.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !b.nats.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

func (b *backends) Close() {
	if b.nats != nil {
		if err := b.nats.Drain(); err != nil {
			slog.Warn("Failed to drain NATS", logging.Error(err))
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pg != nil {
		b.pg.Close()
	}
}

func runMigrations(sourceURL, databaseURL string) error {
	slog.Info("Running database migrations")
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("Could not get migration version", logging.Error(err))
	} else {
		slog.Info("Database migration complete",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}
	return nil
}
