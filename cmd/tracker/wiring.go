package main

import (
	"context"
	"fmt"

	"github.com/whale-tracker/internal/adapter"
	"github.com/whale-tracker/internal/config"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/ratelimit"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

// openStore builds the primary event store and, when ClickHouse is enabled,
// routes aggregate rows to it.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.EventStore, error) {
	var primary storage.EventStore
	switch cfg.Database.Store {
	case "memory":
		logger.Warn("Using in-memory event store; nothing survives a restart")
		primary = storage.NewMemoryStore()
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Database.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		primary = s
	case "postgres":
		db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		primary = storage.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Database.Store)
	}

	if err := primary.Ping(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("event store unreachable: %w", err)
	}

	if !cfg.Database.ClickHouse.Enabled {
		return primary, nil
	}
	ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	logger.Info("Routing aggregates to ClickHouse")
	return storage.NewTieredStore(primary, storage.NewClickHouseStore(ch), types.EntityAggregate), nil
}

type alertPipeline struct {
	sink     adapter.AlertSink
	limiter  ratelimit.WindowLimiter
	cooldown ratelimit.Cooldown
}

// newAlertPipeline picks the delivery sink and the limiter backend. The
// returned func releases the Redis connection, if any.
func newAlertPipeline(cfg *config.Config, logger *logging.Logger) (*alertPipeline, func(), error) {
	p := &alertPipeline{}
	closeFn := func() {}

	switch cfg.Alerts.Sink {
	case "telegram":
		sink, err := adapter.NewTelegramSink(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID, cfg.Alerts.SendTimeout)
		if err != nil {
			return nil, closeFn, fmt.Errorf("create telegram sink: %w", err)
		}
		p.sink = sink
	default:
		p.sink = adapter.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.SendTimeout)
	}

	if cfg.Alerts.Backend != "redis" {
		p.limiter = ratelimit.NewMemoryWindowLimiter(cfg.Alerts.MaxPerWindow, cfg.Alerts.Window)
		p.cooldown = ratelimit.NewMemoryCooldown(cfg.Alerts.Cooldown)
		return p, closeFn, nil
	}

	client, err := storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		return nil, closeFn, fmt.Errorf("connect redis: %w", err)
	}
	closeFn = func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("Error closing redis")
		}
	}

	limiter, err := ratelimit.NewRedisWindowLimiter(&ratelimit.RedisWindowLimiterConfig{
		Redis:  client.Client(),
		Limit:  cfg.Alerts.MaxPerWindow,
		Window: cfg.Alerts.Window,
	})
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}
	cooldown, err := ratelimit.NewRedisCooldown(client.Client(), cfg.Alerts.Cooldown)
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}
	p.limiter = limiter
	p.cooldown = cooldown
	logger.Info("Alert budget shared through redis")
	return p, closeFn, nil
}
