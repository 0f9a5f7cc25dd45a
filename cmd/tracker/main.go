// Package main is the whale tracker entry point: it wires the ingestors,
// detection engines, alert pipeline, aggregator and ops server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/adapter"
	"github.com/whale-tracker/internal/api"
	"github.com/whale-tracker/internal/config"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/job"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/service"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	).WithComponent("tracker")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Tracker exited with error")
	}
	logger.Info("Tracker exited")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := health.NewRegistry()

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store := storage.NewMonitoredStore(backend, 250*time.Millisecond)
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Error closing event store")
		}
	}()

	alerts, closeAlerts, err := newAlertPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAlerts()
	dispatcher := service.NewAlertDispatcher(
		service.AlertDispatcherConfig{
			QueueSize:   cfg.Alerts.QueueSize,
			Delivery:    retry.DeliveryRetryConfig(cfg.Alerts.DeliveryAttempts, cfg.Alerts.RetryBase),
			SendTimeout: cfg.Alerts.SendTimeout,
			WriteRetry:  storage.WriteRetryConfig(cfg.Database.WriteAttempts),
			OpTimeout:   cfg.Database.OpTimeout,
		},
		alerts.sink, alerts.limiter, alerts.cooldown, store, registry, logger,
	)

	formatter := service.NewAlertFormatter(
		cfg.Alerts.ExplorerTxURL,
		decimal.NewFromFloat(cfg.Market.SweepThresholdUSD),
		cfg.Patterns.AlertConfidence,
	)

	zones, err := service.NewZoneEngine(service.ZoneEngineConfigFrom(&cfg.Zones, cfg.Database.OpTimeout), store, logger)
	if err != nil {
		return err
	}
	if _, err := zones.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Zone restore failed, starting empty")
	}

	patterns := service.NewPatternDetector(
		service.PatternDetectorConfigFrom(&cfg.Patterns, cfg.Market.Symbol, cfg.Database.OpTimeout, cfg.Database.WriteAttempts),
		zones, store, dispatcher, formatter, registry, logger,
	)
	if _, err := patterns.Restore(ctx, time.Now().UTC()); err != nil {
		logger.WithError(err).Warn("Pattern restore failed, starting empty")
	}

	prices := service.NewLivePrice()

	feed, err := adapter.NewEthereumFeed(&cfg.Chain, logger)
	if err != nil {
		return err
	}
	chainCfg := worker.ChainIngestorConfigFrom(cfg)
	chainCfg.Feed = feed
	chainCfg.Store = store
	chainCfg.Alerts = dispatcher
	chainCfg.Formatter = formatter
	chainCfg.Patterns = patterns
	chainCfg.Prices = prices
	chainCfg.Health = registry
	chainCfg.Logger = logger
	chain, err := worker.NewChainIngestor(chainCfg)
	if err != nil {
		return err
	}

	rest := adapter.NewBinanceREST(&cfg.Market, logger)
	marketCfg := worker.MarketIngestorConfigFrom(cfg)
	marketCfg.Stream = adapter.NewBinanceStream(&cfg.Market, logger)
	marketCfg.History = rest
	marketCfg.Store = store
	marketCfg.Zones = zones
	marketCfg.Patterns = patterns
	marketCfg.Prices = prices
	marketCfg.Alerts = dispatcher
	marketCfg.Formatter = formatter
	marketCfg.Health = registry
	marketCfg.Logger = logger
	market, err := worker.NewMarketIngestor(marketCfg)
	if err != nil {
		return err
	}

	aggregator, err := job.NewAggregator(job.AggregatorConfigFrom(cfg), store, zones, registry, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfigFrom(&cfg.Ops), registry, logger)
	server.RegisterStatus("chain_ingestor", func() interface{} { return chain.GetStatus() })
	server.RegisterStatus("chain_endpoints", func() interface{} { return feed.Endpoints() })
	server.RegisterStatus("market_ingestor", func() interface{} { return market.GetStatus() })
	server.RegisterStatus("market_rest", func() interface{} {
		return map[string]string{"breaker": string(rest.BreakerState())}
	})
	server.RegisterStatus("alert_dispatcher", func() interface{} { return dispatcher.Stats() })
	server.RegisterStatus("aggregator", func() interface{} { return aggregator.Status() })
	server.RegisterStatus("event_store", func() interface{} { return store.Stats() })
	server.RegisterStatus("zone_engine", func() interface{} {
		return map[string]int{"zones": len(zones.Snapshot())}
	})
	server.RegisterStatus("pattern_detector", func() interface{} {
		return map[string]int{"active": len(patterns.Active())}
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	if err := chain.Start(ctx); err != nil {
		return fmt.Errorf("start chain ingestor: %w", err)
	}
	if err := market.Start(ctx); err != nil {
		return fmt.Errorf("start market ingestor: %w", err)
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		patterns.Run(ctx, cfg.Patterns.EvaluateEvery)
	}()
	go func() {
		defer background.Done()
		if err := aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Aggregator stopped")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"chain":  cfg.Chain.Name,
		"symbol": cfg.Market.Symbol,
		"store":  cfg.Database.Store,
		"ops":    cfg.Ops.Host + ":" + cfg.Ops.Port,
	}).Info("Tracker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down tracker")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Ops server failed, shutting down")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer shutdownCancel()

	// ingestors first so nothing new reaches the dispatcher
	cancel()
	if err := chain.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Chain ingestor did not stop cleanly")
	}
	if err := market.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Market ingestor did not stop cleanly")
	}
	background.Wait()

	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Alert queue not fully drained")
	}
	if err := zones.Persist(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Final zone snapshot failed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Ops server forced to shutdown")
	}

	return nil
}
