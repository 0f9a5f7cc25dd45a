// Package job holds the periodic maintenance jobs.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/service"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

const (
	aggregatorComponent = "aggregator"

	// watermarkCheckpoint names the aggregated-through watermark
	watermarkCheckpoint = "aggregation"
	// ingestCheckpoint names the newest store write time a cycle has rolled up
	ingestCheckpoint = "aggregation:ingest"
)

// ZoneMaintainer is the zone state swept and snapshotted every cycle
type ZoneMaintainer interface {
	Sweep(now time.Time) service.SweepResult
	Persist(ctx context.Context) error
}

// rollupSource describes how one raw entity type is rolled up
type rollupSource struct {
	entity types.EntityType
	// extract returns the group and value of a raw record
	extract func(rec storage.Record) (string, decimal.Decimal, error)
}

var rollupSources = []rollupSource{
	{
		entity: types.EntityWhaleTransfer,
		extract: func(rec storage.Record) (string, decimal.Decimal, error) {
			var t models.WhaleTransfer
			if err := rec.Decode(&t); err != nil {
				return "", decimal.Zero, err
			}
			return string(t.Priority), t.ValueETH, nil
		},
	},
	{
		entity: types.EntityLiquidation,
		extract: func(rec storage.Record) (string, decimal.Decimal, error) {
			var l models.Liquidation
			if err := rec.Decode(&l); err != nil {
				return "", decimal.Zero, err
			}
			return strings.ToUpper(l.Symbol) + ":" + string(l.Side), l.SizeUSD, nil
		},
	},
}

// AggregatorConfig holds the cycle timing and retention windows
type AggregatorConfig struct {
	Interval time.Duration
	// Retention is how long raw rows are kept; deletion never passes the watermark
	Retention      time.Duration
	AlertRetention time.Duration
	// ZoneRetention bounds persisted zone rows; it is at least the longest zone TTL
	ZoneRetention time.Duration
	// Lookback re-reads raw rows behind the watermark by event time
	Lookback time.Duration
	// WriteGrace re-reads rows written this long before the ingest checkpoint and
	// keeps them from retention until a later cycle has read past them
	WriteGrace    time.Duration
	OpTimeout     time.Duration
	WriteAttempts int
	// Now defaults to time.Now
	Now func() time.Time
}

// AggregatorConfigFrom builds the aggregator configuration from the loaded configuration
func AggregatorConfigFrom(cfg *config.Config) AggregatorConfig {
	zoneRetention := max(cfg.Zones.TTL1m, cfg.Zones.TTL5m, cfg.Zones.TTL15m)
	return AggregatorConfig{
		Interval:       cfg.Aggregation.Interval,
		Retention:      cfg.Aggregation.Retention(),
		AlertRetention: cfg.Alerts.Retention,
		ZoneRetention:  zoneRetention,
		Lookback:       cfg.Market.BackfillOverlap,
		WriteGrace:     cfg.Aggregation.WriteGrace,
		OpTimeout:      cfg.Database.OpTimeout,
		WriteAttempts:  cfg.Database.WriteAttempts,
	}
}

// CycleResult summarises one aggregation cycle
type CycleResult struct {
	Watermark       time.Time           `json:"watermark"`
	IngestedThrough time.Time           `json:"ingested_through"`
	Aggregates      int                 `json:"aggregates"`
	RawDeleted      int64               `json:"raw_deleted"`
	AlertsDeleted   int64               `json:"alerts_deleted"`
	ZoneRowsDeleted int64               `json:"zone_rows_deleted"`
	Sweep           service.SweepResult `json:"sweep"`
	Duration        time.Duration       `json:"duration"`
}

// AggregatorStatus is a point-in-time view of the aggregator
type AggregatorStatus struct {
	Cycles    int64        `json:"cycles"`
	Failures  int64        `json:"failures"`
	Halted    bool         `json:"halted"`
	LastCycle *CycleResult `json:"last_cycle,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Aggregator rolls raw events into timeframe aggregates, advances the
// aggregation watermark, applies retention and maintains zones.
//
// Each cycle writes aggregates before the watermark and deletes raw rows only
// below the durable watermark, so a crash at any step never loses raw rows
// that have not been rolled up. Rows that land behind the watermark, from
// chain catch-up or market backfill, are found by their store write time and
// stay out of retention until a cycle has read them.
type Aggregator struct {
	cfg    AggregatorConfig
	store  storage.EventStore
	zones  ZoneMaintainer
	health *health.Registry
	logger *logging.Logger
	retry  *retry.RetryConfig

	mu     sync.RWMutex
	status AggregatorStatus
}

// NewAggregator creates an aggregator. zones may be nil.
func NewAggregator(cfg AggregatorConfig, store storage.EventStore, zones ZoneMaintainer, registry *health.Registry, logger *logging.Logger) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		cfg:    cfg,
		store:  store,
		zones:  zones,
		health: registry,
		logger: logging.OrGlobal(logger).WithComponent(aggregatorComponent),
		retry:  storage.WriteRetryConfig(cfg.WriteAttempts),
	}, nil
}

// Status returns the current status
func (a *Aggregator) Status() AggregatorStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Run executes a cycle every interval until ctx is cancelled. A cycle in
// progress when ctx is cancelled runs to completion. Run returns early when
// the store stays unavailable beyond the retry ceiling.
func (a *Aggregator) Run(ctx context.Context) error {
	a.health.Healthy(aggregatorComponent)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunCycle(context.WithoutCancel(ctx)); apperrors.IsFatal(err) {
				a.mu.Lock()
				a.status.Halted = true
				a.mu.Unlock()
				a.health.Halted(aggregatorComponent, err.Error())
				a.logger.ErrorWithErr("Aggregator halted", err)
				return err
			}
		}
	}
}

// RunCycle performs one complete cycle: rollups, watermark, retention and
// zone maintenance, in that order.
func (a *Aggregator) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	now := a.cfg.Now().UTC()
	result := &CycleResult{}

	err := a.runCycle(ctx, now, result)
	result.Duration = time.Since(start)

	a.mu.Lock()
	a.status.Cycles++
	if err != nil {
		a.status.Failures++
		a.status.LastError = err.Error()
	} else {
		a.status.LastCycle = result
		a.status.LastError = ""
	}
	a.mu.Unlock()

	if err != nil {
		a.health.Degraded(aggregatorComponent, err.Error())
		a.logger.WithError(err).Warn("Aggregation cycle failed")
		return result, err
	}
	a.health.Healthy(aggregatorComponent)
	a.logger.WithFields(map[string]interface{}{
		"watermark":      result.Watermark.Format(time.RFC3339),
		"aggregates":     result.Aggregates,
		"raw_deleted":    result.RawDeleted,
		"alerts_deleted": result.AlertsDeleted,
		"duration_ms":    result.Duration.Milliseconds(),
	}).Debug("Aggregation cycle completed")
	return result, nil
}

func (a *Aggregator) runCycle(ctx context.Context, now time.Time, result *CycleResult) error {
	watermark, err := a.loadCheckpoint(ctx, watermarkCheckpoint, time.UnixMilli)
	if err != nil {
		return err
	}
	ingested, err := a.loadCheckpoint(ctx, ingestCheckpoint, time.UnixMicro)
	if err != nil {
		return err
	}

	// 1. rollups for every bucket touched since the watermark or written since the last cycle
	cutoff := now.Truncate(time.Minute)
	window := rollupWindow{cutoff: cutoff, now: now}
	if !watermark.IsZero() {
		window.since = watermark.Add(-a.cfg.Lookback)
	}
	if !ingested.IsZero() {
		window.writtenSince = ingested.Add(-a.cfg.WriteGrace)
	}
	readThrough := ingested
	for _, src := range rollupSources {
		n, latest, err := a.rollup(ctx, src, window)
		if err != nil {
			return err
		}
		result.Aggregates += n
		if latest.After(readThrough) {
			readThrough = latest
		}
	}

	// 2. the checkpoints become durable only after their aggregates are
	if cutoff.After(watermark) {
		cp := &models.Checkpoint{Name: watermarkCheckpoint, Position: cutoff.UnixMilli(), UpdatedAt: cutoff}
		if _, err := storage.WriteWithRetry(ctx, a.store, cp, a.retry, a.cfg.OpTimeout); err != nil {
			return err
		}
		watermark = cutoff
	}
	if readThrough.After(ingested) {
		cp := &models.Checkpoint{Name: ingestCheckpoint, Position: readThrough.UnixMicro(), UpdatedAt: now}
		if _, err := storage.WriteWithRetry(ctx, a.store, cp, a.retry, a.cfg.OpTimeout); err != nil {
			return err
		}
	}
	result.Watermark = watermark
	result.IngestedThrough = readThrough

	// 3. retention, never past the durable watermark nor past the rows read so far
	rawBefore := now.Add(-a.cfg.Retention)
	if watermark.Before(rawBefore) {
		rawBefore = watermark
	}
	if !rawBefore.IsZero() && !readThrough.IsZero() {
		r := storage.TimeRange{To: rawBefore, WrittenBefore: readThrough.Add(-a.cfg.WriteGrace)}
		for _, src := range rollupSources {
			n, err := a.deleteRange(ctx, src.entity, r)
			if err != nil {
				return err
			}
			result.RawDeleted += n
		}
	}

	if a.cfg.AlertRetention > 0 {
		n, err := a.deleteResolvedAlerts(ctx, now.Add(-a.cfg.AlertRetention))
		if err != nil {
			return err
		}
		result.AlertsDeleted = n
	}

	// 4. zone maintenance
	if a.zones != nil {
		result.Sweep = a.zones.Sweep(now)
		if err := a.zones.Persist(ctx); err != nil {
			a.logger.WithError(err).Warn("Zone snapshot failed")
		}
		if a.cfg.ZoneRetention > 0 {
			n, err := a.delete(ctx, types.EntityZone, now.Add(-a.cfg.ZoneRetention))
			if err != nil {
				return err
			}
			result.ZoneRowsDeleted = n
		}
	}
	return nil
}

// rollupWindow selects the raw rows a cycle reads
type rollupWindow struct {
	// since bounds the event-time read; zero reads from the beginning
	since  time.Time
	cutoff time.Time
	// writtenSince bounds the write-time read; zero reads every row
	writtenSince time.Time
	now          time.Time
}

// rollup recomputes the complete aggregates of every bucket that has a raw
// row in [since, cutoff) or a row before cutoff written since writtenSince,
// for every aggregate timeframe. It returns the newest write time it read.
func (a *Aggregator) rollup(ctx context.Context, src rollupSource, w rollupWindow) (int, time.Time, error) {
	var touched []storage.Record
	if w.cutoff.After(w.since) {
		recent, err := a.query(ctx, src.entity, storage.Filter{From: w.since, To: w.cutoff})
		if err != nil {
			return 0, time.Time{}, err
		}
		touched = append(touched, recent...)
	}
	late, err := a.query(ctx, src.entity, storage.Filter{To: w.cutoff, WrittenFrom: w.writtenSince})
	if err != nil {
		return 0, time.Time{}, err
	}
	touched = append(touched, late...)

	var latest time.Time
	for _, rec := range touched {
		if rec.WrittenAt.After(latest) {
			latest = rec.WrittenAt
		}
	}
	if len(touched) == 0 {
		return 0, latest, nil
	}

	written := 0
	for _, tf := range types.AggregateTimeframes() {
		width := tf.Duration()
		buckets := make(map[time.Time]struct{})
		for _, rec := range touched {
			buckets[rec.Timestamp.UTC().Truncate(width)] = struct{}{}
		}
		starts := make([]time.Time, 0, len(buckets))
		for b := range buckets {
			starts = append(starts, b)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

		for _, bucketStart := range starts {
			rows, err := a.query(ctx, src.entity, storage.Filter{From: bucketStart, To: bucketStart.Add(width)})
			if err != nil {
				return written, latest, err
			}
			groups := make(map[string]*models.Aggregate)
			for _, rec := range rows {
				group, value, err := src.extract(rec)
				if err != nil {
					a.logger.WithError(err).WithField("key", rec.Key).Warn("Skipping undecodable raw row")
					continue
				}
				agg, ok := groups[group]
				if !ok {
					agg = &models.Aggregate{
						Source:      src.entity,
						Timeframe:   tf,
						BucketStart: bucketStart,
						Group:       group,
						Sum:         decimal.Zero,
						ComputedAt:  w.now,
					}
					groups[group] = agg
				}
				agg.Add(value)
			}
			for _, agg := range groups {
				if _, err := storage.WriteWithRetry(ctx, a.store, agg, a.retry, a.cfg.OpTimeout); err != nil {
					return written, latest, err
				}
				written++
			}
		}
	}
	return written, latest, nil
}

// deleteResolvedAlerts removes alerts last updated before cutoff. Deletion
// stops short of the oldest alert still pending delivery.
func (a *Aggregator) deleteResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	pending, err := a.queryLimit(ctx, types.EntityAlert, storage.Filter{
		To:     cutoff,
		Equals: map[string]string{"status": string(types.AlertPending)},
	}, 1)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		cutoff = pending[0].Timestamp
	}
	return a.delete(ctx, types.EntityAlert, cutoff)
}

// loadCheckpoint reads a checkpoint position, decoded by unit; zero when absent
func (a *Aggregator) loadCheckpoint(ctx context.Context, name string, unit func(int64) time.Time) (time.Time, error) {
	var rec *storage.Record
	err := a.withRetry(ctx, "load "+name, func(opCtx context.Context) error {
		var err error
		rec, err = a.store.Get(opCtx, types.EntityCheckpoint, name)
		if errors.Is(err, storage.ErrNotFound) {
			rec = nil
			return nil
		}
		return err
	})
	if err != nil || rec == nil {
		return time.Time{}, err
	}
	var cp models.Checkpoint
	if err := rec.Decode(&cp); err != nil {
		return time.Time{}, err
	}
	return unit(cp.Position).UTC(), nil
}

func (a *Aggregator) query(ctx context.Context, t types.EntityType, f storage.Filter) ([]storage.Record, error) {
	return a.queryLimit(ctx, t, f, 0)
}

func (a *Aggregator) queryLimit(ctx context.Context, t types.EntityType, f storage.Filter, limit int) ([]storage.Record, error) {
	var out []storage.Record
	err := a.withRetry(ctx, "query "+string(t), func(opCtx context.Context) error {
		var err error
		out, err = a.store.Query(opCtx, t, f, storage.OrderAsc, limit)
		return err
	})
	return out, err
}

func (a *Aggregator) delete(ctx context.Context, t types.EntityType, before time.Time) (int64, error) {
	return a.deleteRange(ctx, t, storage.TimeRange{To: before})
}

func (a *Aggregator) deleteRange(ctx context.Context, t types.EntityType, r storage.TimeRange) (int64, error) {
	var n int64
	err := a.withRetry(ctx, "delete "+string(t), func(opCtx context.Context) error {
		var err error
		n, err = a.store.Delete(opCtx, t, r)
		return err
	})
	if n > 0 {
		a.logger.WithFields(map[string]interface{}{
			"entity_type": t,
			"before":      r.To.Format(time.RFC3339),
			"deleted":     n,
		}).Info("Retention applied")
	}
	return n, err
}

// withRetry bounds each attempt by the store timeout and turns an exhausted
// retry ceiling into a fatal error
func (a *Aggregator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	result := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
		opCtx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
		defer cancel()
		if err := fn(opCtx); err != nil {
			return apperrors.NewStoreError(op, err)
		}
		return nil
	})
	if result.Success {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.NewFatalError("event store", result.Err())
}
