package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

// zoneSnapshotCheckpoint names the checkpoint written after a complete zone snapshot
const zoneSnapshotCheckpoint = "zone_snapshot"

// ZoneEngineConfig holds bucketing and expiry per timeframe
type ZoneEngineConfig struct {
	Ticks     map[types.Timeframe]decimal.Decimal
	TTLs      map[types.Timeframe]time.Duration
	OpTimeout time.Duration
}

// ZoneEngineConfigFrom builds the engine configuration for the zone timeframes
func ZoneEngineConfigFrom(cfg *config.ZonesConfig, opTimeout time.Duration) ZoneEngineConfig {
	out := ZoneEngineConfig{
		Ticks:     make(map[types.Timeframe]decimal.Decimal),
		TTLs:      make(map[types.Timeframe]time.Duration),
		OpTimeout: opTimeout,
	}
	for _, tf := range types.ZoneTimeframes() {
		out.Ticks[tf] = decimal.NewFromFloat(cfg.TickSize(tf))
		out.TTLs[tf] = cfg.TTL(tf)
	}
	return out
}

// PriceRange bounds a zone read. Zero bounds are open.
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (r PriceRange) contains(p decimal.Decimal) bool {
	if !r.Min.IsZero() && p.LessThan(r.Min) {
		return false
	}
	if !r.Max.IsZero() && p.GreaterThan(r.Max) {
		return false
	}
	return true
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	Decayed int
	Pruned  int
	Merged  int
}

type zoneCell struct {
	mu   sync.Mutex
	zone models.LiquidityZone
}

// zoneBook holds the zones of one timeframe. Writers hold mu for reading plus
// the cell lock, so updates to different buckets never serialize. Sweep and
// cell creation hold mu for writing.
type zoneBook struct {
	tf   types.Timeframe
	tick decimal.Decimal
	ttl  time.Duration

	mu    sync.RWMutex
	cells map[int64]*zoneCell
}

func (b *zoneBook) bucketOf(price decimal.Decimal) int64 {
	return price.Div(b.tick).Round(0).IntPart()
}

func (b *zoneBook) priceOf(bucket int64) decimal.Decimal {
	return decimal.NewFromInt(bucket).Mul(b.tick)
}

// apply runs fn on the cell of bucket, creating the cell when absent
func (b *zoneBook) apply(bucket int64, fn func(z *models.LiquidityZone)) models.LiquidityZone {
	for {
		b.mu.RLock()
		if cell, ok := b.cells[bucket]; ok {
			cell.mu.Lock()
			fn(&cell.zone)
			out := cell.zone
			cell.mu.Unlock()
			b.mu.RUnlock()
			return out
		}
		b.mu.RUnlock()

		b.mu.Lock()
		if _, ok := b.cells[bucket]; !ok {
			b.cells[bucket] = &zoneCell{zone: models.LiquidityZone{
				Timeframe: b.tf,
				Bucket:    bucket,
				Price:     b.priceOf(bucket),
			}}
		}
		b.mu.Unlock()
	}
}

func (b *zoneBook) read(r PriceRange) []models.LiquidityZone {
	b.mu.RLock()
	out := make([]models.LiquidityZone, 0, len(b.cells))
	for _, cell := range b.cells {
		cell.mu.Lock()
		z := cell.zone
		cell.mu.Unlock()
		if z.Events > 0 && r.contains(z.Price) {
			out = append(out, z)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// ZoneEngine is the authoritative in-memory store of liquidity zones
type ZoneEngine struct {
	books      map[types.Timeframe]*zoneBook
	timeframes []types.Timeframe
	store      storage.EventStore
	opTimeout  time.Duration
	logger     *logging.Logger
}

// NewZoneEngine creates an engine with one book per configured timeframe
func NewZoneEngine(cfg ZoneEngineConfig, store storage.EventStore, logger *logging.Logger) (*ZoneEngine, error) {
	if len(cfg.Ticks) == 0 {
		return nil, errors.New("at least one timeframe is required")
	}
	e := &ZoneEngine{
		books:     make(map[types.Timeframe]*zoneBook, len(cfg.Ticks)),
		store:     store,
		opTimeout: cfg.OpTimeout,
		logger:    logging.OrGlobal(logger).WithComponent("zone_engine"),
	}
	if e.opTimeout <= 0 {
		e.opTimeout = 5 * time.Second
	}
	for tf, tick := range cfg.Ticks {
		ttl := cfg.TTLs[tf]
		if !tick.IsPositive() {
			return nil, fmt.Errorf("tick size for %s must be positive", tf)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl for %s must be positive", tf)
		}
		e.books[tf] = &zoneBook{tf: tf, tick: tick, ttl: ttl, cells: make(map[int64]*zoneCell)}
		e.timeframes = append(e.timeframes, tf)
	}
	sort.Slice(e.timeframes, func(i, j int) bool {
		return e.timeframes[i].Duration() < e.timeframes[j].Duration()
	})
	return e, nil
}

// Timeframes returns the maintained timeframes, shortest first
func (e *ZoneEngine) Timeframes() []types.Timeframe {
	return append([]types.Timeframe(nil), e.timeframes...)
}

// TickSize returns the bucket width of a timeframe, or zero if unknown
func (e *ZoneEngine) TickSize(tf types.Timeframe) decimal.Decimal {
	if b, ok := e.books[tf]; ok {
		return b.tick
	}
	return decimal.Zero
}

// RecordLiquidityEvent adds liquidity at price to the bucket of timeframe tf.
// A new bucket starts at strength 1; each further event adds its size and one
// strength. The result does not depend on the order of concurrent events.
func (e *ZoneEngine) RecordLiquidityEvent(price, size decimal.Decimal, zoneType types.ZoneType, tf types.Timeframe, ts time.Time) (models.LiquidityZone, error) {
	book, ok := e.books[tf]
	if !ok {
		return models.LiquidityZone{}, apperrors.NewMalformedError("zone event", fmt.Sprintf("unknown timeframe %q", tf))
	}
	if !price.IsPositive() || size.IsNegative() {
		return models.LiquidityZone{}, apperrors.NewMalformedError("zone event", fmt.Sprintf("price %s size %s out of range", price, size))
	}

	return book.apply(book.bucketOf(price), func(z *models.LiquidityZone) {
		reinforce(z, size, zoneType, ts)
	}), nil
}

// RecordLiquidityAll records the event on every timeframe
func (e *ZoneEngine) RecordLiquidityAll(price, size decimal.Decimal, zoneType types.ZoneType, ts time.Time) ([]models.LiquidityZone, error) {
	out := make([]models.LiquidityZone, 0, len(e.timeframes))
	for _, tf := range e.timeframes {
		z, err := e.RecordLiquidityEvent(price, size, zoneType, tf, ts)
		if err != nil {
			return out, err
		}
		out = append(out, z)
	}
	return out, nil
}

// RecordImbalance turns a one-sided book into support (bid heavy) or
// resistance (ask heavy) liquidity at the signal's wall price
func (e *ZoneEngine) RecordImbalance(signal models.ImbalanceSignal) error {
	zoneType := types.ZoneSupport
	if signal.Side == types.SideSell {
		zoneType = types.ZoneResistance
	}
	_, err := e.RecordLiquidityAll(signal.Price, signal.SizeUSD, zoneType, signal.Timestamp)
	return err
}

func reinforce(z *models.LiquidityZone, size decimal.Decimal, zoneType types.ZoneType, ts time.Time) {
	if z.Events == 0 {
		z.SizeUSD = size
		z.Type = zoneType
		z.Strength = 1
		z.Events = 1
		z.FirstSeen = ts
		z.LastUpdated = ts
		return
	}
	z.SizeUSD = z.SizeUSD.Add(size)
	z.Type = types.MergeZoneTypes(z.Type, zoneType)
	z.Strength++
	z.Events++
	if ts.After(z.LastUpdated) {
		z.LastUpdated = ts
	}
	if ts.Before(z.FirstSeen) {
		z.FirstSeen = ts
	}
}

// GetZones returns the zones of tf within r, ascending by price
func (e *ZoneEngine) GetZones(tf types.Timeframe, r PriceRange) []models.LiquidityZone {
	book, ok := e.books[tf]
	if !ok {
		return nil
	}
	return book.read(r)
}

// Snapshot returns every zone, by timeframe then ascending price
func (e *ZoneEngine) Snapshot() []models.LiquidityZone {
	var out []models.LiquidityZone
	for _, tf := range e.timeframes {
		out = append(out, e.books[tf].read(PriceRange{})...)
	}
	return out
}

// Sweep decays zones idle for more than half their TTL, prunes zones idle
// beyond their TTL and merges adjacent buckets. Merging walks buckets in
// ascending price order; the bucket with the larger cumulative size absorbs
// its neighbour, and on a tie the lower price wins.
func (e *ZoneEngine) Sweep(now time.Time) SweepResult {
	var total SweepResult
	for _, tf := range e.timeframes {
		res := e.books[tf].sweep(now)
		total.Decayed += res.Decayed
		total.Pruned += res.Pruned
		total.Merged += res.Merged
	}
	if total != (SweepResult{}) {
		e.logger.WithFields(map[string]interface{}{
			"decayed": total.Decayed,
			"pruned":  total.Pruned,
			"merged":  total.Merged,
		}).Debug("Zone sweep completed")
	}
	return total
}

func (b *zoneBook) sweep(now time.Time) SweepResult {
	var res SweepResult
	decayAfter := b.ttl / 2

	b.mu.Lock()
	defer b.mu.Unlock()

	for bucket, cell := range b.cells {
		z := &cell.zone
		idle := now.Sub(z.LastUpdated)
		if z.Events == 0 || idle > b.ttl {
			delete(b.cells, bucket)
			res.Pruned++
			continue
		}
		if idle > decayAfter && z.Strength > 1 {
			z.Strength--
			res.Decayed++
		}
	}

	buckets := make([]int64, 0, len(b.cells))
	for bucket := range b.cells {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var cur *zoneCell
	for _, bucket := range buckets {
		cell := b.cells[bucket]
		if cur != nil && bucket-cur.zone.Bucket == 1 {
			winner, loser := cur, cell
			if cell.zone.SizeUSD.GreaterThan(cur.zone.SizeUSD) {
				winner, loser = cell, cur
			}
			absorb(&winner.zone, &loser.zone)
			delete(b.cells, loser.zone.Bucket)
			res.Merged++
			cur = winner
			continue
		}
		cur = cell
	}
	return res
}

func absorb(dst, src *models.LiquidityZone) {
	dst.SizeUSD = dst.SizeUSD.Add(src.SizeUSD)
	dst.Strength += src.Strength
	dst.Events += src.Events
	dst.Type = types.MergeZoneTypes(dst.Type, src.Type)
	if src.LastUpdated.After(dst.LastUpdated) {
		dst.LastUpdated = src.LastUpdated
	}
	if src.FirstSeen.Before(dst.FirstSeen) {
		dst.FirstSeen = src.FirstSeen
	}
}

// Persist writes every zone to the store and then marks the snapshot complete
func (e *ZoneEngine) Persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	now := time.Now().UTC()
	zones := e.Snapshot()

	var errs []error
	stale := 0
	for i := range zones {
		z := zones[i]
		z.SnapshotAt = now
		res, err := e.upsert(ctx, &z)
		if err != nil {
			errs = append(errs, fmt.Errorf("zone %s: %w", z.Key(), err))
			continue
		}
		if res.Stale {
			stale++
		}
	}
	if len(errs) > 0 {
		return apperrors.NewStoreError("persist zones", errors.Join(errs...))
	}
	if _, err := e.upsert(ctx, &models.Checkpoint{Name: zoneSnapshotCheckpoint, Position: now.UnixNano(), UpdatedAt: now}); err != nil {
		return apperrors.NewStoreError("persist zone checkpoint", err)
	}

	if stale > 0 {
		e.logger.WithFields(map[string]interface{}{
			"zones": len(zones),
			"stale": stale,
		}).Warn("Zone rows newer than this snapshot were kept; those zones will not restore")
	}
	e.logger.WithField("zones", len(zones)).Debug("Zones persisted")
	return nil
}

// Restore loads the zones of the last complete snapshot that are still within their TTL
func (e *ZoneEngine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	cpRec, err := e.store.Get(opCtx, types.EntityCheckpoint, zoneSnapshotCheckpoint)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewStoreError("restore zones", err)
	}
	var cp models.Checkpoint
	if err := cpRec.Decode(&cp); err != nil {
		return 0, err
	}

	now := time.Now()
	var maxTTL time.Duration
	for _, b := range e.books {
		maxTTL = max(maxTTL, b.ttl)
	}
	recs, err := e.store.Query(opCtx, types.EntityZone, storage.Filter{From: now.Add(-maxTTL)}, storage.OrderAsc, 0)
	if err != nil {
		return 0, apperrors.NewStoreError("restore zones", err)
	}

	restored := 0
	for _, rec := range recs {
		var z models.LiquidityZone
		if err := rec.Decode(&z); err != nil {
			e.logger.WithError(err).WithField("key", rec.Key).Warn("Skipping undecodable zone")
			continue
		}
		book, ok := e.books[z.Timeframe]
		if !ok || z.Events == 0 || z.SnapshotAt.UnixNano() < cp.Position || now.Sub(z.LastUpdated) > book.ttl {
			continue
		}
		book.apply(z.Bucket, func(cur *models.LiquidityZone) {
			if cur.Events == 0 {
				*cur = z
				return
			}
			absorb(cur, &z)
		})
		restored++
	}

	e.logger.WithField("zones", restored).Info("Zones restored")
	return restored, nil
}

func (e *ZoneEngine) upsert(ctx context.Context, entity models.Entity) (storage.UpsertResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	return storage.UpsertEntity(opCtx, e.store, entity)
}
