package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

const patternComponent = "pattern_detector"

// Confidence weights
const (
	weightStrength = 0.4
	weightEvidence = 0.3
	weightRecency  = 0.3

	// strengthSaturation is the zone strength at which the strength term is maxed out
	strengthSaturation = 10.0

	transferEvidenceScore = 1.0
	sweepEvidenceScore    = 0.8
)

// ZoneReader is the read side of the zone engine
type ZoneReader interface {
	Timeframes() []types.Timeframe
	TickSize(tf types.Timeframe) decimal.Decimal
	GetZones(tf types.Timeframe, r PriceRange) []models.LiquidityZone
}

// PatternDetectorConfig holds the detection parameters
type PatternDetectorConfig struct {
	Symbol          string
	Window          time.Duration
	MinZoneStrength int
	ConfirmTicks    int
	Expiry          time.Duration
	OpTimeout       time.Duration
	WriteRetry      *retry.RetryConfig
}

// PatternDetectorConfigFrom maps the loaded configuration
func PatternDetectorConfigFrom(cfg *config.PatternsConfig, symbol string, opTimeout time.Duration, writeAttempts int) PatternDetectorConfig {
	return PatternDetectorConfig{
		Symbol:          symbol,
		Window:          cfg.Window,
		MinZoneStrength: cfg.MinZoneStrength,
		ConfirmTicks:    cfg.ConfirmTicks,
		Expiry:          cfg.Expiry,
		OpTimeout:       opTimeout,
		WriteRetry:      storage.WriteRetryConfig(writeAttempts),
	}
}

// EvaluateResult summarizes one evaluation pass
type EvaluateResult struct {
	Created     int
	Updated     int
	Completed   int
	Invalidated int
}

type evidence struct {
	kind  types.PatternType
	ref   string
	price decimal.Decimal
	score float64
	at    time.Time
}

type candidate struct {
	zone       models.LiquidityZone
	ev         evidence
	confidence float64
}

// PatternDetector derives order-block and liquidity-sweep candidates from
// zones co-located with recent whale transfers or liquidation sweeps, and
// resolves them as price confirms or rejects the level.
type PatternDetector struct {
	cfg       PatternDetectorConfig
	zones     ZoneReader
	store     storage.EventStore
	alerts    AlertSubmitter
	formatter *AlertFormatter
	health    *health.Registry
	logger    *logging.Logger

	mu          sync.Mutex
	evidence    []evidence
	lastPrice   decimal.Decimal
	lastPriceAt time.Time
	// active patterns keyed by type and zone
	active map[string]*models.SMCPattern
	// resolvedAt keeps the resolution time per key so evidence that fed a
	// resolved pattern cannot reopen it
	resolvedAt map[string]time.Time
}

// NewPatternDetector creates a detector
func NewPatternDetector(
	cfg PatternDetectorConfig,
	zones ZoneReader,
	store storage.EventStore,
	alerts AlertSubmitter,
	formatter *AlertFormatter,
	registry *health.Registry,
	logger *logging.Logger,
) *PatternDetector {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MinZoneStrength < 1 {
		cfg.MinZoneStrength = 3
	}
	if cfg.ConfirmTicks < 1 {
		cfg.ConfirmTicks = 2
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 30 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.WriteRetry == nil {
		cfg.WriteRetry = storage.WriteRetryConfig(3)
	}
	registry.Healthy(patternComponent)
	return &PatternDetector{
		cfg:        cfg,
		zones:      zones,
		store:      store,
		alerts:     alerts,
		formatter:  formatter,
		health:     registry,
		logger:     logging.OrGlobal(logger).WithComponent(patternComponent),
		active:     make(map[string]*models.SMCPattern),
		resolvedAt: make(map[string]time.Time),
	}
}

// ObserveTransfer records a high-priority transfer as order-block evidence.
// The transfer is located at the ETH price used to value it.
func (d *PatternDetector) ObserveTransfer(t *models.WhaleTransfer) {
	if t.Priority != types.PriorityHigh || !t.EthPriceUSD.IsPositive() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evidence = append(d.evidence, evidence{
		kind:  types.PatternOrderBlock,
		ref:   t.TxHash,
		price: t.EthPriceUSD,
		score: transferEvidenceScore,
		at:    t.Timestamp,
	})
}

// ObserveLiquidation records a liquidation sweep as liquidity-sweep evidence
func (d *PatternDetector) ObserveLiquidation(l *models.Liquidation) {
	if !l.Price.IsPositive() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evidence = append(d.evidence, evidence{
		kind:  types.PatternLiquiditySweep,
		ref:   l.ID,
		price: l.Price,
		score: sweepEvidenceScore,
		at:    l.Timestamp,
	})
}

// ObservePrice records the latest traded price. Older observations are ignored.
func (d *PatternDetector) ObservePrice(symbol string, price decimal.Decimal, at time.Time) {
	if d.cfg.Symbol != "" && !strings.EqualFold(symbol, d.cfg.Symbol) {
		return
	}
	if !price.IsPositive() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if at.Before(d.lastPriceAt) {
		return
	}
	d.lastPrice = price
	d.lastPriceAt = at
}

func patternKey(t types.PatternType, zoneKey string) string {
	return string(t) + "|" + zoneKey
}

// Evaluate resolves active patterns against the latest price, then creates
// or refreshes patterns from the evidence still inside the window.
func (d *PatternDetector) Evaluate(ctx context.Context, now time.Time) EvaluateResult {
	var (
		res      EvaluateResult
		persist  []models.SMCPattern
		detected []models.SMCPattern
		resolved []models.SMCPattern
	)

	d.mu.Lock()
	d.pruneEvidence(now)

	for key, p := range d.active {
		status, reason := d.resolve(p, now)
		if status == "" || !p.Status.CanTransition(status) {
			continue
		}
		p.Status = status
		p.UpdatedAt = now
		resolvedAt := now
		p.ResolvedAt = &resolvedAt
		p.Metadata["resolution"] = reason
		if status == types.PatternCompleted {
			res.Completed++
			resolved = append(resolved, clonePattern(p))
		} else {
			res.Invalidated++
		}
		persist = append(persist, clonePattern(p))
		delete(d.active, key)
		d.resolvedAt[key] = now
	}

	for _, c := range d.candidates(now) {
		key := patternKey(c.ev.kind, models.ZoneKey(c.zone.Timeframe, c.zone.Bucket))
		if at, ok := d.resolvedAt[key]; ok && !c.ev.at.After(at) {
			continue
		}
		if p, ok := d.active[key]; ok {
			// confidence is recomputed only when the supporting evidence changes
			if p.Metadata["evidence_ref"] == c.ev.ref && p.Metadata["zone_strength"] == strconv.Itoa(c.zone.Strength) {
				continue
			}
			p.Confidence = c.confidence
			p.UpdatedAt = now
			p.Metadata["evidence_ref"] = c.ev.ref
			p.Metadata["zone_strength"] = strconv.Itoa(c.zone.Strength)
			res.Updated++
			persist = append(persist, clonePattern(p))
			continue
		}

		p := &models.SMCPattern{
			ID:         uuid.NewString(),
			Type:       c.ev.kind,
			Direction:  d.direction(c.zone),
			Timeframe:  c.zone.Timeframe,
			ZoneKey:    models.ZoneKey(c.zone.Timeframe, c.zone.Bucket),
			PriceLevel: c.zone.Price,
			Confidence: c.confidence,
			Status:     types.PatternActive,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(d.cfg.Expiry),
			Metadata: map[string]string{
				"evidence_ref":  c.ev.ref,
				"zone_type":     string(c.zone.Type),
				"zone_strength": strconv.Itoa(c.zone.Strength),
			},
		}
		d.active[key] = p
		res.Created++
		persist = append(persist, clonePattern(p))
		detected = append(detected, clonePattern(p))
	}
	d.mu.Unlock()

	for i := range persist {
		d.persist(ctx, &persist[i])
	}
	if d.alerts != nil && d.formatter != nil {
		for i := range detected {
			d.alerts.Submit(ctx, d.formatter.Pattern(&detected[i], PatternEventDetected))
		}
		for i := range resolved {
			d.alerts.Submit(ctx, d.formatter.Pattern(&resolved[i], PatternEventCompleted))
		}
	}

	if res != (EvaluateResult{}) {
		d.logger.WithFields(map[string]interface{}{
			"created":     res.Created,
			"updated":     res.Updated,
			"completed":   res.Completed,
			"invalidated": res.Invalidated,
		}).Info("Patterns evaluated")
	}
	return res
}

// pruneEvidence drops evidence and resolutions older than the window. Callers hold mu.
func (d *PatternDetector) pruneEvidence(now time.Time) {
	live := d.evidence[:0]
	for _, ev := range d.evidence {
		if now.Sub(ev.at) <= d.cfg.Window {
			live = append(live, ev)
		}
	}
	d.evidence = live

	for key, at := range d.resolvedAt {
		if now.Sub(at) > d.cfg.Window {
			delete(d.resolvedAt, key)
		}
	}
}

// resolve decides the terminal status of p, if any. Only prices observed
// after the pattern was created count as confirmation. Callers hold mu.
func (d *PatternDetector) resolve(p *models.SMCPattern, now time.Time) (types.PatternStatus, string) {
	if d.lastPriceAt.After(p.CreatedAt) {
		tick := d.zones.TickSize(p.Timeframe)
		delta := tick.Mul(decimal.NewFromInt(int64(d.cfg.ConfirmTicks)))
		above := d.lastPrice.GreaterThanOrEqual(p.PriceLevel.Add(delta))
		below := d.lastPrice.LessThanOrEqual(p.PriceLevel.Sub(delta))

		switch {
		case p.Direction == types.DirectionBullish && above,
			p.Direction == types.DirectionBearish && below:
			return types.PatternCompleted, "confirmed"
		case p.Direction == types.DirectionBullish && below,
			p.Direction == types.DirectionBearish && above:
			return types.PatternInvalidated, "broken"
		}
	}
	if !now.Before(p.ExpiresAt) {
		return types.PatternInvalidated, "expired"
	}
	return "", ""
}

// candidates pairs each zone of sufficient strength with the best evidence
// within one tick of it. Callers hold mu.
func (d *PatternDetector) candidates(now time.Time) []candidate {
	best := make(map[string]candidate)
	for _, tf := range d.zones.Timeframes() {
		tick := d.zones.TickSize(tf)
		for _, ev := range d.evidence {
			r := PriceRange{Min: ev.price.Sub(tick), Max: ev.price.Add(tick)}
			for _, z := range d.zones.GetZones(tf, r) {
				if z.Strength < d.cfg.MinZoneStrength {
					continue
				}
				c := candidate{zone: z, ev: ev, confidence: d.confidence(z, ev, now)}
				key := patternKey(ev.kind, models.ZoneKey(z.Timeframe, z.Bucket))
				if cur, ok := best[key]; !ok || c.confidence > cur.confidence {
					best[key] = c
				}
			}
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].zone.Timeframe != out[j].zone.Timeframe {
			return out[i].zone.Timeframe.Duration() < out[j].zone.Timeframe.Duration()
		}
		if out[i].zone.Bucket != out[j].zone.Bucket {
			return out[i].zone.Bucket < out[j].zone.Bucket
		}
		return out[i].ev.kind < out[j].ev.kind
	})
	return out
}

func (d *PatternDetector) confidence(z models.LiquidityZone, ev evidence, now time.Time) float64 {
	strength := math.Min(float64(z.Strength)/strengthSaturation, 1)
	age := now.Sub(ev.at)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(d.cfg.Window))
	return clamp01(weightStrength*strength + weightEvidence*ev.score + weightRecency*recency)
}

// direction maps the zone type to the move it anticipates. Clusters follow
// the side of the zone the price currently trades on. Callers hold mu.
func (d *PatternDetector) direction(z models.LiquidityZone) types.PatternDirection {
	switch z.Type {
	case types.ZoneSupport:
		return types.DirectionBullish
	case types.ZoneResistance:
		return types.DirectionBearish
	}
	if d.lastPrice.IsPositive() && d.lastPrice.LessThan(z.Price) {
		return types.DirectionBearish
	}
	return types.DirectionBullish
}

func (d *PatternDetector) persist(ctx context.Context, p *models.SMCPattern) {
	if d.store == nil {
		return
	}
	if _, err := storage.WriteWithRetry(ctx, d.store, p, d.cfg.WriteRetry, d.cfg.OpTimeout); err != nil {
		d.logger.WithError(err).WithField("pattern_id", p.ID).Error("Failed to persist pattern")
		if apperrors.IsFatal(err) {
			d.health.Degraded(patternComponent, "pattern persistence unavailable")
		}
		return
	}
	if c, ok := d.health.Get(patternComponent); ok && c.State != health.StateHealthy {
		d.health.Healthy(patternComponent)
	}
}

// Active returns the active patterns ordered by creation time
func (d *PatternDetector) Active() []models.SMCPattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.SMCPattern, 0, len(d.active))
	for _, p := range d.active {
		out = append(out, clonePattern(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore reloads active patterns that have not yet expired
func (d *PatternDetector) Restore(ctx context.Context, now time.Time) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()

	recs, err := d.store.Query(opCtx, types.EntityPattern, storage.Filter{
		From:   now.Add(-d.cfg.Expiry),
		Equals: map[string]string{"status": string(types.PatternActive)},
	}, storage.OrderAsc, 0)
	if err != nil {
		return 0, apperrors.NewStoreError("restore patterns", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	restored := 0
	for _, rec := range recs {
		var p models.SMCPattern
		if err := rec.Decode(&p); err != nil {
			d.logger.WithError(err).WithField("key", rec.Key).Warn("Skipping undecodable pattern")
			continue
		}
		if !now.Before(p.ExpiresAt) {
			continue
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		d.active[patternKey(p.Type, p.ZoneKey)] = &p
		restored++
	}

	d.logger.WithField("patterns", restored).Info("Patterns restored")
	return restored, nil
}

// Run evaluates on every tick until ctx is cancelled
func (d *PatternDetector) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Evaluate(ctx, now.UTC())
		}
	}
}

func clonePattern(p *models.SMCPattern) models.SMCPattern {
	cp := *p
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		cp.ResolvedAt = &at
	}
	return cp
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
