package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/adapter"
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

const marketComponent = "market_ingestor"

// LiquidityRecorder receives sweep and imbalance liquidity
type LiquidityRecorder interface {
	RecordLiquidityAll(price, size decimal.Decimal, zoneType types.ZoneType, ts time.Time) ([]models.LiquidityZone, error)
	RecordImbalance(signal models.ImbalanceSignal) error
}

// MarketObserver receives sweeps and traded prices as pattern evidence
type MarketObserver interface {
	ObserveLiquidation(l *models.Liquidation)
	ObservePrice(symbol string, price decimal.Decimal, at time.Time)
}

// PriceSink receives live traded prices
type PriceSink interface {
	Update(symbol string, price decimal.Decimal, at time.Time)
}

// MarketIngestorConfig holds the collaborators and thresholds of a market ingestor
type MarketIngestorConfig struct {
	Exchange  string
	Symbol    string
	Stream    adapter.MarketStream
	History   adapter.MarketHistory
	Store     storage.EventStore
	Zones     LiquidityRecorder
	Patterns  MarketObserver
	Prices    PriceSink
	Alerts    service.AlertSubmitter
	Formatter *service.AlertFormatter
	TopK      int
	// ImbalanceThreshold is exclusive: only a ratio above it is recorded
	ImbalanceThreshold float64
	ImbalanceWindow    int
	SweepThresholdUSD  decimal.Decimal
	PollInterval       time.Duration
	BackfillOverlap    time.Duration
	MonotonicTolerance time.Duration
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	OpTimeout          time.Duration
	WriteAttempts      int
	Health             *health.Registry
	Logger             *logging.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// MarketIngestorConfigFrom fills thresholds and timings from the loaded configuration
func MarketIngestorConfigFrom(cfg *config.Config) MarketIngestorConfig {
	return MarketIngestorConfig{
		Exchange:           cfg.Market.Exchange,
		Symbol:             cfg.Market.Symbol,
		TopK:               cfg.Market.TopK,
		ImbalanceThreshold: cfg.Market.ImbalanceThreshold,
		ImbalanceWindow:    cfg.Market.ImbalanceWindow,
		SweepThresholdUSD:  decimal.NewFromFloat(cfg.Market.SweepThresholdUSD),
		PollInterval:       cfg.Market.PollInterval,
		BackfillOverlap:    cfg.Market.BackfillOverlap,
		MonotonicTolerance: cfg.Market.MonotonicTolerance,
		ReconnectBase:      cfg.Market.ReconnectBase,
		ReconnectMax:       cfg.Market.ReconnectMax,
		OpTimeout:          cfg.Database.OpTimeout,
		WriteAttempts:      cfg.Database.WriteAttempts,
	}
}

// MarketIngestorStatus is a point-in-time view of the ingestor
type MarketIngestorStatus struct {
	Running          bool      `json:"running"`
	Halted           bool      `json:"halted"`
	LastProcessed    time.Time `json:"last_processed,omitempty"`
	Liquidations     int64     `json:"liquidations"`
	Sweeps           int64     `json:"sweeps"`
	Duplicates       int64     `json:"duplicates"`
	Conflicts        int64     `json:"conflicts"`
	Malformed        int64     `json:"malformed"`
	Books            int64     `json:"books"`
	Imbalances       int64     `json:"imbalances"`
	Trades           int64     `json:"trades"`
	Backfills        int64     `json:"backfills"`
	Reconnects       int64     `json:"reconnects"`
	LatestImbalance  float64   `json:"latest_imbalance"`
	AverageImbalance float64   `json:"average_imbalance"`
}

// MarketIngestor consumes the exchange stream, reconciles it against REST
// history and turns liquidations, books and trades into downstream signals.
type MarketIngestor struct {
	cfg        MarketIngestorConfig
	writeRetry *retry.RetryConfig
	logger     *logging.Logger

	mu            sync.RWMutex
	running       bool
	status        MarketIngestorStatus
	lastSeen      map[adapter.MarketEventKind]time.Time
	lastProcessed time.Time
	latestBook    *models.OrderBookSnapshot
	imbalances    []float64
	cancel        context.CancelFunc
	doneCh        chan struct{}
}

// NewMarketIngestor creates a market ingestor
func NewMarketIngestor(cfg MarketIngestorConfig) (*MarketIngestor, error) {
	if cfg.Stream == nil {
		return nil, fmt.Errorf("market stream cannot be nil")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("market history cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "binance"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.ImbalanceThreshold <= 0 {
		cfg.ImbalanceThreshold = 0.7
	}
	if cfg.ImbalanceWindow <= 0 {
		cfg.ImbalanceWindow = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BackfillOverlap <= 0 {
		cfg.BackfillOverlap = 2 * time.Minute
	}
	if cfg.MonotonicTolerance <= 0 {
		cfg.MonotonicTolerance = 5 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &MarketIngestor{
		cfg:        cfg,
		writeRetry: storage.WriteRetryConfig(cfg.WriteAttempts),
		logger: logging.OrGlobal(cfg.Logger).WithComponent(marketComponent).WithFields(map[string]interface{}{
			"exchange": cfg.Exchange,
			"symbol":   cfg.Symbol,
		}),
		lastSeen: make(map[adapter.MarketEventKind]time.Time),
	}, nil
}

func (m *MarketIngestor) checkpointName() string {
	return "market:" + strings.ToLower(m.cfg.Exchange) + ":" + strings.ToUpper(m.cfg.Symbol)
}

// Start restores the liquidation checkpoint, backfills the gap and starts the
// stream and poll loops
func (m *MarketIngestor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("market ingestor %s is already running", m.cfg.Symbol)
	}
	m.running = true
	m.status.Running = true
	m.status.Halted = false
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	if last, err := m.loadCheckpoint(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to load checkpoint, backfilling the overlap only")
	} else if !last.IsZero() {
		m.mu.Lock()
		m.lastProcessed = last
		m.status.LastProcessed = last
		m.mu.Unlock()
	}

	m.cfg.Health.Healthy(marketComponent)
	m.logger.Info("Starting market ingestor")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.streamLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		m.pollLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		cancel()
		m.mu.Lock()
		m.running = false
		m.status.Running = false
		close(m.doneCh)
		m.mu.Unlock()
	}()
	return nil
}

// Stop cancels both loops and waits for in-flight writes
func (m *MarketIngestor) Stop(ctx context.Context) error {
	m.mu.RLock()
	running, cancel, doneCh := m.running, m.cancel, m.doneCh
	m.mu.RUnlock()
	if !running {
		return nil
	}

	cancel()
	select {
	case <-doneCh:
		m.logger.Info("Market ingestor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once both loops have exited
func (m *MarketIngestor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doneCh
}

// GetStatus returns the current status
func (m *MarketIngestor) GetStatus() MarketIngestorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LatestBook returns the most recent order book snapshot
func (m *MarketIngestor) LatestBook() (*models.OrderBookSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestBook, m.latestBook != nil
}

func (m *MarketIngestor) streamLoop(ctx context.Context) {
	backoff := retry.NewBackoff(m.cfg.ReconnectBase, m.cfg.ReconnectMax)
	for {
		err := m.consume(ctx, backoff)
		if ctx.Err() != nil {
			return
		}
		if apperrors.IsFatal(err) {
			m.halt(err)
			return
		}

		m.count(func(s *MarketIngestorStatus) { s.Reconnects++ })
		m.cfg.Health.Degraded(marketComponent, "stream disconnected")
		m.logger.WithError(err).WithField("attempt", backoff.Attempt()+1).Warn("Market stream disconnected, reconnecting")
		if err := backoff.Wait(ctx); err != nil {
			return
		}

		// close the gap left by the disconnect before resubscribing
		if err := m.Backfill(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if apperrors.IsFatal(err) {
				m.halt(err)
				return
			}
			m.logger.WithError(err).Warn("Reconnect backfill failed")
		}
	}
}

func (m *MarketIngestor) consume(ctx context.Context, backoff *retry.Backoff) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan adapter.MarketEvent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.cfg.Stream.Stream(streamCtx, events)
	}()

	received := false
	for {
		select {
		case ev := <-events:
			if !received {
				received = true
				backoff.Reset()
				m.cfg.Health.Healthy(marketComponent)
			}
			if err := m.ProcessEvent(context.WithoutCancel(ctx), ev, models.SourceStream); err != nil {
				cancel()
				<-errCh
				return err
			}
		case err := <-errCh:
			return err
		}
	}
}

func (m *MarketIngestor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.halt(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MarketIngestor) halt(err error) {
	m.mu.Lock()
	m.status.Halted = true
	cancel := m.cancel
	m.mu.Unlock()
	m.cfg.Health.Halted(marketComponent, err.Error())
	m.logger.ErrorWithErr("Market ingestor halted", err)
	if cancel != nil {
		cancel()
	}
}

// Poll runs one REST reconciliation: liquidation backfill, a book snapshot
// and the latest trade. REST failures are logged and retried next tick.
func (m *MarketIngestor) Poll(ctx context.Context) error {
	if err := m.Backfill(ctx); err != nil {
		if apperrors.IsFatal(err) {
			return err
		}
		m.logger.WithError(err).Warn("Liquidation backfill failed")
	}

	if book, err := m.cfg.History.OrderBook(ctx); err != nil {
		m.logger.WithError(err).Warn("Order book snapshot failed")
	} else if book != nil {
		if err := m.ProcessEvent(ctx, adapter.MarketEvent{Kind: adapter.MarketBook, Book: book}, models.SourceBackfill); err != nil {
			return err
		}
	}

	if trade, err := m.cfg.History.LatestTrade(ctx); err != nil {
		m.logger.WithError(err).Warn("Latest trade fetch failed")
	} else if trade != nil {
		if err := m.ProcessEvent(ctx, adapter.MarketEvent{Kind: adapter.MarketTrade, Trade: trade}, models.SourceBackfill); err != nil {
			return err
		}
	}
	return nil
}

// Backfill replays REST liquidations over [last processed - overlap, now]
// through the streaming path and then advances the checkpoint.
func (m *MarketIngestor) Backfill(ctx context.Context) error {
	now := m.cfg.Now().UTC()
	m.mu.RLock()
	from := m.lastProcessed
	m.mu.RUnlock()
	if from.IsZero() {
		from = now
	}
	from = from.Add(-m.cfg.BackfillOverlap)

	liqs, err := m.cfg.History.Liquidations(ctx, from, now)
	if err != nil {
		return err
	}
	for _, l := range liqs {
		if err := m.ProcessLiquidation(ctx, l, models.SourceBackfill); err != nil {
			return err
		}
	}
	m.count(func(s *MarketIngestorStatus) { s.Backfills++ })
	if len(liqs) > 0 {
		m.logger.WithFields(map[string]interface{}{
			"from":  from.Format(time.RFC3339),
			"count": len(liqs),
		}).Debug("Liquidation backfill replayed")
	}
	return m.persistCheckpoint(ctx)
}

// ProcessEvent routes one market event. Streamed events older than the feed's
// last seen time minus the tolerance are malformed and dropped; backfill is exempt.
// It returns an error only when the store is unavailable beyond the retry ceiling.
func (m *MarketIngestor) ProcessEvent(ctx context.Context, ev adapter.MarketEvent, source string) error {
	switch ev.Kind {
	case adapter.MarketLiquidation:
		if ev.Liquidation == nil {
			return m.malformed(ev, "missing liquidation")
		}
		return m.ProcessLiquidation(ctx, ev.Liquidation, source)
	case adapter.MarketBook:
		if ev.Book == nil {
			return m.malformed(ev, "missing book")
		}
		if source == models.SourceStream && !m.inOrder(ev) {
			return m.malformed(ev, "out of order")
		}
		m.processBook(ev.Book)
		return nil
	case adapter.MarketTrade:
		if ev.Trade == nil {
			return m.malformed(ev, "missing trade")
		}
		if source == models.SourceStream && !m.inOrder(ev) {
			return m.malformed(ev, "out of order")
		}
		m.processTrade(ev.Trade)
		return nil
	default:
		return m.malformed(ev, "unknown event kind")
	}
}

func (m *MarketIngestor) malformed(ev adapter.MarketEvent, reason string) error {
	m.count(func(s *MarketIngestorStatus) { s.Malformed++ })
	err := apperrors.NewMalformedError(m.cfg.Exchange, reason)
	m.logger.WithError(err).WithField("kind", ev.Kind.String()).Warn("Dropping market event")
	return nil
}

// inOrder applies the per-feed monotonicity tolerance and advances the feed's last seen time
func (m *MarketIngestor) inOrder(ev adapter.MarketEvent) bool {
	ts := ev.Timestamp()
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastSeen[ev.Kind]
	if !last.IsZero() && ts.Before(last.Add(-m.cfg.MonotonicTolerance)) {
		return false
	}
	if ts.After(last) {
		m.lastSeen[ev.Kind] = ts
	}
	return true
}

// ProcessLiquidation stores a liquidation idempotently. A new liquidation at or
// above the sweep threshold becomes cluster liquidity, pattern evidence and an
// alert candidate; a replay of a stored one does nothing further.
func (m *MarketIngestor) ProcessLiquidation(ctx context.Context, l *models.Liquidation, source string) error {
	ev := adapter.MarketEvent{Kind: adapter.MarketLiquidation, Liquidation: l}
	if !l.Price.IsPositive() || !l.Quantity.IsPositive() || l.Timestamp.IsZero() {
		return m.malformed(ev, "non-positive price or quantity")
	}
	if source == models.SourceStream && !m.inOrder(ev) {
		return m.malformed(ev, "out of order")
	}

	liq := *l
	liq.Source = source
	if liq.Exchange == "" {
		liq.Exchange = m.cfg.Exchange
	}
	liq.Finalize()

	log := m.logger.WithFields(map[string]interface{}{
		"liquidation_id": liq.ID,
		"source":         source,
		"size_usd":       liq.SizeUSD.StringFixed(2),
	})

	res, err := storage.WriteWithRetry(ctx, m.cfg.Store, &liq, m.writeRetry, m.cfg.OpTimeout)
	if err != nil {
		return err
	}
	m.advance(liq.Timestamp)

	switch {
	case res.Conflict:
		m.count(func(s *MarketIngestorStatus) { s.Conflicts++ })
		log.WithField("fields", res.ConflictFields).Warn("Data integrity: duplicate liquidation with divergent fields, keeping original")
		return nil
	case res.Duplicate():
		m.count(func(s *MarketIngestorStatus) { s.Duplicates++ })
		return nil
	}
	m.count(func(s *MarketIngestorStatus) { s.Liquidations++ })

	if m.cfg.SweepThresholdUSD.IsPositive() && liq.SizeUSD.GreaterThanOrEqual(m.cfg.SweepThresholdUSD) {
		m.count(func(s *MarketIngestorStatus) { s.Sweeps++ })
		log.Info("Liquidation sweep")

		if m.cfg.Zones != nil {
			if _, err := m.cfg.Zones.RecordLiquidityAll(liq.Price, liq.SizeUSD, types.ZoneCluster, liq.Timestamp); err != nil {
				log.WithError(err).Warn("Failed to record sweep liquidity")
			}
		}
		if m.cfg.Patterns != nil {
			m.cfg.Patterns.ObserveLiquidation(&liq)
		}
		if m.cfg.Alerts != nil && m.cfg.Formatter != nil {
			d := m.cfg.Alerts.Submit(ctx, m.cfg.Formatter.LiquidationSweep(&liq))
			if d.Err != nil && !errors.Is(d.Err, service.ErrDispatcherClosed) {
				log.WithError(d.Err).Warn("Alert submission failed")
			}
		}
	}
	return nil
}

// advance moves the liquidation watermark forward by event time only
func (m *MarketIngestor) advance(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts.After(m.lastProcessed) {
		m.lastProcessed = ts
		m.status.LastProcessed = ts
	}
}

func (m *MarketIngestor) processBook(book *models.OrderBookSnapshot) {
	ratio, side, ok := book.Imbalance(m.cfg.TopK)

	m.mu.Lock()
	m.latestBook = book
	m.status.Books++
	if ok {
		m.imbalances = append(m.imbalances, ratio)
		if len(m.imbalances) > m.cfg.ImbalanceWindow {
			m.imbalances = m.imbalances[len(m.imbalances)-m.cfg.ImbalanceWindow:]
		}
		var sum float64
		for _, r := range m.imbalances {
			sum += r
		}
		m.status.LatestImbalance = ratio
		m.status.AverageImbalance = sum / float64(len(m.imbalances))
	}
	m.mu.Unlock()

	if !ok || ratio <= m.cfg.ImbalanceThreshold {
		return
	}
	wall, found := book.Wall(side, m.cfg.TopK)
	if !found {
		return
	}
	m.count(func(s *MarketIngestorStatus) { s.Imbalances++ })

	signal := models.ImbalanceSignal{
		Symbol:    book.Symbol,
		Timestamp: book.Timestamp,
		Ratio:     ratio,
		Side:      side,
		Price:     wall.Price,
		SizeUSD:   wall.Price.Mul(wall.Quantity),
	}
	m.logger.WithFields(map[string]interface{}{
		"ratio": ratio,
		"side":  side,
		"price": wall.Price.String(),
	}).Debug("Order book imbalance")
	if m.cfg.Zones != nil {
		if err := m.cfg.Zones.RecordImbalance(signal); err != nil {
			m.logger.WithError(err).Warn("Failed to record imbalance liquidity")
		}
	}
}

func (m *MarketIngestor) processTrade(trade *models.Trade) {
	m.count(func(s *MarketIngestorStatus) { s.Trades++ })
	symbol := trade.Symbol
	if symbol == "" {
		symbol = m.cfg.Symbol
	}
	if m.cfg.Prices != nil {
		m.cfg.Prices.Update(symbol, trade.Price, trade.Timestamp)
	}
	if m.cfg.Patterns != nil {
		m.cfg.Patterns.ObservePrice(symbol, trade.Price, trade.Timestamp)
	}
}

func (m *MarketIngestor) count(fn func(s *MarketIngestorStatus)) {
	m.mu.Lock()
	fn(&m.status)
	m.mu.Unlock()
}

func (m *MarketIngestor) persistCheckpoint(ctx context.Context) error {
	m.mu.RLock()
	last := m.lastProcessed
	m.mu.RUnlock()
	if last.IsZero() {
		return nil
	}
	cp := &models.Checkpoint{Name: m.checkpointName(), Position: last.UnixMilli(), UpdatedAt: last}
	_, err := storage.WriteWithRetry(context.WithoutCancel(ctx), m.cfg.Store, cp, m.writeRetry, m.cfg.OpTimeout)
	return err
}

func (m *MarketIngestor) loadCheckpoint(ctx context.Context) (time.Time, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()

	rec, err := m.cfg.Store.Get(opCtx, types.EntityCheckpoint, m.checkpointName())
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.NewStoreError("load market checkpoint", err)
	}
	var cp models.Checkpoint
	if err := rec.Decode(&cp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(cp.Position).UTC(), nil
}
