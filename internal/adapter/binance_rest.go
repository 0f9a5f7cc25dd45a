package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/whale-tracker/internal/circuitbreaker"
	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

const (
	sourceBinanceREST = "binance_rest"

	// Binance caps forced order history pages at 1000
	maxLiquidationPage = 1000
	// Bound on pages walked per call so one poll cannot starve the limiter
	maxLiquidationPages = 20
)

// BinanceREST serves liquidation history, depth snapshots and the latest trade
// from the futures REST API. Calls are paced by a token bucket and guarded by a
// circuit breaker.
type BinanceREST struct {
	client      *futures.Client
	exchange    string
	symbol      string
	topK        int
	pageSize    int
	callTimeout time.Duration
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logging.Logger
}

// NewBinanceREST creates a REST client from market configuration
func NewBinanceREST(cfg *config.MarketConfig, logger *logging.Logger) *BinanceREST {
	client := binance.NewFuturesClient(cfg.APIKey, cfg.APISecret)
	if cfg.RESTBaseURL != "" {
		client.BaseURL = strings.TrimSuffix(cfg.RESTBaseURL, "/")
	}

	rps := cfg.RESTRequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	pageSize := cfg.BackfillPageSize
	if pageSize <= 0 || pageSize > maxLiquidationPage {
		pageSize = 100
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log := logging.OrGlobal(logger).WithComponent("binance_rest")
	return &BinanceREST{
		client:      client,
		exchange:    cfg.Exchange,
		symbol:      strings.ToUpper(cfg.Symbol),
		topK:        cfg.TopK,
		pageSize:    pageSize,
		callTimeout: timeout,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(sourceBinanceREST), log),
		logger:      log,
	}
}

// BreakerState reports the state of the REST circuit breaker
func (b *BinanceREST) BreakerState() circuitbreaker.State {
	return b.breaker.GetState()
}

// Liquidations returns forced orders with trade time in [from, to], oldest first.
// Pages are walked forward by start time until a short page is returned.
func (b *BinanceREST) Liquidations(ctx context.Context, from, to time.Time) ([]*models.Liquidation, error) {
	var out []*models.Liquidation
	seen := make(map[string]struct{})
	start := from.UnixMilli()
	end := to.UnixMilli()

	for page := 0; page < maxLiquidationPages && start <= end; page++ {
		var orders []*futures.LiquidationOrder
		err := b.do(ctx, "Liquidations", func(ctx context.Context) (err error) {
			orders, err = b.client.NewListLiquidationOrdersService().
				Symbol(b.symbol).
				StartTime(start).
				EndTime(end).
				Limit(b.pageSize).
				Do(ctx)
			return err
		})
		if err != nil {
			return out, err
		}

		maxTime := start
		for _, o := range orders {
			liq, err := b.liquidationFromOrder(o)
			if err != nil {
				b.logger.WithError(err).Warn("Skipping malformed liquidation order")
				continue
			}
			if _, dup := seen[liq.ID]; dup {
				continue
			}
			seen[liq.ID] = struct{}{}
			out = append(out, liq)
			if o.Time > maxTime {
				maxTime = o.Time
			}
		}

		if len(orders) < b.pageSize {
			break
		}
		// Several orders can share the boundary millisecond; re-reading it is
		// harmless since ids are deduplicated above and by the store.
		if maxTime == start {
			maxTime++
		}
		start = maxTime
	}
	return out, nil
}

// OrderBook returns a depth snapshot of the configured top K levels
func (b *BinanceREST) OrderBook(ctx context.Context) (*models.OrderBookSnapshot, error) {
	var resp *futures.DepthResponse
	err := b.do(ctx, "OrderBook", func(ctx context.Context) (err error) {
		resp, err = b.client.NewDepthService().Symbol(b.symbol).Limit(depthLimit(b.topK)).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap := &models.OrderBookSnapshot{Symbol: b.symbol, Timestamp: time.Now().UTC()}
	if resp.TradeTime > 0 {
		snap.Timestamp = time.UnixMilli(resp.TradeTime).UTC()
	}
	for _, bid := range resp.Bids {
		lvl, err := restLevel(bid.Price, bid.Quantity)
		if err != nil {
			return nil, err
		}
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, ask := range resp.Asks {
		lvl, err := restLevel(ask.Price, ask.Quantity)
		if err != nil {
			return nil, err
		}
		snap.Asks = append(snap.Asks, lvl)
	}
	return snap, nil
}

// LatestTrade returns the most recent aggregated trade
func (b *BinanceREST) LatestTrade(ctx context.Context) (*models.Trade, error) {
	var trades []*futures.AggTrade
	err := b.do(ctx, "LatestTrade", func(ctx context.Context) (err error) {
		trades, err = b.client.NewAggTradesService().Symbol(b.symbol).Limit(1).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, apperrors.NewMalformedError(sourceBinanceREST, "empty trade list")
	}

	t := trades[len(trades)-1]
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, apperrors.NewParseError(sourceBinanceREST, err)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return nil, apperrors.NewParseError(sourceBinanceREST, err)
	}
	return &models.Trade{
		Symbol:    b.symbol,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.UnixMilli(t.Timestamp).UTC(),
	}, nil
}

// do paces, times out and circuit-breaks a single REST call
func (b *BinanceREST) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return apperrors.NewTransientError(op, NewAdapterError(sourceBinanceREST, op, err, map[string]interface{}{"symbol": b.symbol}))
	}
	return nil
}

func (b *BinanceREST) liquidationFromOrder(o *futures.LiquidationOrder) (*models.Liquidation, error) {
	side, err := parseSide(string(o.Side))
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, apperrors.NewParseError(sourceBinanceREST, err)
	}
	qtyRaw := o.ExecutedQuantity
	if qtyRaw == "" || qtyRaw == "0" {
		qtyRaw = o.OrigQuantity
	}
	qty, err := decimal.NewFromString(qtyRaw)
	if err != nil {
		return nil, apperrors.NewParseError(sourceBinanceREST, err)
	}
	if !price.IsPositive() || !qty.IsPositive() || o.Time <= 0 {
		return nil, apperrors.NewMalformedError(sourceBinanceREST, fmt.Sprintf("liquidation out of range: price=%s qty=%s time=%d", o.Price, qtyRaw, o.Time))
	}
	avg := decimal.Zero
	if o.AveragePrice != "" {
		if avg, err = decimal.NewFromString(o.AveragePrice); err != nil {
			return nil, apperrors.NewParseError(sourceBinanceREST, err)
		}
	}

	liq := &models.Liquidation{
		Exchange:  b.exchange,
		Symbol:    o.Symbol,
		Side:      side,
		Type:      types.LiquidationForced,
		Price:     price,
		AvgPrice:  avg,
		Quantity:  qty,
		Timestamp: time.UnixMilli(o.Time).UTC(),
		Source:    models.SourceBackfill,
	}
	liq.Finalize()
	return liq, nil
}

// depthLimit maps topK to a depth limit the endpoint accepts
func depthLimit(topK int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if topK <= l {
			return l
		}
	}
	return 1000
}

func restLevel(priceRaw, qtyRaw string) (models.PriceLevel, error) {
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return models.PriceLevel{}, apperrors.NewParseError(sourceBinanceREST, err)
	}
	qty, err := decimal.NewFromString(qtyRaw)
	if err != nil {
		return models.PriceLevel{}, apperrors.NewParseError(sourceBinanceREST, err)
	}
	return models.PriceLevel{Price: price, Quantity: qty}, nil
}
