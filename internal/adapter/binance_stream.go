package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

const (
	sourceBinanceStream = "binance_stream"

	// Heartbeat constants
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// BinanceStream subscribes to the USDⓈ-M futures combined stream for one symbol:
// forced liquidations, partial book depth and aggregated trades.
type BinanceStream struct {
	url         string
	exchange    string
	readTimeout time.Duration
	dialer      websocket.Dialer
	logger      *logging.Logger

	malformed atomic.Int64
}

// NewBinanceStream creates a stream from market configuration
func NewBinanceStream(cfg *config.MarketConfig, logger *logging.Logger) *BinanceStream {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 70 * time.Second
	}
	return &BinanceStream{
		url:         CombinedStreamURL(cfg.StreamURL, cfg.Symbol, cfg.TopK),
		exchange:    cfg.Exchange,
		readTimeout: readTimeout,
		dialer:      websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:      logging.OrGlobal(logger).WithComponent("binance_stream"),
	}
}

// CombinedStreamURL builds the combined stream URL for a symbol. Binance serves
// partial depth at 5, 10 or 20 levels; the smallest level covering topK is used.
func CombinedStreamURL(base, symbol string, topK int) string {
	sym := strings.ToLower(symbol)
	levels := 20
	switch {
	case topK <= 5:
		levels = 5
	case topK <= 10:
		levels = 10
	}
	return fmt.Sprintf("%s/stream?streams=%s@forceOrder/%s@depth%d@100ms/%s@aggTrade",
		strings.TrimSuffix(base, "/"), sym, sym, levels, sym)
}

// Malformed returns the number of messages dropped as unparseable
func (s *BinanceStream) Malformed() int64 {
	return s.malformed.Load()
}

// Stream implements MarketStream.
func (s *BinanceStream) Stream(ctx context.Context, out chan<- MarketEvent) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		details := map[string]interface{}{"url": s.url}
		if resp != nil {
			details["status"] = resp.StatusCode
		}
		return apperrors.NewFeedDisconnectedError(sourceBinanceStream, NewAdapterError(sourceBinanceStream, "Dial", err, details))
	}
	s.logger.WithField("url", s.url).Info("Market stream connected")

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)

	// unblock ReadMessage on cancellation
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.readTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteTimeout))
	})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.NewFeedDisconnectedError(sourceBinanceStream, err)
		}
		extend()

		event, err := ParseCombinedMessage(data, s.exchange)
		if err != nil {
			s.malformed.Add(1)
			s.logger.WithError(err).Warn("Dropping malformed market message")
			continue
		}
		if event == nil {
			continue
		}

		select {
		case out <- *event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsEventHeader struct {
	EventType string `json:"e"`
}

type wsForceOrder struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol         string `json:"s"`
		Side           string `json:"S"`
		OrderType      string `json:"o"`
		OrigQuantity   string `json:"q"`
		Price          string `json:"p"`
		AvgPrice       string `json:"ap"`
		Status         string `json:"X"`
		FilledQuantity string `json:"z"`
		TradeTime      int64  `json:"T"`
	} `json:"o"`
}

type wsDepth struct {
	EventTime int64       `json:"E"`
	TradeTime int64       `json:"T"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type wsAggTrade struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// ParseCombinedMessage decodes one combined-stream frame. It returns a nil event
// for frames that carry no market data, such as subscription acknowledgements.
func ParseCombinedMessage(data []byte, exchange string) (*MarketEvent, error) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.NewParseError(sourceBinanceStream, err)
	}
	if len(msg.Data) == 0 {
		return nil, nil
	}

	var header wsEventHeader
	if err := json.Unmarshal(msg.Data, &header); err != nil {
		return nil, apperrors.NewParseError(sourceBinanceStream, err)
	}

	switch header.EventType {
	case "forceOrder":
		var fo wsForceOrder
		if err := json.Unmarshal(msg.Data, &fo); err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
		liq, err := liquidationFromForceOrder(&fo, exchange)
		if err != nil {
			return nil, err
		}
		return &MarketEvent{Kind: MarketLiquidation, Liquidation: liq}, nil

	case "depthUpdate":
		var dp wsDepth
		if err := json.Unmarshal(msg.Data, &dp); err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
		book, err := bookFromDepth(&dp)
		if err != nil {
			return nil, err
		}
		return &MarketEvent{Kind: MarketBook, Book: book}, nil

	case "aggTrade":
		var at wsAggTrade
		if err := json.Unmarshal(msg.Data, &at); err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
		price, err := positiveDecimal("p", at.Price)
		if err != nil {
			return nil, err
		}
		qty, err := positiveDecimal("q", at.Quantity)
		if err != nil {
			return nil, err
		}
		if at.TradeTime <= 0 {
			return nil, apperrors.NewMalformedError(sourceBinanceStream, "missing trade time")
		}
		return &MarketEvent{Kind: MarketTrade, Trade: &models.Trade{
			Symbol:    at.Symbol,
			Price:     price,
			Quantity:  qty,
			Timestamp: time.UnixMilli(at.TradeTime).UTC(),
		}}, nil

	default:
		return nil, nil
	}
}

func liquidationFromForceOrder(fo *wsForceOrder, exchange string) (*models.Liquidation, error) {
	o := fo.Order
	side, err := parseSide(o.Side)
	if err != nil {
		return nil, err
	}
	price, err := positiveDecimal("p", o.Price)
	if err != nil {
		return nil, err
	}
	qtyRaw := o.FilledQuantity
	if qtyRaw == "" || qtyRaw == "0" {
		qtyRaw = o.OrigQuantity
	}
	qty, err := positiveDecimal("q", qtyRaw)
	if err != nil {
		return nil, err
	}
	avg := decimal.Zero
	if o.AvgPrice != "" {
		if avg, err = decimal.NewFromString(o.AvgPrice); err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
	}
	tradeTime := o.TradeTime
	if tradeTime <= 0 {
		tradeTime = fo.EventTime
	}
	if tradeTime <= 0 {
		return nil, apperrors.NewMalformedError(sourceBinanceStream, "missing trade time")
	}

	liq := &models.Liquidation{
		Exchange:  exchange,
		Symbol:    o.Symbol,
		Side:      side,
		Type:      types.LiquidationForced,
		Price:     price,
		AvgPrice:  avg,
		Quantity:  qty,
		Timestamp: time.UnixMilli(tradeTime).UTC(),
		Source:    models.SourceStream,
	}
	liq.Finalize()
	return liq, nil
}

func bookFromDepth(dp *wsDepth) (*models.OrderBookSnapshot, error) {
	ts := dp.TradeTime
	if ts <= 0 {
		ts = dp.EventTime
	}
	if ts <= 0 {
		return nil, apperrors.NewMalformedError(sourceBinanceStream, "missing depth time")
	}
	bids, err := parseLevels(dp.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(dp.Asks)
	if err != nil {
		return nil, err
	}
	return &models.OrderBookSnapshot{
		Symbol:    dp.Symbol,
		Timestamp: time.UnixMilli(ts).UTC(),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

func parseLevels(raw [][2]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, apperrors.NewParseError(sourceBinanceStream, err)
		}
		if qty.IsZero() {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func parseSide(s string) (types.Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return types.SideBuy, nil
	case "SELL":
		return types.SideSell, nil
	default:
		return "", apperrors.NewMalformedError(sourceBinanceStream, fmt.Sprintf("unknown side %q", s))
	}
}

func positiveDecimal(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperrors.NewParseError(sourceBinanceStream, fmt.Errorf("field %s: %w", field, err))
	}
	if !v.IsPositive() {
		return decimal.Zero, apperrors.NewMalformedError(sourceBinanceStream, fmt.Sprintf("field %s out of range: %s", field, raw))
	}
	return v, nil
}
