package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// Liquidation sources
const (
	SourceStream   = "stream"
	SourceBackfill = "backfill"
)

// Liquidation represents an exchange-reported forced position close
type Liquidation struct {
	ID        string                `json:"id"`
	Exchange  string                `json:"exchange"`
	Symbol    string                `json:"symbol"`
	Side      types.Side            `json:"side"`
	Type      types.LiquidationType `json:"type"`
	Price     decimal.Decimal       `json:"price"`
	AvgPrice  decimal.Decimal       `json:"avg_price"`
	Quantity  decimal.Decimal       `json:"quantity"`
	SizeUSD   decimal.Decimal       `json:"size_usd"`
	Timestamp time.Time             `json:"timestamp"`
	// Source is stream or backfill; the same event arriving both ways shares one ID
	Source string `json:"source"`
}

// LiquidationID derives the deterministic identity of a liquidation so the
// streamed and backfilled copies of one event collapse into a single record.
func LiquidationID(exchange, symbol string, side types.Side, ts time.Time, price, qty decimal.Decimal) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s:%s",
		strings.ToLower(exchange), strings.ToUpper(symbol), side, ts.UnixMilli(), price.String(), qty.String())
}

// Finalize fills the derived ID and USD size
func (l *Liquidation) Finalize() {
	if l.SizeUSD.IsZero() {
		px := l.AvgPrice
		if px.IsZero() {
			px = l.Price
		}
		l.SizeUSD = px.Mul(l.Quantity)
	}
	if l.Type == "" {
		l.Type = types.LiquidationForced
	}
	l.ID = LiquidationID(l.Exchange, l.Symbol, l.Side, l.Timestamp, l.Price, l.Quantity)
}

func (l *Liquidation) EntityType() types.EntityType { return types.EntityLiquidation }
func (l *Liquidation) Key() string                  { return l.ID }
func (l *Liquidation) EventTime() time.Time         { return l.Timestamp }
