package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// PriceLevel is one price/quantity row of an order book side
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot is a point-in-time view of the top of an order book.
// Bids are ordered best (highest) first and asks best (lowest) first.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// Mid returns the midpoint of the best bid and ask, or zero when either side is empty
func (s *OrderBookSnapshot) Mid() decimal.Decimal {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price.Add(s.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Imbalance computes |bid - ask| / (bid + ask) over the top K levels of each side.
// It returns the ratio and the dominant side; ok is false for an empty book.
func (s *OrderBookSnapshot) Imbalance(topK int) (ratio float64, side types.Side, ok bool) {
	bidVol := sumQuantity(s.Bids, topK)
	askVol := sumQuantity(s.Asks, topK)
	total := bidVol.Add(askVol)
	if !total.IsPositive() {
		return 0, "", false
	}

	side = types.SideBuy
	if askVol.GreaterThan(bidVol) {
		side = types.SideSell
	}
	ratio, _ = bidVol.Sub(askVol).Abs().Div(total).Float64()
	return ratio, side, true
}

// Wall returns the largest level among the top K of the given side
func (s *OrderBookSnapshot) Wall(side types.Side, topK int) (PriceLevel, bool) {
	levels := s.Bids
	if side == types.SideSell {
		levels = s.Asks
	}
	var best PriceLevel
	found := false
	for i, lvl := range levels {
		if topK > 0 && i >= topK {
			break
		}
		if !found || lvl.Quantity.GreaterThan(best.Quantity) {
			best = lvl
			found = true
		}
	}
	return best, found
}

func sumQuantity(levels []PriceLevel, topK int) decimal.Decimal {
	sum := decimal.Zero
	for i, lvl := range levels {
		if topK > 0 && i >= topK {
			break
		}
		sum = sum.Add(lvl.Quantity)
	}
	return sum
}

// ImbalanceSignal reports a one-sided order book. Side buy means bid-heavy.
type ImbalanceSignal struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Ratio     float64         `json:"ratio"`
	Side      types.Side      `json:"side"`
	Price     decimal.Decimal `json:"price"`
	SizeUSD   decimal.Decimal `json:"size_usd"`
}

// Trade is a single aggregated exchange trade
type Trade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}
