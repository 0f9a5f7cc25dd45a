package service

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource provides the latest observed price of a symbol
type PriceSource interface {
	Latest(symbol string) (price decimal.Decimal, at time.Time, ok bool)
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// LivePrice keeps the most recent trade price per symbol.
// Updates older than the stored observation are ignored.
type LivePrice struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

// NewLivePrice creates an empty price cache
func NewLivePrice() *LivePrice {
	return &LivePrice{prices: make(map[string]pricePoint)}
}

// Update records a price observation
func (p *LivePrice) Update(symbol string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	key := strings.ToUpper(symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.prices[key]; ok && at.Before(cur.at) {
		return
	}
	p.prices[key] = pricePoint{price: price, at: at}
}

// Latest implements PriceSource
func (p *LivePrice) Latest(symbol string) (decimal.Decimal, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.prices[strings.ToUpper(symbol)]
	return pt.price, pt.at, ok
}
