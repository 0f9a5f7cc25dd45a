// Package adapter holds the clients for external feeds and notification sinks.
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/whale-tracker/internal/models"
)

// Transfer is a native value transfer observed on chain
type Transfer struct {
	Hash        string
	From        string // lower-case hex
	To          string // lower-case hex
	ValueWei    *big.Int
	BlockNumber uint64
	Timestamp   time.Time
	GasLimit    uint64
	GasPriceWei *big.Int
}

// BlockTransfers carries every value transfer of one block.
// Blocks are delivered in ascending order without gaps within one Stream call.
type BlockTransfers struct {
	Number    uint64
	Timestamp time.Time
	Transfers []Transfer
	// Skipped counts transactions dropped as malformed, e.g. an unrecoverable sender
	Skipped int
}

// TransferFeed is a long-lived subscription to chain transfers
type TransferFeed interface {
	// Stream delivers blocks from fromBlock (0 means the current head) until ctx is
	// cancelled or the subscription fails. It always returns a non-nil error.
	Stream(ctx context.Context, fromBlock uint64, out chan<- BlockTransfers) error
}

// MarketEventKind identifies the payload of a MarketEvent
type MarketEventKind int

const (
	MarketLiquidation MarketEventKind = iota + 1
	MarketBook
	MarketTrade
)

func (k MarketEventKind) String() string {
	switch k {
	case MarketLiquidation:
		return "liquidation"
	case MarketBook:
		return "book"
	case MarketTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// MarketEvent is one parsed exchange stream message
type MarketEvent struct {
	Kind        MarketEventKind
	Liquidation *models.Liquidation
	Book        *models.OrderBookSnapshot
	Trade       *models.Trade
}

// Timestamp returns the exchange time of the event
func (e MarketEvent) Timestamp() time.Time {
	switch e.Kind {
	case MarketLiquidation:
		return e.Liquidation.Timestamp
	case MarketBook:
		return e.Book.Timestamp
	case MarketTrade:
		return e.Trade.Timestamp
	default:
		return time.Time{}
	}
}

// MarketStream is a long-lived exchange event subscription
type MarketStream interface {
	// Stream delivers events until ctx is cancelled or the connection drops.
	// It always returns a non-nil error.
	Stream(ctx context.Context, out chan<- MarketEvent) error
}

// MarketHistory serves REST data used for backfill and gap recovery
type MarketHistory interface {
	Liquidations(ctx context.Context, from, to time.Time) ([]*models.Liquidation, error)
	OrderBook(ctx context.Context) (*models.OrderBookSnapshot, error)
	LatestTrade(ctx context.Context) (*models.Trade, error)
}

// AlertSink delivers formatted alerts to the notification collaborator
type AlertSink interface {
	Send(ctx context.Context, alert *models.Alert) error
	Name() string
}

// Common adapter errors
var (
	// ErrInvalidMessage indicates a feed message could not be interpreted
	ErrInvalidMessage = fmt.Errorf("invalid feed message")

	// ErrSubscriptionClosed indicates the upstream closed the subscription
	ErrSubscriptionClosed = fmt.Errorf("subscription closed")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Source  string
	Op      string // Operation that failed (e.g., "BlockByNumber", "Liquidations")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("adapter error [%s:%s]: %v (details: %+v)", e.Source, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("adapter error [%s:%s]: %v", e.Source, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(source, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Source:  source,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
