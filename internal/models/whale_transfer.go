package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// WhaleTransfer represents an on-chain ETH transfer above the low threshold
type WhaleTransfer struct {
	TxHash           string          `json:"tx_hash"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	ValueETH         decimal.Decimal `json:"value_eth"`
	ValueUSD         decimal.Decimal `json:"value_usd"`
	EthPriceUSD      decimal.Decimal `json:"eth_price_usd"`
	BlockNumber      uint64          `json:"block_number"`
	Timestamp        time.Time       `json:"timestamp"`
	Priority         types.Priority  `json:"priority"`
	ExchangeInvolved bool            `json:"exchange_involved"`
	ExchangeLabel    string          `json:"exchange_label,omitempty"`
	GasLimit         uint64          `json:"gas_limit"`
	GasPriceGwei     decimal.Decimal `json:"gas_price_gwei"`
	Source           string          `json:"source"`
	IngestID         string          `json:"ingest_id"`
}

func (w *WhaleTransfer) EntityType() types.EntityType { return types.EntityWhaleTransfer }
func (w *WhaleTransfer) Key() string                  { return w.TxHash }
func (w *WhaleTransfer) EventTime() time.Time         { return w.Timestamp }
