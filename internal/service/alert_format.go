package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

// Pattern alert events
const (
	PatternEventDetected  = "detected"
	PatternEventCompleted = "completed"
)

// AlertFormatter turns detections into alert candidates
type AlertFormatter struct {
	explorerTxURL   string
	sweepThreshold  decimal.Decimal
	mediumThreshold float64
}

// NewAlertFormatter creates a formatter. Sweeps of at least twice the
// threshold are high priority. Patterns detected with confidence at or above
// mediumConfidence are medium priority, the rest low.
func NewAlertFormatter(explorerTxURL string, sweepThreshold decimal.Decimal, mediumConfidence float64) *AlertFormatter {
	return &AlertFormatter{
		explorerTxURL:   explorerTxURL,
		sweepThreshold:  sweepThreshold,
		mediumThreshold: mediumConfidence,
	}
}

// WhaleTransfer builds the alert for a high-priority transfer
func (f *AlertFormatter) WhaleTransfer(t *models.WhaleTransfer) *models.Alert {
	var msg strings.Builder
	fmt.Fprintf(&msg, "%s ETH (%s) moved\nfrom %s\nto %s",
		t.ValueETH.StringFixed(2), humanUSD(t.ValueUSD), t.From, t.To)
	if t.ExchangeInvolved {
		label := t.ExchangeLabel
		if label == "" {
			label = "known exchange"
		}
		fmt.Fprintf(&msg, "\nExchange: %s", label)
	}
	fmt.Fprintf(&msg, "\nBlock %d", t.BlockNumber)
	if f.explorerTxURL != "" {
		fmt.Fprintf(&msg, "\n%s%s", f.explorerTxURL, t.TxHash)
	}

	return &models.Alert{
		ID:         uuid.NewString(),
		Type:       types.AlertWhaleTransfer,
		Priority:   types.AlertPriorityHigh,
		Title:      fmt.Sprintf("Whale transfer: %s ETH", t.ValueETH.StringFixed(0)),
		Message:    msg.String(),
		RelatedRef: t.TxHash,
		RelatedData: map[string]interface{}{
			"value_eth":         t.ValueETH.String(),
			"value_usd":         t.ValueUSD.String(),
			"block_number":      t.BlockNumber,
			"exchange_involved": t.ExchangeInvolved,
		},
	}
}

// LiquidationSweep builds the alert for a liquidation at or above the sweep threshold
func (f *AlertFormatter) LiquidationSweep(l *models.Liquidation) *models.Alert {
	priority := types.AlertPriorityMedium
	if l.SizeUSD.GreaterThanOrEqual(f.sweepThreshold.Mul(decimal.NewFromInt(2))) {
		priority = types.AlertPriorityHigh
	}
	position := "long"
	if l.Side == types.SideBuy {
		position = "short"
	}

	return &models.Alert{
		ID:       uuid.NewString(),
		Type:     types.AlertLiquidationSweep,
		Priority: priority,
		Title:    fmt.Sprintf("Liquidation sweep: %s %s", humanUSD(l.SizeUSD), l.Symbol),
		Message: fmt.Sprintf("%s %s liquidated on %s\n%s %s at %s",
			humanUSD(l.SizeUSD), position, l.Exchange, l.Quantity.String(), l.Symbol, l.Price.String()),
		RelatedRef: l.ID,
		RelatedData: map[string]interface{}{
			"symbol":   l.Symbol,
			"side":     string(l.Side),
			"price":    l.Price.String(),
			"size_usd": l.SizeUSD.String(),
		},
	}
}

// Pattern builds the alert for a newly detected or completed pattern. Each
// event of a pattern has its own reference so both can be delivered.
func (f *AlertFormatter) Pattern(p *models.SMCPattern, event string) *models.Alert {
	priority := types.AlertPriorityLow
	if event == PatternEventCompleted || p.Confidence >= f.mediumThreshold {
		priority = types.AlertPriorityMedium
	}
	name := strings.ReplaceAll(string(p.Type), "_", " ")

	return &models.Alert{
		ID:       uuid.NewString(),
		Type:     types.AlertSMCPattern,
		Priority: priority,
		Title:    fmt.Sprintf("%s %s %s (%s)", strings.ToUpper(name[:1])+name[1:], p.Direction, event, p.Timeframe),
		Message: fmt.Sprintf("Level %s, confidence %.0f%%\nZone %s",
			p.PriceLevel.String(), p.Confidence*100, p.ZoneKey),
		RelatedRef: p.ID + "/" + event,
		RelatedData: map[string]interface{}{
			"pattern_id": p.ID,
			"status":     string(p.Status),
			"confidence": p.Confidence,
		},
	}
}

// humanUSD renders a USD amount as $1.5M style text
func humanUSD(v decimal.Decimal) string {
	f, _ := v.Float64()
	switch {
	case f >= 1e9:
		return fmt.Sprintf("$%.1fB", f/1e9)
	case f >= 1e6:
		return fmt.Sprintf("$%.1fM", f/1e6)
	case f >= 1e3:
		return fmt.Sprintf("$%.1fK", f/1e3)
	default:
		return fmt.Sprintf("$%.0f", f)
	}
}
