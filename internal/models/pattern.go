package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// SMCPattern is a detected market-structure pattern candidate
type SMCPattern struct {
	ID         string                 `json:"id"`
	Type       types.PatternType      `json:"type"`
	Direction  types.PatternDirection `json:"direction"`
	Timeframe  types.Timeframe        `json:"timeframe"`
	ZoneKey    string                 `json:"zone_key"`
	PriceLevel decimal.Decimal        `json:"price_level"`
	Confidence float64                `json:"confidence"`
	Status     types.PatternStatus    `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	// Metadata carries the evidence refs, e.g. the triggering tx hash or liquidation id
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *SMCPattern) EntityType() types.EntityType { return types.EntityPattern }
func (p *SMCPattern) Key() string                  { return p.ID }
func (p *SMCPattern) EventTime() time.Time         { return p.UpdatedAt }
