package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// LiquidityZone is a price-bucketed concentration of liquidity on one timeframe
type LiquidityZone struct {
	Timeframe   types.Timeframe `json:"timeframe"`
	Bucket      int64           `json:"bucket"`
	Price       decimal.Decimal `json:"price"`
	SizeUSD     decimal.Decimal `json:"size_usd"`
	Type        types.ZoneType  `json:"type"`
	Strength    int             `json:"strength"`
	Events      int64           `json:"events"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastUpdated time.Time       `json:"last_updated"`
	// SnapshotAt marks the persistence cycle that wrote the row; restore keeps only the latest cycle
	SnapshotAt time.Time `json:"snapshot_at,omitempty"`
}

// ZoneKey identifies a zone by timeframe and bucket
func ZoneKey(tf types.Timeframe, bucket int64) string {
	return fmt.Sprintf("%s:%d", tf, bucket)
}

func (z *LiquidityZone) EntityType() types.EntityType { return types.EntityZone }
func (z *LiquidityZone) Key() string                  { return ZoneKey(z.Timeframe, z.Bucket) }

// EventTime is the snapshot time of a persisted zone, so each persistence
// cycle supersedes the last one even when the zone was rebuilt from older events
func (z *LiquidityZone) EventTime() time.Time {
	if !z.SnapshotAt.IsZero() {
		return z.SnapshotAt
	}
	return z.LastUpdated
}
