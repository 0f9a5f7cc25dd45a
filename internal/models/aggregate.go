package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/types"
)

// Aggregate is a rollup of raw events over one timeframe bucket
type Aggregate struct {
	Source      types.EntityType `json:"source"`
	Timeframe   types.Timeframe  `json:"timeframe"`
	BucketStart time.Time        `json:"bucket_start"`
	Group       string           `json:"group"`
	Count       int64            `json:"count"`
	Sum         decimal.Decimal  `json:"sum"`
	Min         decimal.Decimal  `json:"min"`
	Max         decimal.Decimal  `json:"max"`
	ComputedAt  time.Time        `json:"computed_at"`
}

// Add folds one value into the rollup
func (a *Aggregate) Add(v decimal.Decimal) {
	if a.Count == 0 {
		a.Min, a.Max = v, v
	} else {
		a.Min = decimal.Min(a.Min, v)
		a.Max = decimal.Max(a.Max, v)
	}
	a.Sum = a.Sum.Add(v)
	a.Count++
}

func (a *Aggregate) EntityType() types.EntityType { return types.EntityAggregate }
func (a *Aggregate) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", a.Source, a.Timeframe, a.Group, a.BucketStart.Unix())
}
func (a *Aggregate) EventTime() time.Time { return a.BucketStart }

// Checkpoint records how far an ingestor or job has progressed
type Checkpoint struct {
	Name string `json:"name"`
	// Position is a block number for the chain feed and unix millis for time-based feeds
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Checkpoint) EntityType() types.EntityType { return types.EntityCheckpoint }
func (c *Checkpoint) Key() string                  { return c.Name }
func (c *Checkpoint) EventTime() time.Time         { return c.UpdatedAt }
