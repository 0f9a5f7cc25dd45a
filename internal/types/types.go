// Package types provides common type definitions for the whale tracker system.
package types

import (
	"fmt"
	"time"
)

// Priority represents the significance tier of a whale transfer
type Priority string

const (
	// PriorityHigh represents transfers at or above the high threshold
	PriorityHigh Priority = "high"
	// PriorityNormal represents transfers between the low and high thresholds
	PriorityNormal Priority = "normal"
)

// Side represents the order side of a market event
type Side string

const (
	// SideBuy represents a buy order (a short position being closed on liquidation)
	SideBuy Side = "buy"
	// SideSell represents a sell order (a long position being closed on liquidation)
	SideSell Side = "sell"
)

// LiquidationType distinguishes forced liquidations from auto-deleveraging
type LiquidationType string

const (
	LiquidationForced LiquidationType = "forced"
	LiquidationADL    LiquidationType = "adl"
)

// Timeframe represents a bucketing resolution
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// ZoneTimeframes lists the timeframes maintained by the zone engine
func ZoneTimeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m}
}

// AggregateTimeframes lists the timeframes produced by rollups
func AggregateTimeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h}
}

// Duration returns the bucket width of the timeframe
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	default:
		return 0
	}
}

// ParseTimeframe parses a timeframe string
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Duration() == 0 {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// ZoneType represents the role of a liquidity zone
type ZoneType string

const (
	ZoneSupport    ZoneType = "support"
	ZoneResistance ZoneType = "resistance"
	ZoneCluster    ZoneType = "cluster"
)

// MergeZoneTypes combines two zone types. Equal types are kept and differing
// types collapse into a cluster, so the result is independent of order.
func MergeZoneTypes(a, b ZoneType) ZoneType {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	return ZoneCluster
}

// PatternType represents a structural market pattern
type PatternType string

const (
	PatternOrderBlock     PatternType = "order_block"
	PatternLiquiditySweep PatternType = "liquidity_sweep"
)

// PatternDirection is the price move a pattern anticipates
type PatternDirection string

const (
	DirectionBullish PatternDirection = "bullish"
	DirectionBearish PatternDirection = "bearish"
)

// PatternStatus represents the lifecycle state of a pattern
type PatternStatus string

const (
	PatternActive      PatternStatus = "active"
	PatternInvalidated PatternStatus = "invalidated"
	PatternCompleted   PatternStatus = "completed"
)

// IsTerminal reports whether no further transitions are allowed
func (s PatternStatus) IsTerminal() bool {
	return s == PatternInvalidated || s == PatternCompleted
}

// CanTransition reports whether moving from s to next is allowed.
// Only active patterns may move, and only to a terminal status.
func (s PatternStatus) CanTransition(next PatternStatus) bool {
	return s == PatternActive && next.IsTerminal()
}

// AlertType represents the rule that produced an alert
type AlertType string

const (
	AlertWhaleTransfer    AlertType = "whale_transfer"
	AlertLiquidationSweep AlertType = "liquidation_sweep"
	AlertSMCPattern       AlertType = "smc_pattern"
)

// AlertPriority represents the urgency of an alert
type AlertPriority string

const (
	AlertPriorityHigh   AlertPriority = "high"
	AlertPriorityMedium AlertPriority = "medium"
	AlertPriorityLow    AlertPriority = "low"
)

// AlertStatus represents the delivery state of an alert
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertSent       AlertStatus = "sent"
	AlertSuppressed AlertStatus = "suppressed"
	AlertFailed     AlertStatus = "failed"
)

// IsResolved reports whether the alert will not change again
func (s AlertStatus) IsResolved() bool {
	return s == AlertSent || s == AlertSuppressed || s == AlertFailed
}

// SuppressReason explains why an alert was not sent
type SuppressReason string

const (
	SuppressDuplicate   SuppressReason = "duplicate"
	SuppressRateLimited SuppressReason = "rate_limited"
	SuppressQueueFull   SuppressReason = "queue_full"
)

// EntityType names a kind of record held by the event store
type EntityType string

const (
	EntityWhaleTransfer EntityType = "whale_transfer"
	EntityLiquidation   EntityType = "liquidation"
	EntityZone          EntityType = "zone"
	EntityPattern       EntityType = "pattern"
	EntityAlert         EntityType = "alert"
	EntityAggregate     EntityType = "aggregate"
	EntityCheckpoint    EntityType = "checkpoint"
)

// IsImmutable reports whether records of this type must never change once stored
func (e EntityType) IsImmutable() bool {
	return e == EntityWhaleTransfer || e == EntityLiquidation
}

// IsRaw reports whether the type holds raw ingested events subject to rollup and retention
func (e EntityType) IsRaw() bool {
	return e.IsImmutable()
}
