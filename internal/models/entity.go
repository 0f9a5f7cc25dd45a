// Package models holds the domain records written to and read from the event store.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whale-tracker/internal/types"
)

// Entity is a domain record the event store can persist
type Entity interface {
	EntityType() types.EntityType
	Key() string
	// EventTime orders writes for last-writer-wins and bounds retention
	EventTime() time.Time
}

// immutableFields lists, per immutable entity type, the fields that must never diverge
// between two writes under the same key.
var immutableFields = map[types.EntityType][]string{
	types.EntityWhaleTransfer: {"from", "to", "value_eth", "block_number"},
	types.EntityLiquidation:   {"symbol", "side", "price", "quantity"},
}

// ImmutableFields returns the fields compared when a duplicate key is written
func ImmutableFields(entityType types.EntityType) []string {
	return immutableFields[entityType]
}

// EncodeFields flattens an entity into the generic field map stored by the event store
func EncodeFields(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return fields, nil
}

// DecodeFields restores an entity from a stored field map
func DecodeFields(fields map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}
