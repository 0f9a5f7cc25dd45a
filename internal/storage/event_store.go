// Package storage provides the event store and its database backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

// ErrNotFound is returned by Get when no record exists under the key
var ErrNotFound = errors.New("record not found")

// Record is the generic row held by the event store
type Record struct {
	EntityType types.EntityType
	Key        string
	// Timestamp orders writes for mutable types and bounds queries and deletes
	Timestamp time.Time
	Fields    map[string]interface{}
	// WrittenAt is stamped by the store on every accepted write and ignored on input
	WrittenAt time.Time
}

// UpsertResult describes what an upsert did
type UpsertResult struct {
	Created bool
	Updated bool
	// Stale is set when a mutable write lost to a newer stored timestamp
	Stale bool
	// Conflict is set when an immutable duplicate carried divergent fields; the original is kept
	Conflict       bool
	ConflictFields []string
}

// Duplicate reports whether the write was a no-op
func (r UpsertResult) Duplicate() bool {
	return !r.Created && !r.Updated
}

// Order is the sort direction of a query, by timestamp
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// Filter narrows a query. From is inclusive and To exclusive; zero values are unbounded.
type Filter struct {
	From time.Time
	To   time.Time
	// Equals matches string-valued fields exactly
	Equals map[string]string
	// WrittenFrom selects rows written at or after it, whatever their timestamp
	WrittenFrom time.Time
}

// TimeRange selects records by timestamp in [From, To). A zero From is unbounded.
// A non-zero WrittenBefore also requires the row to have been written before it.
type TimeRange struct {
	From          time.Time
	To            time.Time
	WrittenBefore time.Time
}

// EventStore is the narrow persistence interface used by every component.
//
// Upsert is idempotent by (entity type, key). Immutable entity types are
// insert-if-absent: a duplicate is a no-op and divergent immutable fields
// are reported as a conflict. Mutable types are last-writer-wins by
// Record.Timestamp.
type EventStore interface {
	Upsert(ctx context.Context, rec Record) (UpsertResult, error)
	Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error)
	Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error)
	Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewRecord builds a store record from a domain entity
func NewRecord(e models.Entity) (Record, error) {
	fields, err := models.EncodeFields(e)
	if err != nil {
		return Record{}, err
	}
	return Record{
		EntityType: e.EntityType(),
		Key:        e.Key(),
		Timestamp:  e.EventTime(),
		Fields:     fields,
	}, nil
}

// Decode fills v from the record fields
func (r Record) Decode(v interface{}) error {
	return models.DecodeFields(r.Fields, v)
}

// UpsertEntity encodes and upserts a domain entity
func UpsertEntity(ctx context.Context, store EventStore, e models.Entity) (UpsertResult, error) {
	rec, err := NewRecord(e)
	if err != nil {
		return UpsertResult{}, err
	}
	return store.Upsert(ctx, rec)
}

// validateRecord rejects records no backend can key
func validateRecord(rec Record) error {
	if rec.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if rec.Key == "" {
		return fmt.Errorf("key is required for %s", rec.EntityType)
	}
	return nil
}

// encodeFields normalizes fields through JSON so stored and incoming values compare equal
func encodeFields(fields map[string]interface{}) ([]byte, map[string]interface{}, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return raw, normalized, nil
}

func decodeFields(raw []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return fields, nil
}

// decideUpsert applies the idempotency rules. existing is nil when the key is absent.
func decideUpsert(existing *Record, incoming Record) (write bool, res UpsertResult) {
	if existing == nil {
		return true, UpsertResult{Created: true}
	}
	if incoming.EntityType.IsImmutable() {
		diverged := divergentFields(existing.Fields, incoming.Fields, models.ImmutableFields(incoming.EntityType))
		if len(diverged) > 0 {
			return false, UpsertResult{Conflict: true, ConflictFields: diverged}
		}
		return false, UpsertResult{}
	}
	if incoming.Timestamp.Before(existing.Timestamp) {
		return false, UpsertResult{Stale: true}
	}
	return true, UpsertResult{Updated: true}
}

func divergentFields(stored, incoming map[string]interface{}, names []string) []string {
	var diverged []string
	for _, name := range names {
		if !reflect.DeepEqual(stored[name], incoming[name]) {
			diverged = append(diverged, name)
		}
	}
	return diverged
}

func matchesFilter(rec Record, f Filter) bool {
	if !f.WrittenFrom.IsZero() && rec.WrittenAt.Before(f.WrittenFrom) {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	for field, want := range f.Equals {
		v, ok := rec.Fields[field]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// validateRange requires an upper bound so a delete can never sweep everything
func validateRange(r TimeRange) error {
	if r.To.IsZero() {
		return fmt.Errorf("delete requires an upper bound")
	}
	return nil
}

func inDeleteRange(rec Record, r TimeRange) bool {
	if !r.WrittenBefore.IsZero() && !rec.WrittenAt.Before(r.WrittenBefore) {
		return false
	}
	return inRange(rec.Timestamp, r)
}

func inRange(ts time.Time, r TimeRange) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	return ts.Before(r.To)
}

func sortRecords(recs []Record, order Order) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if order == OrderDesc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if order == OrderDesc {
			return a.Key > b.Key
		}
		return a.Key < b.Key
	})
}

func sortedEqualsKeys(eq map[string]string) []string {
	keys := make([]string, 0, len(eq))
	for k := range eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
