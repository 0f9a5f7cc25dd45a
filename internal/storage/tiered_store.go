package storage

import (
	"context"
	"errors"

	"github.com/whale-tracker/internal/types"
)

// TieredStore routes selected entity types to an analytics store and
// everything else to the primary store.
type TieredStore struct {
	primary   EventStore
	analytics EventStore
	routed    map[types.EntityType]bool
}

// NewTieredStore creates a store that sends the given types to analytics
func NewTieredStore(primary, analytics EventStore, routed ...types.EntityType) *TieredStore {
	m := make(map[types.EntityType]bool, len(routed))
	for _, t := range routed {
		m[t] = true
	}
	return &TieredStore{primary: primary, analytics: analytics, routed: m}
}

func (s *TieredStore) pick(t types.EntityType) EventStore {
	if s.routed[t] {
		return s.analytics
	}
	return s.primary
}

// Upsert implements EventStore.
func (s *TieredStore) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	return s.pick(rec.EntityType).Upsert(ctx, rec)
}

// Get implements EventStore.
func (s *TieredStore) Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error) {
	return s.pick(entityType).Get(ctx, entityType, key)
}

// Query implements EventStore.
func (s *TieredStore) Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
	return s.pick(entityType).Query(ctx, entityType, filter, order, limit)
}

// Delete implements EventStore.
func (s *TieredStore) Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	return s.pick(entityType).Delete(ctx, entityType, r)
}

// Ping implements EventStore.
func (s *TieredStore) Ping(ctx context.Context) error {
	return errors.Join(s.primary.Ping(ctx), s.analytics.Ping(ctx))
}

// Close implements EventStore.
func (s *TieredStore) Close() error {
	return errors.Join(s.primary.Close(), s.analytics.Close())
}
