package storage

import (
	"context"
	"sync"
	"time"

	"github.com/whale-tracker/internal/types"
)

// MemoryStore is a process-local EventStore for tests and single-shot runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.EntityType]map[string]Record
	// failNext injects errors for crash tests
	failNext    map[string]error
	unavailable error
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[types.EntityType]map[string]Record),
		failNext: make(map[string]error),
		now:      time.Now,
	}
}

// SetClock replaces the clock that stamps WrittenAt
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of op ("upsert", "query" or "delete") return err
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// SetUnavailable makes every upsert, query and delete fail with err until it is called with nil
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

func (s *MemoryStore) injected(op string) error {
	if s.unavailable != nil {
		return s.unavailable
	}
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

// Upsert implements EventStore.
func (s *MemoryStore) Upsert(_ context.Context, rec Record) (UpsertResult, error) {
	if err := validateRecord(rec); err != nil {
		return UpsertResult{}, err
	}
	_, normalized, err := encodeFields(rec.Fields)
	if err != nil {
		return UpsertResult{}, err
	}
	rec.Fields = normalized

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("upsert"); err != nil {
		return UpsertResult{}, err
	}

	table := s.records[rec.EntityType]
	if table == nil {
		table = make(map[string]Record)
		s.records[rec.EntityType] = table
	}

	var existing *Record
	if cur, ok := table[rec.Key]; ok {
		existing = &cur
	}
	write, res := decideUpsert(existing, rec)
	if write {
		rec.WrittenAt = s.now().UTC()
		table[rec.Key] = rec
	}
	return res, nil
}

// Get implements EventStore.
func (s *MemoryStore) Get(_ context.Context, entityType types.EntityType, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[entityType][key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Query implements EventStore.
func (s *MemoryStore) Query(_ context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
	s.mu.Lock()
	err := s.injected("query")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []Record
	for _, rec := range s.records[entityType] {
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sortRecords(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements EventStore.
func (s *MemoryStore) Delete(_ context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	if err := validateRange(r); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("delete"); err != nil {
		return 0, err
	}

	var n int64
	for key, rec := range s.records[entityType] {
		if inDeleteRange(rec, r) {
			delete(s.records[entityType], key)
			n++
		}
	}
	return n, nil
}

// Count returns the number of records of a type
func (s *MemoryStore) Count(entityType types.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entityType])
}

// Ping implements EventStore.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements EventStore.
func (s *MemoryStore) Close() error { return nil }
