package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/whale-tracker/internal/types"
)

const monitorSamples = 1000

// OpStats summarises the recent latency of one store operation
type OpStats struct {
	Calls  int64   `json:"calls"`
	Errors int64   `json:"errors"`
	Slow   int64   `json:"slow"`
	AvgMs  float64 `json:"avg_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

type opSamples struct {
	calls, errors, slow int64
	// ring of the last monitorSamples durations
	times []time.Duration
	next  int
}

func (o *opSamples) record(d time.Duration, err error, slow time.Duration) {
	o.calls++
	if err != nil {
		o.errors++
	}
	if d > slow {
		o.slow++
	}
	if len(o.times) < monitorSamples {
		o.times = append(o.times, d)
		return
	}
	o.times[o.next] = d
	o.next = (o.next + 1) % monitorSamples
}

func (o *opSamples) stats() OpStats {
	s := OpStats{Calls: o.calls, Errors: o.errors, Slow: o.slow}
	if len(o.times) == 0 {
		return s
	}
	sorted := make([]time.Duration, len(o.times))
	copy(sorted, o.times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.AvgMs = ms(total) / float64(len(sorted))
	s.P95Ms = ms(sorted[percentileIndex(len(sorted), 0.95)])
	s.P99Ms = ms(sorted[percentileIndex(len(sorted), 0.99)])
	return s
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// MonitoredStore wraps an EventStore and tracks per-operation latency and
// error counts for the ops status page.
type MonitoredStore struct {
	EventStore
	slow    time.Duration
	elapsed func(start time.Time) time.Duration

	mu  sync.Mutex
	ops map[string]*opSamples
}

// NewMonitoredStore wraps inner. Calls slower than slow are counted separately.
func NewMonitoredStore(inner EventStore, slow time.Duration) *MonitoredStore {
	if slow <= 0 {
		slow = 100 * time.Millisecond
	}
	return &MonitoredStore{
		EventStore: inner,
		slow:       slow,
		elapsed:    time.Since,
		ops:        make(map[string]*opSamples),
	}
}

func (m *MonitoredStore) observe(op string, start time.Time, err error) {
	d := m.elapsed(start)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ops[op]
	if !ok {
		s = &opSamples{}
		m.ops[op] = s
	}
	s.record(d, err, m.slow)
}

// Upsert implements EventStore.
func (m *MonitoredStore) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	start := time.Now()
	res, err := m.EventStore.Upsert(ctx, rec)
	m.observe("upsert", start, err)
	return res, err
}

// Get implements EventStore. A missing key is not an error here.
func (m *MonitoredStore) Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error) {
	start := time.Now()
	rec, err := m.EventStore.Get(ctx, entityType, key)
	if errors.Is(err, ErrNotFound) {
		m.observe("get", start, nil)
	} else {
		m.observe("get", start, err)
	}
	return rec, err
}

// Query implements EventStore.
func (m *MonitoredStore) Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
	start := time.Now()
	recs, err := m.EventStore.Query(ctx, entityType, filter, order, limit)
	m.observe("query", start, err)
	return recs, err
}

// Delete implements EventStore.
func (m *MonitoredStore) Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	start := time.Now()
	n, err := m.EventStore.Delete(ctx, entityType, r)
	m.observe("delete", start, err)
	return n, err
}

// Stats returns a snapshot keyed by operation name
func (m *MonitoredStore) Stats() map[string]OpStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpStats, len(m.ops))
	for op, s := range m.ops {
		out[op] = s.stats()
	}
	return out
}
