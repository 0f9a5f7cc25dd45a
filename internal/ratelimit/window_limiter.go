// Package ratelimit provides the alert budget and cool-down primitives.
//
// Both come in an in-process flavour and a Redis flavour; the Redis versions
// let several tracker processes share one budget.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default window configuration values.
const (
	DefaultWindowLimit = 3
	DefaultWindowSize  = time.Minute
)

// WindowLimiter bounds accepted events per bucket over a rolling window.
type WindowLimiter interface {
	// Allow atomically checks the bucket's budget and, if there is room, consumes one unit.
	Allow(ctx context.Context, bucket string) (bool, error)
	// Count returns the number of units consumed in the current window.
	Count(ctx context.Context, bucket string) (int, error)
}

// Option configures an in-memory limiter or cool-down.
type Option func(*options)

type options struct {
	clock    func() time.Time
	onAccept func(bucket string, at time.Time)
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithAcceptHook registers a callback invoked, under the limiter lock, for every accepted unit.
func WithAcceptHook(fn func(bucket string, at time.Time)) Option {
	return func(o *options) { o.onAccept = fn }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryWindowLimiter is a sliding-window log limiter kept in process memory.
// Timestamps are taken inside the lock, so accepted hits are recorded in
// non-decreasing order and any interval of one window length holds at most
// limit hits.
type MemoryWindowLimiter struct {
	limit  int
	window time.Duration
	opts   options

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryWindowLimiter creates an in-process limiter
func NewMemoryWindowLimiter(limit int, window time.Duration, opts ...Option) *MemoryWindowLimiter {
	if limit <= 0 {
		limit = DefaultWindowLimit
	}
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &MemoryWindowLimiter{
		limit:  limit,
		window: window,
		opts:   buildOptions(opts),
		hits:   make(map[string][]time.Time),
	}
}

// Allow implements WindowLimiter.
func (l *MemoryWindowLimiter) Allow(_ context.Context, bucket string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.clock()
	live := l.prune(bucket, now)
	if len(live) >= l.limit {
		return false, nil
	}

	l.hits[bucket] = append(live, now)
	if l.opts.onAccept != nil {
		l.opts.onAccept(bucket, now)
	}
	return true, nil
}

// Count implements WindowLimiter.
func (l *MemoryWindowLimiter) Count(_ context.Context, bucket string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(bucket, l.opts.clock())), nil
}

// prune drops hits that have aged out of the window. Callers hold mu.
func (l *MemoryWindowLimiter) prune(bucket string, now time.Time) []time.Time {
	hits := l.hits[bucket]
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= l.window {
		i++
	}
	if i == len(hits) {
		delete(l.hits, bucket)
		return nil
	}
	if i > 0 {
		hits = append(hits[:0], hits[i:]...)
		l.hits[bucket] = hits
	}
	return hits
}
