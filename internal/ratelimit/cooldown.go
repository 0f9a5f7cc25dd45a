package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultCooldown is how long a related entity stays muted after its first alert.
const DefaultCooldown = 5 * time.Minute

// Cooldown deduplicates alerts that reference the same entity.
type Cooldown interface {
	// Acquire atomically claims ref. It returns false if ref was claimed within the cool-down.
	Acquire(ctx context.Context, ref string) (bool, error)
}

// MemoryCooldown is an in-process test-and-set keyed by entity reference.
type MemoryCooldown struct {
	ttl  time.Duration
	opts options

	mu        sync.Mutex
	claimed   map[string]time.Time
	lastSweep time.Time
}

// NewMemoryCooldown creates an in-process cool-down
func NewMemoryCooldown(ttl time.Duration, opts ...Option) *MemoryCooldown {
	if ttl <= 0 {
		ttl = DefaultCooldown
	}
	return &MemoryCooldown{
		ttl:     ttl,
		opts:    buildOptions(opts),
		claimed: make(map[string]time.Time),
	}
}

// Acquire implements Cooldown.
func (c *MemoryCooldown) Acquire(_ context.Context, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.clock()
	c.sweep(now)

	if at, ok := c.claimed[ref]; ok && now.Sub(at) < c.ttl {
		return false, nil
	}
	c.claimed[ref] = now
	return true, nil
}

// Len returns the number of refs currently tracked
func (c *MemoryCooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claimed)
}

// sweep forgets expired claims at most once per ttl. Callers hold mu.
func (c *MemoryCooldown) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	for ref, at := range c.claimed {
		if now.Sub(at) >= c.ttl {
			delete(c.claimed, ref)
		}
	}
	c.lastSweep = now
}
