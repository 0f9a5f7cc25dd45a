package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryWindowLimiterAllow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := NewMemoryWindowLimiter(3, time.Minute, WithClock(clock.Now))

	// four events within ten seconds: three accepted, fourth suppressed
	var accepted int
	for i := 0; i < 4; i++ {
		ok, err := limiter.Allow(ctx, "whale_transfer:high")
		require.NoError(t, err)
		if ok {
			accepted++
		}
		clock.Advance(2 * time.Second)
	}
	assert.Equal(t, 3, accepted)

	count, err := limiter.Count(ctx, "whale_transfer:high")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// other buckets are independent
	ok, err := limiter.Allow(ctx, "whale_transfer:medium")
	require.NoError(t, err)
	assert.True(t, ok)

	// the first hit ages out exactly one window after it was recorded
	clock.Advance(time.Minute - 8*time.Second)
	ok, err = limiter.Allow(ctx, "whale_transfer:high")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "whale_transfer:high")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryWindowLimiterForgetsIdleBuckets(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := NewMemoryWindowLimiter(1, time.Second, WithClock(clock.Now))

	_, _ = limiter.Allow(ctx, "a")
	clock.Advance(2 * time.Second)

	count, err := limiter.Count(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, limiter.hits)
}

// maxInAnyWindow returns the largest number of timestamps inside any half-open
// interval of the given length.
func maxInAnyWindow(times []time.Time, window time.Duration) int {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	best := 0
	j := 0
	for i := range times {
		for times[i].Sub(times[j]) >= window {
			j++
		}
		if n := i - j + 1; n > best {
			best = n
		}
	}
	return best
}

func TestMemoryWindowLimiterConcurrentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("never more than N accepted per rolling window under concurrency", prop.ForAll(
		func(limit int, submitters int, steps []int) bool {
			clock := newTestClock()
			var mu sync.Mutex
			accepted := map[string][]time.Time{}

			limiter := NewMemoryWindowLimiter(limit, time.Minute,
				WithClock(clock.Now),
				WithAcceptHook(func(bucket string, at time.Time) {
					mu.Lock()
					accepted[bucket] = append(accepted[bucket], at)
					mu.Unlock()
				}),
			)

			buckets := []string{"whale_transfer:high", "liquidation_sweep:high"}
			var wg sync.WaitGroup
			for s := 0; s < submitters; s++ {
				wg.Add(1)
				go func(s int) {
					defer wg.Done()
					for i, step := range steps {
						clock.Advance(time.Duration(step) * time.Second)
						_, _ = limiter.Allow(context.Background(), buckets[(s+i)%len(buckets)])
					}
				}(s)
			}
			wg.Wait()

			for _, times := range accepted {
				if maxInAnyWindow(times, time.Minute) > limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 8),
		gen.SliceOfN(30, gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}

func TestMemoryCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cooldown := NewMemoryCooldown(5*time.Minute, WithClock(clock.Now))

	ok, err := cooldown.Acquire(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	ok, err = cooldown.Acquire(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok, "same entity within cool-down must be suppressed")

	ok, err = cooldown.Acquire(ctx, "0xdef")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(5 * time.Minute)
	ok, err = cooldown.Acquire(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok, "cool-down elapsed")
}

func TestMemoryCooldownConcurrentClaim(t *testing.T) {
	cooldown := NewMemoryCooldown(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := cooldown.Acquire(context.Background(), "pattern:1")
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
