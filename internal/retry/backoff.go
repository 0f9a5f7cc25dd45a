package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jpillora/backoff"
)

// Backoff produces reconnect delays using exponential growth with full jitter:
// each delay is drawn uniformly from [0, min(max, base*2^n)].
type Backoff struct {
	ceiling *backoff.Backoff
	jitter  func(n int64) int64
}

// NewBackoff creates a reconnect backoff with the given base and cap
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		ceiling: &backoff.Backoff{
			Min:    base,
			Max:    max,
			Factor: 2,
		},
		jitter: rand.Int64N,
	}
}

// Next returns the delay before the next reconnect attempt
func (b *Backoff) Next() time.Duration {
	ceiling := b.ceiling.Duration()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.jitter(int64(ceiling) + 1))
}

// Attempt returns the number of delays handed out since the last reset
func (b *Backoff) Attempt() int {
	return int(b.ceiling.Attempt())
}

// Reset restarts the sequence after a healthy connection
func (b *Backoff) Reset() {
	b.ceiling.Reset()
}

// Wait sleeps for the next delay or until ctx is done
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
