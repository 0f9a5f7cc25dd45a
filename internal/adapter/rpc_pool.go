package adapter

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EndpointPool rotates between RPC endpoints. It sticks to the current
// endpoint until it fails, then moves to the next one not cooling down, and
// returns to the primary once the primary's cool-down has passed.
type EndpointPool struct {
	endpoints []string
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	current   int
	cooldowns map[int]time.Time
	failures  []int64
}

// EndpointPoolStatus is a snapshot for the ops page. URLs are omitted since they often carry API keys.
type EndpointPoolStatus struct {
	Total       int     `json:"total"`
	Current     int     `json:"current"`
	CoolingDown []int   `json:"cooling_down"`
	Failures    []int64 `json:"failures"`
}

// ParseEndpoints splits a comma-separated URL list, dropping blanks
func ParseEndpoints(urls string) []string {
	var out []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// NewEndpointPool creates a pool; the first endpoint is the primary
func NewEndpointPool(endpoints []string, cooldown time.Duration) (*EndpointPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &EndpointPool{
		endpoints: endpoints,
		cooldown:  cooldown,
		now:       time.Now,
		cooldowns: make(map[int]time.Time),
		failures:  make([]int64, len(endpoints)),
	}, nil
}

// Current returns the endpoint to dial
func (p *EndpointPool) Current() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != 0 && !p.coolingLocked(0) {
		p.current = 0
	}
	return p.current, p.endpoints[p.current]
}

// Failed records a failure of endpoint index and switches to the next
// available one. Reports from an endpoint that is no longer current are
// counted but do not rotate. It returns false when every other endpoint is
// still cooling down; the pool then stays where it is.
func (p *EndpointPool) Failed(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.endpoints) {
		return false
	}
	p.failures[index]++
	if index != p.current {
		return true
	}
	p.cooldowns[index] = p.now()

	for i := 1; i < len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)
		if p.coolingLocked(next) {
			continue
		}
		p.current = next
		return true
	}
	return false
}

func (p *EndpointPool) coolingLocked(index int) bool {
	at, ok := p.cooldowns[index]
	if !ok {
		return false
	}
	if p.now().Sub(at) < p.cooldown {
		return true
	}
	delete(p.cooldowns, index)
	return false
}

// Status returns the pool state
func (p *EndpointPool) Status() EndpointPoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := EndpointPoolStatus{
		Total:       len(p.endpoints),
		Current:     p.current,
		CoolingDown: []int{},
		Failures:    append([]int64(nil), p.failures...),
	}
	for i := range p.endpoints {
		if p.coolingLocked(i) {
			st.CoolingDown = append(st.CoolingDown, i)
		}
	}
	return st
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}
