// Package health tracks the operational state of each pipeline component.
package health

import (
	"sort"
	"sync"
	"time"
)

// State is the health of one component
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	// StateHalted means the component stopped processing and needs an operator
	StateHalted State = "halted"
)

func (s State) rank() int {
	switch s {
	case StateDegraded:
		return 1
	case StateHalted:
		return 2
	default:
		return 0
	}
}

// Component is a point-in-time health report
type Component struct {
	Name   string    `json:"name"`
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

// Registry holds the latest report of every component. A nil *Registry
// accepts and discards reports.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
	now        func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Component),
		now:        time.Now,
	}
}

// Set records the state of a component. Since only moves when the state changes.
func (r *Registry) Set(name string, state State, reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.components[name]
	since := r.now()
	if ok && prev.State == state {
		since = prev.Since
	}
	r.components[name] = Component{Name: name, State: state, Reason: reason, Since: since}
}

// Healthy marks a component healthy
func (r *Registry) Healthy(name string) { r.Set(name, StateHealthy, "") }

// Degraded marks a component degraded
func (r *Registry) Degraded(name, reason string) { r.Set(name, StateDegraded, reason) }

// Halted marks a component halted
func (r *Registry) Halted(name, reason string) { r.Set(name, StateHalted, reason) }

// Get returns the report of one component
func (r *Registry) Get(name string) (Component, bool) {
	if r == nil {
		return Component{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// Snapshot returns all reports sorted by name
func (r *Registry) Snapshot() []Component {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state across components
func (r *Registry) Overall() State {
	worst := StateHealthy
	for _, c := range r.Snapshot() {
		if c.State.rank() > worst.rank() {
			worst = c.State
		}
	}
	return worst
}
