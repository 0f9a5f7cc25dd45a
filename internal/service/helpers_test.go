package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/whale-tracker/internal/models"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingSink captures delivered alerts and can fail a number of sends first
type recordingSink struct {
	mu       sync.Mutex
	sent     []*models.Alert
	failures int
	failWith error
	calls    int
	delay    time.Duration
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, alert *models.Alert) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	cp := *alert
	s.sent = append(s.sent, &cp)
	return nil
}

func (s *recordingSink) Sent() []*models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Alert(nil), s.sent...)
}

func (s *recordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// collectingSubmitter records alert candidates without dispatching them
type collectingSubmitter struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *collectingSubmitter) Submit(_ context.Context, alert *models.Alert) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return Decision{Accepted: true, AlertID: alert.ID}
}

func (c *collectingSubmitter) Alerts() []*models.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Alert(nil), c.alerts...)
}
