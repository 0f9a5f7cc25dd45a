package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
)

func newTestServer(t *testing.T, rps int) (*Server, *health.Registry) {
	t.Helper()
	registry := health.NewRegistry()
	cfg := &ServerConfig{Host: "127.0.0.1", Port: "0", RequestsPerSecond: rps}
	return NewServer(cfg, registry, logging.NewNopLogger()), registry
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *health.Registry)
		wantCode int
		want     health.State
	}{
		{
			name:     "no components",
			mutate:   func(r *health.Registry) {},
			wantCode: http.StatusOK,
			want:     health.StateHealthy,
		},
		{
			name: "degraded still serves",
			mutate: func(r *health.Registry) {
				r.Healthy("chain_ingestor")
				r.Degraded("market_ingestor", "stream reconnecting")
			},
			wantCode: http.StatusOK,
			want:     health.StateDegraded,
		},
		{
			name: "halted component",
			mutate: func(r *health.Registry) {
				r.Healthy("market_ingestor")
				r.Halted("chain_ingestor", "store unavailable")
			},
			wantCode: http.StatusServiceUnavailable,
			want:     health.StateHalted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, registry := newTestServer(t, 0)
			tt.mutate(registry)

			rec := get(t, s, "/health")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.NotNil(t, body.Components)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, registry := newTestServer(t, 0)
	registry.Healthy("chain_ingestor")
	registry.Degraded("alert_dispatcher", "sink returning 502")

	s.RegisterStatus("chain_ingestor", func() interface{} {
		return map[string]interface{}{"last_block": 19000001, "stored": 4}
	})
	s.RegisterStatus("alert_dispatcher", func() interface{} {
		return map[string]int{"sent": 2, "suppressed": 5}
	})

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     health.State               `json:"status"`
		Components []health.Component         `json:"components"`
		Details    map[string]json.RawMessage `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, health.StateDegraded, body.Status)
	require.Len(t, body.Components, 2)
	assert.Equal(t, "alert_dispatcher", body.Components[0].Name)
	assert.Equal(t, "sink returning 502", body.Components[0].Reason)
	assert.JSONEq(t, `{"last_block":19000001,"stored":4}`, string(body.Details["chain_ingestor"]))
	assert.JSONEq(t, `{"sent":2,"suppressed":5}`, string(body.Details["alert_dispatcher"]))
}

func TestComponentStatusEndpoint(t *testing.T) {
	s, registry := newTestServer(t, 0)
	registry.Halted("aggregator", "store unavailable")
	s.RegisterStatus("aggregator", func() interface{} {
		return map[string]int{"cycles": 3}
	})

	rec := get(t, s, "/status/aggregator")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.JSONEq(t, `{"cycles":3}`, string(body["status"]))

	var c health.Component
	require.NoError(t, json.Unmarshal(body["health"], &c))
	assert.Equal(t, health.StateHalted, c.State)

	rec = get(t, s, "/status/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, ErrCodeNotFound, errBody.Error.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	s, _ := newTestServer(t, 0)
	s.RegisterStatus("broken", func() interface{} {
		panic("boom")
	})

	rec := get(t, s, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _ := newTestServer(t, 2)

	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestCompressionMiddleware(t *testing.T) {
	s, registry := newTestServer(t, 0)
	registry.Healthy("chain_ingestor")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(gz).Decode(&body))
	assert.Equal(t, health.StateHealthy, body.Status)
	require.Len(t, body.Components, 1)
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
