// Package api serves the operational HTTP surface: liveness and component status.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/whale-tracker/internal/config"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
)

// StatusFunc returns a JSON-encodable snapshot of one component
type StatusFunc func() interface{}

// Server is the ops HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	registry   *health.Registry
	logger     *logging.Logger
	config     *ServerConfig

	mu        sync.RWMutex
	providers map[string]StatusFunc
	started   time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond is the per-client budget; zero disables limiting
	RequestsPerSecond int
}

// ServerConfigFrom maps the ops section of the service config
func ServerConfigFrom(cfg *config.OpsConfig) *ServerConfig {
	return &ServerConfig{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		RequestsPerSecond: 20,
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     health.State       `json:"status"`
	Components []health.Component `json:"components"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status     health.State           `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components []health.Component     `json:"components"`
	Details    map[string]interface{} `json:"details"`
}

// NewServer creates the ops server. Status providers are attached with RegisterStatus.
func NewServer(cfg *ServerConfig, registry *health.Registry, logger *logging.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		registry:  registry,
		logger:    logging.OrGlobal(logger).WithComponent("ops_server"),
		config:    cfg,
		providers: make(map[string]StatusFunc),
		started:   time.Now(),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters: recovery must sit inside logging so panics are logged as 500s
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond)))
	}
	s.router.Use(CompressionMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/{component}", s.handleComponentStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// RegisterStatus attaches a named status provider to GET /status
func (s *Server) RegisterStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = fn
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth answers 503 once any component has halted. Degraded still serves 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.registry.Overall()
	code := http.StatusOK
	if overall == health.StateHalted {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, HealthResponse{
		Status:     overall,
		Components: nonNil(s.registry.Snapshot()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	details := make(map[string]interface{}, len(names))
	for _, name := range names {
		details[name] = s.collect(name)
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		Status:     s.registry.Overall(),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Components: nonNil(s.registry.Snapshot()),
		Details:    details,
	})
}

func (s *Server) handleComponentStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]

	s.mu.RLock()
	_, ok := s.providers[name]
	s.mu.RUnlock()
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown component %q", name), nil)
		return
	}

	body := map[string]interface{}{"status": s.collect(name)}
	if c, ok := s.registry.Get(name); ok {
		body["health"] = c
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) collect(name string) interface{} {
	s.mu.RLock()
	fn := s.providers[name]
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func nonNil(c []health.Component) []health.Component {
	if c == nil {
		return []health.Component{}
	}
	return c
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Infof("Starting ops server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
