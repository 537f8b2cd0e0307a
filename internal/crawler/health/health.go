// Package health exposes the crawler's /health, /healthz, and /ready HTTP
// endpoints, backed by a point-in-time snapshot pulled from the engine.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kozakura/marketcrawl/common/version"
)

// Snapshot mirrors the engine's health view: redis connectivity, circuit
// breaker state, auth mode, and whether the worker is currently healthy
// enough to keep serving traffic.
type Snapshot struct {
	Healthy        bool    `json:"healthy"`
	RedisOK        bool    `json:"redis_ok"`
	CircuitBreaker string  `json:"circuit_breaker"`
	AuthMode       string  `json:"auth_mode"`
	AuthFailures   int     `json:"auth_failures"`
	CoolingDown    bool    `json:"cooling_down"`
	ActiveTasks    int     `json:"active_tasks"`
	Running        bool    `json:"running"`
	AdaptiveDelay  float64 `json:"adaptive_delay"`
	ChromeVersion  string  `json:"chrome_version"`
}

// SnapshotProvider is implemented by the engine; the health server never
// touches engine internals directly.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) Snapshot
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Snapshot
}

// Server exposes /health, /healthz, and /ready.
type Server struct {
	addr      string
	provider  SnapshotProvider
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// New creates and configures the HTTP server (does not start it).
func New(addr string, provider SnapshotProvider) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		provider:  provider,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background, returning once the listener is
// established. It shuts down automatically when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot(r.Context())
	resp := healthResponse{
		Status:   statusFor(snap),
		Version:  version.Version,
		Commit:   version.GitCommit,
		Snapshot: snap,
	}
	code := http.StatusOK
	if !snap.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !snap.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

func statusFor(snap Snapshot) string {
	if snap.Healthy {
		return "ok"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
