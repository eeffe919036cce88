// Package api serves the read-only status HTTP endpoints.
//
// Three routes: /health answers 200 while the engine's heartbeat is
// fresh (under twice the cycle period), /status reports the heartbeat
// and daily counters, /positions snapshots open positions. Nothing
// here mutates trading state; the server is disabled by default.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bithumb-trader/internal/config"
	"bithumb-trader/internal/strategy"
	"bithumb-trader/pkg/types"
)

// StatusProvider is the slice of the engine the server reads.
type StatusProvider interface {
	Healthy() bool
	Heartbeat() types.Heartbeat
	Positions() map[types.Coin]*strategy.Position
	Counters() types.DailyCounters
}

// Server runs the status HTTP endpoints.
type Server struct {
	provider StatusProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a status server bound to the configured port.
func NewServer(cfg config.APIConfig, provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(s.handleHealth))
	mux.HandleFunc("/status", getOnly(s.handleStatus))
	mux.HandleFunc("/positions", getOnly(s.handlePositions))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// getOnly matches the "GET /path" mux pattern semantics of newer Go
// releases on the go1.21 ServeMux: GET and HEAD pass through, anything
// else is rejected with 405.
func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.provider.Healthy() {
		http.Error(w, "heartbeat stale", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"healthy":   s.provider.Healthy(),
		"heartbeat": s.provider.Heartbeat(),
		"counters":  s.provider.Counters(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.provider.Positions())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
