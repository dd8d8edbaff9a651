package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StreamStatus reports the supervisor's view of the subscription.
type StreamStatus interface {
	Connected() bool
}

// HealthResponse is the body served by /health.
type HealthResponse struct {
	Status          string  `json:"status"`
	Account         string  `json:"account"`
	StreamConnected bool    `json:"stream_connected"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Server exposes health and Prometheus metrics over HTTP.
type Server struct {
	addr     string
	account  string
	stream   StreamStatus
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	started  time.Time
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The gatherer is optional; if nil, /metrics is not served.
func New(addr, account string, stream StreamStatus, gatherer prometheus.Gatherer, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		account:  account,
		stream:   stream,
		gatherer: gatherer,
		metrics:  m,
		logger:   logger,
		started:  time.Now(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", metrics.HTTPMetricsMiddleware(s.metrics, "/health")(handleHealth(s.account, s.stream, s.started)))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.HTTPMetricsMiddleware(s.metrics, "/metrics")(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	return mux
}

// Start serves until Shutdown is called. A Start after Shutdown returns nil
// without listening.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// TrackUptime refreshes the uptime gauge every interval until ctx is done.
func (s *Server) TrackUptime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.metrics.SetUptime(time.Since(s.started))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetUptime(time.Since(s.started))
		}
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth reports 200 while the stream is connected and 503 otherwise.
func handleHealth(account string, stream StreamStatus, started time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			Account:       account,
			UptimeSeconds: time.Since(started).Seconds(),
		}
		status := http.StatusOK
		if stream != nil {
			resp.StreamConnected = stream.Connected()
		}
		if !resp.StreamConnected {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, resp, status)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
