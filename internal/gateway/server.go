// Package gateway exposes the runtime over HTTP: SSE streaming entry
// points, run records and lifecycle, a WebSocket attach for background
// runs, and the health and metrics endpoints. Handlers translate requests
// into dispatcher and run-manager calls; all streaming mechanics live in
// the stream package.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/strand/internal/dispatch"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runs"
)

// Config carries the gateway's listen address and auth settings.
type Config struct {
	Host string
	Port int

	// BearerToken, when non-empty, is required on every /v1 request.
	BearerToken string
}

// Server is the HTTP gateway. Construct with New, then Start and Shutdown
// around the process lifecycle.
type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	runs       *runs.Manager
	logger     *observability.Logger
	metrics    *observability.Metrics

	httpServer   *http.Server
	httpListener net.Listener
}

// New assembles the gateway over a dispatcher and run manager.
func New(cfg Config, dispatcher *dispatch.Dispatcher, manager *runs.Manager, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Server{
		config:     cfg,
		dispatcher: dispatcher,
		runs:       manager,
		logger:     logger,
		metrics:    metrics,
	}
}

// Handler returns the gateway's routed handler. Exposed for tests and for
// embedding under an outer mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("/v1/agents/", s.requireAuth(http.HandlerFunc(s.handleAgents)))
	mux.Handle("/v1/runs", s.requireAuth(http.HandlerFunc(s.handleRunList)))
	mux.Handle("/v1/runs/", s.requireAuth(http.HandlerFunc(s.handleRuns)))

	return s.withRequestID(mux)
}

// Start begins serving on the configured address. The listener is bound
// synchronously so address errors surface here; serving continues in the
// background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown drains in-flight requests and stops the server. A nil context
// gets a five second grace period.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
