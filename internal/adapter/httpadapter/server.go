package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncTrigger starts a background sync cycle.
type SyncTrigger interface {
	TriggerCycle(ctx context.Context) error
}

// Server exposes health, readiness, metrics and manual sync HTTP endpoints.
type Server struct {
	httpServer *http.Server
	trigger    SyncTrigger
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz and /metrics routes.
// When trigger is non-nil, POST /sync starts a cycle out of schedule.
func NewServer(addr string, ready sharedobs.ReadinessChecker, trigger SyncTrigger, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		trigger: trigger,
		logger:  logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if trigger != nil {
		mux.HandleFunc("POST /sync", s.handleSync)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.trigger.TriggerCycle(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping", "error": err.Error()})
	case errors.Is(err, pipeline.ErrCycleInProgress):
		sharedobs.WriteJSON(w, http.StatusConflict, map[string]string{"status": "busy", "error": err.Error()})
	case err != nil:
		s.logger.Error("manual sync trigger failed", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
	default:
		s.logger.Info("manual sync triggered", "remote_addr", r.RemoteAddr)
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}
