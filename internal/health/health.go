// Package health exposes the runtime orchestrator's observability
// counters (C13) over net/http, grounded on the teacher's
// StartHealthServer / core/health.go JSON-encoded HealthStatus pattern.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ariadne-cps/opera/internal/runtime"
)

// StatsSource is anything that can report a runtime.Stats snapshot; the
// runtime orchestrator satisfies it.
type StatsSource interface {
	Stats() runtime.Stats
}

// Status is the JSON shape served at /stats; /healthz serves only a
// status/uptime liveness object.
type Status struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Stats         runtime.Stats `json:"stats"`
}

// Server is the health/stats HTTP server.
type Server struct {
	started time.Time
	source  StatsSource
	log     *slog.Logger
	httpSrv *http.Server
}

// NewServer builds a Server that reports source's stats.
func NewServer(log *slog.Logger, source StatsSource) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{started: time.Now(), source: source, log: log}
}

func (s *Server) status() Status {
	return Status{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Stats:         s.source.Stats(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.status())
}

// Start launches the HTTP server on port in a background goroutine; it
// does not block.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:         portAddr(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting health server", "port", port, "endpoints", []string{"/healthz", "/stats"})

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server failed", "error", err)
		}
	}()

	return nil
}

// Close shuts down the HTTP server.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
