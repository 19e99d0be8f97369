// Package httpapi wires the hub's external surface: the SSE event
// stream, health and metrics endpoints, grounded on the teacher's
// internal/interfaces/http server/middleware shape, rebuilt around
// gorilla/mux the same way.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/streamhub/internal/hub/conn"
	"github.com/sawpanic/streamhub/internal/hub/history"
	"github.com/sawpanic/streamhub/internal/hub/poller"
	"github.com/sawpanic/streamhub/internal/hub/realtime"
	"github.com/sawpanic/streamhub/internal/hub/registry"
)

// Config names the listen address and request timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig mirrors the teacher's local-only defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; no write deadline
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the hub's HTTP surface: /events (SSE), /healthz, /metrics.
type Server struct {
	router   *mux.Router
	server   *http.Server
	config   Config
	conn     *conn.Manager
	registry *registry.Registry
	poller   *poller.Orchestrator
	realtime *realtime.Orchestrator
	history  *history.Recorder
	metrics  *Metrics
}

// New builds a Server wired to the hub's core components.
func New(cfg Config, connMgr *conn.Manager, reg *registry.Registry, pollerOrch *poller.Orchestrator, realtimeOrch *realtime.Orchestrator, hist *history.Recorder) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		config:   cfg,
		conn:     connMgr,
		registry: reg,
		poller:   pollerOrch,
		realtime: realtimeOrch,
		history:  hist,
		metrics:  NewMetrics(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.recoverMiddleware)

	s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/history", s.handleHistory).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("request_id", r.Context().Value(requestIDKey{}).(string)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("http handler panicked")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

// Start listens and serves, blocking until the server stops or fails.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and, once that succeeds,
// detaches every attached subscriber. An SSE handler itself returns
// only when its request context ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.conn.Shutdown()
	return nil
}

// Addr reports the server's configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
