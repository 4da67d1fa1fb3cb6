package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/NicolasHaas/relaychat/pkg/transport"
)

// Handler returns the HTTP surface:
//
//	GET /ws       websocket chat endpoint (same protocol as TCP, one JSON text frame per message)
//	GET /metrics  Prometheus exposition
//	GET /stats    metrics snapshot as JSON
//	GET /healthz  liveness
//
// Browser origins listed in CORSOrigins may read the JSON and metrics endpoints.
func (s *Server) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	s.metrics.MustRegister(reg, s.registry.Count)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet},
		}).Handler)
	}

	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON()))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.registry.Closed() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// startHTTP binds HTTPAddr and serves Handler in the background.
// An empty HTTPAddr disables the HTTP surface.
func (s *Server) startHTTP() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen http %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		s.log.Info("HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP error", "err", err)
		}
	}()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	t, err := transport.Accept(w, r, transport.Options{WriteTimeout: s.cfg.WriteTimeout})
	if err != nil {
		// The upgrader has already written an error response.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.TotalConnections.Add(1)
	s.serveSession(t)
}
