// Package server implements the relaychat relay: a central hub that accepts
// client connections, binds each to a user name and fans chat messages out to
// everyone who has not blocked the sender.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/NicolasHaas/relaychat/pkg/journal"
)

// EventRecorder receives audit events. *journal.Journal implements it.
type EventRecorder interface {
	Record(ctx context.Context, ev journal.Event) error
}

// Dependencies holds external dependencies for the server.
// Both are optional; the caller keeps ownership of Journal and closes it.
type Dependencies struct {
	Logger  *slog.Logger
	Journal EventRecorder
}

// Server is the relay.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	metrics  *Metrics
	journal  EventRecorder

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	closing  bool
	conns    sync.WaitGroup // running dispatch loops

	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a new Server instance. Zero-valued tuning fields in cfg fall
// back to DefaultConfig.
func New(cfg Config, deps Dependencies) *Server {
	cfg = withDefaults(cfg)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(log, metrics),
		metrics:  metrics,
		journal:  deps.Journal,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	return cfg
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Addr returns the chat listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// enter reserves a slot for a new dispatch loop. It fails once shutdown has
// begun; on success the caller must call s.conns.Done.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}
