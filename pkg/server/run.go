package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/transport"
)

const maxAcceptBackoff = time.Second

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.log.Info("shutting down...", "signal", sig.String())
	case <-s.ctx.Done():
	}
	s.Shutdown()
	return nil
}

// Start binds the chat listener and the HTTP surface and returns once both
// are accepting. Connections are served in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.TLS {
		tlsCfg, err := transport.ServerTLSConfig(s.cfg.CertFile, s.cfg.KeyFile, s.cfg.DataDir)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	if err := s.startHTTP(); err != nil {
		_ = ln.Close()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("relaychat server running", "addr", ln.Addr().String(), "tls", s.cfg.TLS, "http", s.cfg.HTTPAddr)
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsLogInterval, s.ctx.Done())

	go func() {
		if err := s.Serve(ln); err != nil {
			s.log.Error("accept loop stopped", "err", err)
		}
	}()
	return nil
}

// Serve accepts connections on ln until Shutdown. Each connection gets its
// own dispatch goroutine. Serve takes ownership of ln and returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: accept: %w", err)
			}
			backoff = nextBackoff(backoff)
			s.log.Error("accept error", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		s.metrics.TotalConnections.Add(1)
		if !s.enter() {
			_ = conn.Close()
			continue
		}
		t := transport.NewTCP(conn, transport.Options{WriteTimeout: s.cfg.WriteTimeout})
		go func() {
			defer s.conns.Done()
			s.serveSession(t)
		}()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// Shutdown gracefully stops the server: no new connections, a SHUTDOWN notice
// to every logged-in user, all sessions closed. It waits up to
// ShutdownTimeout for dispatch loops to finish. Later calls do nothing.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		ln := s.listener
		httpSrv := s.httpSrv
		s.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		// Logged-in sessions get the notice first; cancelling the context then
		// closes connections that never finished logging in.
		s.registry.Shutdown()
		s.cancel()

		if httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			if err := httpSrv.Shutdown(ctx); err != nil {
				_ = httpSrv.Close()
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.log.Warn("timed out waiting for connections to finish")
		}
		s.log.Info("server stopped")
	})
}
