package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/relaychat/pkg/model"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
	"github.com/NicolasHaas/relaychat/pkg/transport"
)

// SessionOptions tunes the outbound side of a session.
type SessionOptions struct {
	QueueSize    int           // pending deliveries before the recipient counts as stalled
	DrainTimeout time.Duration // how long Close waits for queued messages to go out
	Logger       *slog.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one accepted connection. Its dispatch loop owns the read side;
// the Registry delivers to it from any goroutine. Deliveries are queued and
// written by a dedicated writer goroutine, so a slow peer never blocks the
// broadcaster.
type Session struct {
	id        string
	transport transport.Transport
	opts      SessionOptions
	log       *slog.Logger

	mu   sync.RWMutex
	name string // bound once at login

	enqueueMu  sync.Mutex // orders enqueues against close(done)
	out        chan protocol.Message
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewSession wraps a transport and starts its writer.
func NewSession(t transport.Transport, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	s := &Session{
		id:         id,
		transport:  t,
		opts:       opts,
		log:        opts.Logger.With("session", id),
		out:        make(chan protocol.Message, opts.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ID returns the random session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Name returns the bound user name, or "" before login.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// key is the registry key for the bound name.
func (s *Session) key() string {
	return model.CanonicalName(s.Name())
}

// bind sets the user name. It fails if a name is already bound.
func (s *Session) bind(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return false
	}
	s.name = name
	s.log = s.log.With("user", name)
	return true
}

func (s *Session) logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// RemoteAddr describes the peer.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// Receive blocks for the next inbound message.
func (s *Session) Receive() (protocol.Message, error) {
	return s.transport.Receive()
}

// SetReadDeadline bounds the next Receive.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.transport.SetReadDeadline(t)
}

// Deliver queues msg for the peer without blocking. It fails with
// ErrSessionClosed once the session is closed and ErrSlowConsumer when the
// peer has fallen a full queue behind.
func (s *Session) Deliver(msg protocol.Message) error {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Done is closed when the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether Close or abort has run.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close flushes queued deliveries (bounded by DrainTimeout) and releases the
// transport. Only the first call does anything; later calls return the same result.
func (s *Session) Close() error {
	s.shutdown(true)
	return s.closeErr
}

// abort releases the transport without flushing. Used for stalled peers.
func (s *Session) abort() {
	s.shutdown(false)
}

func (s *Session) shutdown(drain bool) {
	s.closeOnce.Do(func() {
		s.enqueueMu.Lock()
		close(s.done)
		s.enqueueMu.Unlock()
		if drain {
			timer := time.NewTimer(s.opts.DrainTimeout)
			select {
			case <-s.writerDone:
			case <-timer.C:
				s.logger().Debug("drain timed out")
			}
			timer.Stop()
		}
		s.closeErr = s.transport.Close()
	})
}

func (s *Session) writeLoop() {
	err := s.pump()
	close(s.writerDone)
	if err != nil {
		if !transport.IsClosed(err) {
			s.logger().Warn("write failed, closing session", "err", err)
		}
		s.abort()
	}
}

func (s *Session) pump() error {
	for {
		select {
		case msg := <-s.out:
			if err := s.send(msg); err != nil {
				return err
			}
		case <-s.done:
			s.flush()
			return nil
		}
	}
}

// send writes one message. A message that cannot be framed is dropped and
// the session carries on.
func (s *Session) send(msg protocol.Message) error {
	err := s.transport.Send(msg)
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		s.logger().Warn("dropped oversized message", "sender", msg.Sender, "err", err)
		return nil
	}
	return err
}

// flush writes whatever is still queued. Errors are ignored: the session is
// already closing.
func (s *Session) flush() {
	for {
		select {
		case msg := <-s.out:
			if err := s.send(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
