package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/journal"
	"github.com/NicolasHaas/relaychat/pkg/model"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
	"github.com/NicolasHaas/relaychat/pkg/transport"
)

// serveSession runs one connection from login to disconnect.
func (s *Server) serveSession(t transport.Transport) {
	sess := NewSession(t, SessionOptions{
		QueueSize:    s.cfg.SendQueueSize,
		DrainTimeout: s.cfg.DrainTimeout,
		Logger:       s.log,
	})
	s.metrics.ActiveConnections.Add(1)
	defer func() {
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	}()

	// Connections still awaiting login are not in the registry, so
	// Registry.Shutdown cannot reach them.
	stop := context.AfterFunc(s.ctx, func() { _ = sess.Close() })
	defer stop()

	sess.logger().Debug("new connection", "remote", sess.RemoteAddr())

	if err := s.login(sess); err != nil {
		_ = sess.Close()
		return
	}
	defer s.leave(sess)
	s.readLoop(sess)
}

// login reads the first message and registers the session under its name.
// Any failure has already been reported to the peer when login returns.
func (s *Server) login(sess *Session) error {
	log := sess.logger().With("remote", sess.RemoteAddr())

	_ = sess.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))
	msg, err := sess.Receive()
	if err != nil {
		s.noteReadError(sess, err)
		return err
	}
	_ = sess.SetReadDeadline(time.Time{})

	if msg.Kind != protocol.KindLogin {
		return s.rejectLogin(sess, "", ErrLoginRequired)
	}
	name := strings.TrimSpace(msg.Sender)
	if name == "" {
		name = strings.TrimSpace(msg.Content)
	}
	if err := model.ValidateUsername(name); err != nil {
		return s.rejectLogin(sess, name, err)
	}
	if err := s.registry.Register(sess, name); err != nil {
		return s.rejectLogin(sess, name, err)
	}

	s.metrics.SuccessfulLogins.Add(1)
	log.Info("client logged in", "user", name)
	s.record(journal.Event{Kind: journal.EventLogin, User: name, Detail: sess.RemoteAddr()})
	s.registry.Broadcast(notice(name + " has joined the chat."))
	return nil
}

func (s *Server) rejectLogin(sess *Session, name string, reason error) error {
	s.metrics.RejectedLogins.Add(1)
	sess.logger().Info("login rejected", "remote", sess.RemoteAddr(), "name", name, "reason", reason)
	s.reply(sess, reason)
	s.record(journal.Event{Kind: journal.EventRejected, User: name, Detail: reason.Error()})
	return reason
}

// readLoop routes messages until the peer logs out, disconnects or errs.
func (s *Server) readLoop(sess *Session) {
	for {
		msg, err := sess.Receive()
		if err != nil {
			s.noteReadError(sess, err)
			return
		}
		if !s.handle(sess, msg) {
			return
		}
	}
}

// handle routes one message. It returns false when the session should end.
func (s *Server) handle(sess *Session, msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindMessage:
		s.relay(sess, msg.Content)
	case protocol.KindBlock:
		s.handleBlock(sess, msg.Content)
	case protocol.KindUnblock:
		s.handleUnblock(sess, msg.Content)
	case protocol.KindLogin:
		s.metrics.PolicyErrors.Add(1)
		s.reply(sess, ErrAlreadyLoggedIn)
	case protocol.KindLogout:
		sess.logger().Info("client logged out")
		return false
	case protocol.KindShutdown:
		sess.logger().Info("client sent shutdown, closing its session")
		return false
	default:
		s.metrics.ProtocolErrors.Add(1)
		sess.logger().Warn("unhandled message kind", "kind", msg.Kind)
		return false
	}
	return true
}

// relay broadcasts a chat line under the session's name. A line whose relayed
// frame would exceed the frame limit is refused and only the sender hears about it.
func (s *Server) relay(sess *Session, content string) {
	out := protocol.New(sess.Name(), protocol.KindMessage, content)
	if n, err := protocol.EncodedSize(out); err != nil || n > protocol.MaxFrameSize {
		s.metrics.PolicyErrors.Add(1)
		sess.logger().Info("message too large to relay", "bytes", n)
		s.reply(sess, ErrMessageTooLong)
		return
	}
	s.metrics.MessagesRelayed.Add(1)
	s.registry.Broadcast(out)
}

func (s *Server) handleBlock(sess *Session, content string) {
	target := strings.TrimSpace(content)
	display := s.displayName(target)
	if err := s.registry.Block(sess.Name(), target); err != nil {
		s.policyError(sess, "block", target, err)
		return
	}
	s.metrics.BlocksApplied.Add(1)
	sess.logger().Info("user blocked", "target", display)
	s.record(journal.Event{Kind: journal.EventBlock, User: sess.Name(), Target: display})
	s.registry.Broadcast(notice(fmt.Sprintf("%s has blocked %s", sess.Name(), display)))
}

func (s *Server) handleUnblock(sess *Session, content string) {
	target := strings.TrimSpace(content)
	display := s.displayName(target)
	if err := s.registry.Unblock(sess.Name(), target); err != nil {
		s.policyError(sess, "unblock", target, err)
		return
	}
	s.metrics.UnblocksApplied.Add(1)
	sess.logger().Info("user unblocked", "target", display)
	s.record(journal.Event{Kind: journal.EventUnblock, User: sess.Name(), Target: display})
	s.registry.Broadcast(notice(fmt.Sprintf("%s has unblocked %s", sess.Name(), display)))
}

func (s *Server) policyError(sess *Session, op, target string, err error) {
	s.metrics.PolicyErrors.Add(1)
	sess.logger().Debug(op+" refused", "target", target, "err", err)
	if target == "" {
		s.reply(sess, err)
		return
	}
	s.reply(sess, fmt.Errorf("cannot %s %s: %w", op, target, err))
}

// leave is the single cleanup path for a logged-in session.
func (s *Server) leave(sess *Session) {
	name := sess.Name()
	if s.registry.Unregister(sess) && !s.registry.Closed() {
		s.registry.Broadcast(notice(name + " has left the chat."))
	}
	_ = sess.Close()
	s.record(journal.Event{Kind: journal.EventLogout, User: name, Detail: sess.RemoteAddr()})
	sess.logger().Info("client disconnected")
}

func (s *Server) noteReadError(sess *Session, err error) {
	switch {
	case sess.Closed() || transport.IsClosed(err):
		sess.logger().Debug("connection closed")
	case errors.Is(err, protocol.ErrUnknownKind), errors.Is(err, protocol.ErrMessageTooLarge):
		s.metrics.ProtocolErrors.Add(1)
		sess.logger().Warn("protocol error", "remote", sess.RemoteAddr(), "err", err)
	default:
		sess.logger().Warn("read failed", "remote", sess.RemoteAddr(), "err", err)
	}
}

// reply sends a system error message to sess alone.
func (s *Server) reply(sess *Session, err error) {
	msg := protocol.New(model.SystemSender, protocol.KindMessage, "Error: "+err.Error())
	if derr := sess.Deliver(msg); derr != nil {
		sess.logger().Debug("reply dropped", "err", derr)
	}
}

// displayName returns the login spelling of a connected user, or name as given.
func (s *Server) displayName(name string) string {
	if other, ok := s.registry.Lookup(name); ok {
		return other.Name()
	}
	return name
}

func (s *Server) record(ev journal.Event) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, ev); err != nil {
		s.log.Warn("journal write failed", "kind", ev.Kind, "err", err)
	}
}

func notice(text string) protocol.Message {
	return protocol.New(model.SystemSender, protocol.KindMessage, text)
}
