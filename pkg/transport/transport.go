// Package transport carries protocol messages over a connection. The relay core
// only sees the Transport interface; framing and encoding live here.
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

// Transport is one bidirectional message stream. Receive must only be called
// from a single goroutine; Send is safe for concurrent use. Close is safe to call
// more than once.
type Transport interface {
	// Receive blocks until the next message arrives. It returns io.EOF when the
	// peer closed the stream cleanly.
	Receive() (protocol.Message, error)

	// Send writes one message, bounded by the transport's write timeout.
	Send(msg protocol.Message) error

	// SetReadDeadline bounds the next Receive. A zero time clears it.
	SetReadDeadline(t time.Time) error

	// RemoteAddr describes the peer for logs.
	RemoteAddr() string

	Close() error
}

// Options tunes a transport.
type Options struct {
	WriteTimeout time.Duration // 0 = no write deadline
}

// IsClosed reports whether err means the stream ended, either because the peer
// went away or because the connection was closed locally.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "tls: use of closed connection")
}

func writeDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
