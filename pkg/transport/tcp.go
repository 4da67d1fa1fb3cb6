package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

// TCP frames messages over a stream connection (plain TCP or TLS).
type TCP struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   Options

	writeMu sync.Mutex
}

// NewTCP wraps an accepted or dialed connection.
func NewTCP(conn net.Conn, opts Options) *TCP {
	return &TCP{
		conn:   conn,
		reader: bufio.NewReader(conn),
		opts:   opts,
	}
}

func (t *TCP) Receive() (protocol.Message, error) {
	return protocol.ReadMessage(t.reader)
}

func (t *TCP) Send(msg protocol.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(writeDeadline(t.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	return protocol.WriteMessage(t.conn, msg)
}

func (t *TCP) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *TCP) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close closes the underlying connection. Repeated calls return the
// connection's "already closed" error, which callers ignore.
func (t *TCP) Close() error {
	return t.conn.Close()
}

// DialTCP connects to a relay. When tlsCfg is non-nil the connection is wrapped
// in TLS.
func DialTCP(ctx context.Context, addr string, tlsCfg *tls.Config, opts Options) (*TCP, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewTCP(conn, opts), nil
}
