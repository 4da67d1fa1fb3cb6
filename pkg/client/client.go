// Package client implements the relaychat client: the connection to the relay
// and the console front end on top of it.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/model"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
	"github.com/NicolasHaas/relaychat/pkg/transport"
)

// DefaultPort is the relay's TCP port.
const DefaultPort = 1500

// EventHandler is a callback for incoming messages.
type EventHandler func(msg protocol.Message)

// Options selects how to reach the relay.
type Options struct {
	TLS          bool          // TLS over TCP (self-signed certificates are accepted)
	WebSocket    bool          // use the relay's /ws endpoint instead of raw TCP
	WriteTimeout time.Duration // 0 = 5s
}

// Client is one connection to the relay, bound to a user name.
type Client struct {
	t    transport.Transport
	name string

	mu      sync.Mutex
	handler EventHandler

	done      chan struct{}
	closeOnce sync.Once
	err       error // why the receive loop stopped; valid once done is closed
}

// Dial connects to addr. For WebSocket, addr may be a ws:// or wss:// URL or
// a host:port, which maps to ws://host:port/ws.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	topts := transport.Options{WriteTimeout: opts.WriteTimeout}

	var (
		t   transport.Transport
		err error
	)
	if opts.WebSocket {
		t, err = transport.DialWebSocket(ctx, WebSocketURL(addr, opts.TLS), topts)
	} else {
		var tlsCfg *tls.Config
		if opts.TLS {
			tlsCfg = transport.ClientTLSConfig()
		}
		t, err = transport.DialTCP(ctx, addr, tlsCfg, topts)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", addr, err)
	}
	return New(t), nil
}

// New wraps an established transport.
func New(t transport.Transport) *Client {
	return &Client{t: t, done: make(chan struct{})}
}

// WebSocketURL turns a relay address into its websocket endpoint.
func WebSocketURL(addr string, secure bool) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + addr + "/ws"
}

// HostPort joins host and the default port unless host already has one.
func HostPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprint(DefaultPort))
}

// Login sends the LOGIN message. It must be the first thing sent.
func (c *Client) Login(name string) error {
	if err := model.ValidateUsername(name); err != nil {
		return fmt.Errorf("client: login: %w", err)
	}
	c.name = name
	if err := c.t.Send(protocol.New(name, protocol.KindLogin, "")); err != nil {
		return fmt.Errorf("client: send login: %w", err)
	}
	return nil
}

// Name returns the name passed to Login.
func (c *Client) Name() string { return c.name }

// Send sends one message of the given kind as the logged-in user.
func (c *Client) Send(kind protocol.Kind, content string) error {
	if err := c.t.Send(protocol.New(c.name, kind, content)); err != nil {
		return fmt.Errorf("client: send %s: %w", kind, err)
	}
	return nil
}

// Say broadcasts a chat line.
func (c *Client) Say(text string) error { return c.Send(protocol.KindMessage, text) }

// Block asks the relay to stop delivering messages from name.
func (c *Client) Block(name string) error { return c.Send(protocol.KindBlock, name) }

// Unblock undoes Block.
func (c *Client) Unblock(name string) error { return c.Send(protocol.KindUnblock, name) }

// Logout tells the relay this session is ending.
func (c *Client) Logout() error { return c.Send(protocol.KindLogout, "") }

// SetEventHandler sets the callback for incoming messages.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// StartReceiving starts a goroutine that reads incoming messages and passes
// them to the event handler until the connection ends.
func (c *Client) StartReceiving() {
	go func() {
		var err error
		defer func() {
			c.err = err
			close(c.done)
		}()
		for {
			var msg protocol.Message
			msg, err = c.t.Receive()
			if err != nil {
				if transport.IsClosed(err) {
					slog.Debug("relay connection closed")
					err = nil
				} else {
					slog.Error("relay read error", "err", err)
				}
				return
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the receive loop stopped. nil means a clean close.
// Only meaningful after Done is closed.
func (c *Client) Err() error {
	return c.err
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.t.Close() })
	return err
}
