package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

// closeGrace bounds how long Close waits to send the close frame.
const closeGrace = time.Second

// Upgrader accepts browser and CLI clients alike; the relay has no origin policy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// WebSocket carries one JSON text frame per message.
type WebSocket struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex
}

// NewWebSocket wraps an upgraded or dialed websocket connection.
func NewWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &WebSocket{conn: conn, opts: opts}
}

// Accept upgrades an HTTP request to a WebSocket transport.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*WebSocket, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return NewWebSocket(conn, opts), nil
}

// DialWebSocket connects to a relay's websocket endpoint (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, opts Options) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts), nil
}

func (ws *WebSocket) Receive() (protocol.Message, error) {
	for {
		typ, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Message{}, io.EOF
			}
			return protocol.Message{}, fmt.Errorf("transport: read: %w", err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

func (ws *WebSocket) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err := ws.conn.SetWriteDeadline(writeDeadline(ws.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (ws *WebSocket) SetReadDeadline(t time.Time) error {
	return ws.conn.SetReadDeadline(t)
}

func (ws *WebSocket) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}

// Close sends a best-effort close frame and closes the connection.
func (ws *WebSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return ws.conn.Close()
}
