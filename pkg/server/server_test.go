package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
	"github.com/NicolasHaas/relaychat/pkg/transport"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.MetricsLogInterval = 0
	srv := New(cfg, Dependencies{Logger: testLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialTCP(t *testing.T, srv *Server) transport.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := transport.DialTCP(ctx, srv.Addr().String(), nil, transport.Options{WriteTimeout: waitTimeout})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, c transport.Transport) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
	msg, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return msg
}

func send(t *testing.T, c transport.Transport, msg protocol.Message) {
	t.Helper()
	if err := c.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestServerOverTCP(t *testing.T) {
	srv := startTestServer(t)

	alice := dialTCP(t, srv)
	send(t, alice, protocol.New("alice", protocol.KindLogin, ""))
	if got := recv(t, alice); got != system("alice has joined the chat.") {
		t.Fatalf("alice got %v", got)
	}

	bob := dialTCP(t, srv)
	send(t, bob, protocol.New("bob", protocol.KindLogin, ""))
	if got := recv(t, bob); got != system("bob has joined the chat.") {
		t.Fatalf("bob got %v", got)
	}
	if got := recv(t, alice); got != system("bob has joined the chat.") {
		t.Fatalf("alice got %v", got)
	}

	send(t, alice, chat("alice", "hello over tcp"))
	if got := recv(t, bob); got != chat("alice", "hello over tcp") {
		t.Fatalf("bob got %v", got)
	}
	if got := recv(t, alice); got != chat("alice", "hello over tcp") {
		t.Fatalf("alice got %v", got)
	}

	srv.Shutdown()

	notice := protocol.New("SERVER", protocol.KindShutdown, "The server is shutting down.")
	for name, c := range map[string]transport.Transport{"alice": alice, "bob": bob} {
		if got := recv(t, c); got != notice {
			t.Fatalf("%s got %v, want shutdown notice", name, got)
		}
		_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
		if _, err := c.Receive(); !transport.IsClosed(err) {
			t.Fatalf("%s: Receive after shutdown = %v, want closed stream", name, err)
		}
	}

	if got := srv.Metrics().SuccessfulLogins.Load(); got != 2 {
		t.Errorf("SuccessfulLogins = %d, want 2", got)
	}
}

func TestServerSurvivesEscapeHeavyMessage(t *testing.T) {
	srv := startTestServer(t)

	bob := dialTCP(t, srv)
	send(t, bob, protocol.New("bob", protocol.KindLogin, ""))
	recv(t, bob)

	// alice writes raw frames: her literal '<' bytes are valid JSON but the
	// relay's encoder would escape each one to six bytes.
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	alice := transport.NewTCP(conn, transport.Options{WriteTimeout: waitTimeout})
	send(t, alice, protocol.New("alice", protocol.KindLogin, ""))
	recv(t, alice)
	recv(t, bob)

	body := []byte(`{"sender":"alice","kind":"MESSAGE","content":"` + strings.Repeat("<", 20000) + `"}`)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := recv(t, alice); got != system("Error: message is too long to relay") {
		t.Fatalf("alice got %v", got)
	}

	send(t, alice, chat("alice", "short one"))
	if got := recv(t, bob); got != chat("alice", "short one") {
		t.Fatalf("bob got %v", got)
	}
	if got := srv.Registry().Count(); got != 2 {
		t.Fatalf("registered sessions = %d, want 2", got)
	}
}

func TestServeAfterShutdown(t *testing.T) {
	srv := New(DefaultConfig(), Dependencies{Logger: testLogger()})
	srv.Shutdown()

	ln := &closedListener{}
	if err := srv.Serve(ln); err != nil {
		t.Fatalf("Serve after Shutdown = %v, want nil", err)
	}
	if !ln.closed {
		t.Fatal("Serve did not close the listener")
	}
}

func TestHTTPSurface(t *testing.T) {
	srv := New(DefaultConfig(), Dependencies{Logger: testLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", transport.Options{WriteTimeout: waitTimeout})
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer ws.Close()

	send(t, ws, protocol.New("carol", protocol.KindLogin, ""))
	if got := recv(t, ws); got != system("carol has joined the chat.") {
		t.Fatalf("carol got %v", got)
	}

	if body := get(t, ts.URL+"/healthz", http.StatusOK); body != "ok\n" {
		t.Errorf("/healthz body = %q", body)
	}

	metrics := get(t, ts.URL+"/metrics", http.StatusOK)
	for _, want := range []string{"relaychat_logins_total 1", "relaychat_sessions_registered 1"} {
		if !strings.Contains(metrics, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	if stats := get(t, ts.URL+"/stats", http.StatusOK); !strings.Contains(stats, `"successful_logins": 1`) {
		t.Errorf("/stats = %s", stats)
	}

	srv.Shutdown()
	get(t, ts.URL+"/healthz", http.StatusServiceUnavailable)
}

func TestHTTPCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigins = []string{"https://chat.example"}
	srv := New(cfg, Dependencies{Logger: testLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)

	tests := []struct {
		origin string
		want   string
	}{
		{"https://chat.example", "https://chat.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/stats", nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET /stats: %v", err)
			}
			_ = resp.Body.Close()
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	return string(body)
}

type closedListener struct {
	closed bool
}

func (l *closedListener) Accept() (net.Conn, error) { return nil, net.ErrClosed }
func (l *closedListener) Close() error              { l.closed = true; return nil }
func (l *closedListener) Addr() net.Addr            { return &net.TCPAddr{} }
