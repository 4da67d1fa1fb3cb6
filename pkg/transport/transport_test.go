package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

func TestTCPSendReceive(t *testing.T) {
	a, b := net.Pipe()
	left := NewTCP(a, Options{WriteTimeout: time.Second})
	right := NewTCP(b, Options{WriteTimeout: time.Second})
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})

	want := protocol.New("alice", protocol.KindMessage, "hi")
	go func() {
		_ = left.Send(want)
	}()

	got, err := right.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Receive mismatch (-want +got):\n%s", diff)
	}

	_ = left.Close()
	if _, err := right.Receive(); !IsClosed(err) {
		t.Errorf("Receive after peer close: err = %v, want closed", err)
	}
}

func TestTCPWriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	// Nobody reads from b, so the write must hit its deadline.
	tr := NewTCP(a, Options{WriteTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := tr.Send(protocol.New("alice", protocol.KindMessage, "stalled"))
	if err == nil {
		t.Fatal("Send to stalled peer succeeded")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Send took %v, write timeout not applied", time.Since(start))
	}
}

func TestIsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", errors.Join(errors.New("read"), io.ErrUnexpectedEOF), true},
		{"net closed", net.ErrClosed, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsClosed(tt.err); got != tt.want {
				t.Errorf("IsClosed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	echoed := make(chan protocol.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Accept(w, r, Options{WriteTimeout: time.Second})
		if err != nil {
			return
		}
		defer ws.Close()
		msg, err := ws.Receive()
		if err != nil {
			return
		}
		echoed <- msg
		_ = ws.Send(protocol.New("SERVER", protocol.KindMessage, "ack "+msg.Content))
		_, _ = ws.Receive() // wait for the client to go away
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, url, Options{WriteTimeout: time.Second})
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer client.Close()

	if err := client.Send(protocol.New("bob", protocol.KindMessage, "ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-echoed:
		if got.Sender != "bob" || got.Content != "ping" {
			t.Errorf("server got %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the message")
	}

	reply, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if reply.Content != "ack ping" {
		t.Errorf("reply = %v, want ack ping", reply)
	}
}
