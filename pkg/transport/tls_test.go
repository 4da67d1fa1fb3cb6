package transport

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

func TestServerTLSConfigGeneratesOnce(t *testing.T) {
	dir := t.TempDir()

	cfg, err := ServerTLSConfig("", "", dir)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}

	certPath := filepath.Join(dir, "relaychat.crt")
	before, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read generated cert: %v", err)
	}

	if _, err := ServerTLSConfig("", "", dir); err != nil {
		t.Fatalf("ServerTLSConfig (reload): %v", err)
	}
	after, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert after reload: %v", err)
	}
	if string(before) != string(after) {
		t.Error("existing certificate was regenerated")
	}
}

func TestTLSDial(t *testing.T) {
	cfg, err := ServerTLSConfig("", "", t.TempDir())
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan protocol.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr := NewTCP(conn, Options{})
		defer tr.Close()
		if msg, err := tr.Receive(); err == nil {
			got <- msg
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, ln.Addr().String(), ClientTLSConfig(), Options{WriteTimeout: time.Second})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	if err := client.Send(protocol.New("alice", protocol.KindLogin, "")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Kind != protocol.KindLogin || msg.Sender != "alice" {
			t.Errorf("got %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for login over TLS")
	}
}
