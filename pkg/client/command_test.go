package client

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr error
	}{
		{name: "plain message", line: "hello there", want: Command{Kind: protocol.KindMessage, Content: "hello there"}},
		{name: "message keeps spacing", line: "  indented ", want: Command{Kind: protocol.KindMessage, Content: "  indented "}},
		{name: "logout", line: "logout", want: Command{Kind: protocol.KindLogout}},
		{name: "logout any case", line: "  LogOut ", want: Command{Kind: protocol.KindLogout}},
		{name: "logout with text is a message", line: "logout now please", want: Command{Kind: protocol.KindMessage, Content: "logout now please"}},
		{name: "ban", line: "ban bob", want: Command{Kind: protocol.KindBlock, Content: "bob"}},
		{name: "ban any case", line: "BAN  Bob ", want: Command{Kind: protocol.KindBlock, Content: "Bob"}},
		{name: "unban", line: "unban bob", want: Command{Kind: protocol.KindUnblock, Content: "bob"}},
		{name: "banner is a message", line: "banner ads", want: Command{Kind: protocol.KindMessage, Content: "banner ads"}},
		{name: "unbanned is a message", line: "unbanned", want: Command{Kind: protocol.KindMessage, Content: "unbanned"}},
		{name: "ban without target", line: "ban", wantErr: ErrMissingTarget},
		{name: "unban without target", line: "unban   ", wantErr: ErrMissingTarget},
		{name: "ban self", line: "ban ALICE", wantErr: ErrSelfTarget},
		{name: "unban self", line: "unban alice", wantErr: ErrSelfTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand("alice", tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseCommand(%q) error = %v, want %v", tt.line, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"localhost":      "localhost:1500",
		"10.0.0.1:2000":  "10.0.0.1:2000",
		"::1":            "[::1]:1500",
		"chat.example":   "chat.example:1500",
		"[::1]:1600":     "[::1]:1600",
	}
	for in, want := range tests {
		if got := HostPort(in); got != want {
			t.Errorf("HostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		addr   string
		secure bool
		want   string
	}{
		{"localhost:1501", false, "ws://localhost:1501/ws"},
		{"localhost:1501", true, "wss://localhost:1501/ws"},
		{"ws://relay.example/chat", true, "ws://relay.example/chat"},
	}
	for _, tt := range tests {
		if got := WebSocketURL(tt.addr, tt.secure); got != tt.want {
			t.Errorf("WebSocketURL(%q, %v) = %q, want %q", tt.addr, tt.secure, got, tt.want)
		}
	}
}
