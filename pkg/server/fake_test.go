package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NicolasHaas/relaychat/pkg/logging"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

const waitTimeout = 2 * time.Second

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport is an in-memory Transport. Tests push inbound messages on in
// and read what the server wrote from sent.
type fakeTransport struct {
	in   chan protocol.Message
	sent chan protocol.Message

	failSend atomic.Bool
	stall    chan struct{} // if non-nil, Send blocks until it or the transport closes

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	gone     chan struct{} // peer hung up
	goneOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan protocol.Message, 16),
		sent:   make(chan protocol.Message, 256),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (f *fakeTransport) Receive() (protocol.Message, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.gone:
		return protocol.Message{}, io.EOF
	case <-f.closed:
		return protocol.Message{}, net.ErrClosed
	}
}

// hangup makes the next Receive report a clean end of stream.
func (f *fakeTransport) hangup() {
	f.goneOnce.Do(func() { close(f.gone) })
}

// Send enforces the frame limit like the real transports.
func (f *fakeTransport) Send(msg protocol.Message) error {
	if _, err := protocol.Encode(msg); err != nil {
		return err
	}
	if f.failSend.Load() {
		return errBrokenPipe
	}
	if f.stall != nil {
		select {
		case <-f.stall:
		case <-f.closed:
			return net.ErrClosed
		}
	}
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.sent <- msg
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error { return nil }
func (f *fakeTransport) RemoteAddr() string              { return "fake" }

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// next returns the next message the server wrote.
func (f *fakeTransport) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a message")
		return protocol.Message{}
	}
}

// expect fails unless the next written message equals want.
func (f *fakeTransport) expect(t *testing.T, want protocol.Message) {
	t.Helper()
	if got := f.next(t); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transport close")
	}
}

func testLogger() *slog.Logger {
	return logging.Discard()
}

func system(text string) protocol.Message {
	return protocol.New("SERVER", protocol.KindMessage, text)
}

func chat(sender, text string) protocol.Message {
	return protocol.New(sender, protocol.KindMessage, text)
}
