// Package protocol defines the chat message record and its stream framing.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize is the maximum encoded message size (64KB).
const MaxFrameSize = 65536

var (
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
)

// Kind identifies what a Message asks the relay to do.
type Kind int

const (
	KindMessage  Kind = iota // plain chat text
	KindBlock                // content is the user to block
	KindUnblock              // content is the user to unblock
	KindLogin                // first message on a connection, sender is the identity
	KindLogout               // client is leaving
	KindShutdown             // relay is going away
)

var kindNames = [...]string{
	KindMessage:  "MESSAGE",
	KindBlock:    "BLOCK",
	KindUnblock:  "UNBLOCK",
	KindLogin:    "LOGIN",
	KindLogout:   "LOGOUT",
	KindShutdown: "SHUTDOWN",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "UNKNOWN"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindMessage && k <= KindShutdown
}

// ParseKind converts a kind name (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText encodes the kind by name so the wire format does not depend on
// constant ordering.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Message is the immutable unit exchanged between clients and the relay.
type Message struct {
	Sender  string `json:"sender"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content,omitempty"`
}

// New builds a Message.
func New(sender string, kind Kind, content string) Message {
	return Message{Sender: sender, Kind: kind, Content: content}
}

func (m Message) String() string {
	return fmt.Sprintf("(%s, %s, %q)", m.Sender, m.Kind, m.Content)
}

// Encode returns the JSON body of msg. It fails with ErrMessageTooLarge when
// the body would not fit in one frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// EncodedSize is the length of msg's JSON body. JSON escaping can make it
// several times longer than the content itself.
func EncodedSize(msg Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("protocol: marshal: %w", err)
	}
	return len(data), nil
}

// WriteMessage writes a length-prefixed JSON message to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	// Header and payload go out in one write so concurrent frames never interleave
	// at the syscall level.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from a reader.
// A clean end of stream before the length prefix is returned as io.EOF.
func ReadMessage(r io.Reader) (Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("protocol: read payload: %w", err)
	}

	return Decode(data)
}

// Decode parses a single JSON-encoded message. Used by transports that frame
// messages themselves.
func Decode(data []byte) (Message, error) {
	var raw struct {
		Sender  string `json:"sender"`
		Kind    *Kind  `json:"kind"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if raw.Kind == nil {
		return Message{}, fmt.Errorf("%w: missing", ErrUnknownKind)
	}
	return Message{Sender: raw.Sender, Kind: *raw.Kind, Content: raw.Content}, nil
}
