package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

// Conn is the part of *Client the console drives.
type Conn interface {
	Name() string
	Send(kind protocol.Kind, content string) error
	SetEventHandler(handler EventHandler)
	StartReceiving()
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Console is the line-oriented chat front end: each input line becomes a
// message or command, each incoming message is printed as
// "[15:04:05][SENDER]: text".
type Console struct {
	conn Conn
	in   io.Reader
	out  io.Writer

	mu     sync.Mutex // serializes writes to out
	now    func() time.Time
	prompt bool
}

// NewConsole builds a console over conn. A prompt is shown only when out is
// a terminal.
func NewConsole(conn Conn, in io.Reader, out io.Writer) *Console {
	c := &Console{conn: conn, in: in, out: out, now: time.Now}
	if f, ok := out.(*os.File); ok {
		c.prompt = term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
	}
	return c
}

// Run pumps input lines to the relay and relay messages to out until the user
// logs out, input ends, the relay closes the connection, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	c.conn.SetEventHandler(func(msg protocol.Message) {
		c.print(msg.Sender, msg.Content)
		if msg.Kind == protocol.KindShutdown {
			shutdownOnce.Do(func() { close(shutdown) })
		}
	})
	c.conn.StartReceiving()
	defer func() { _ = c.conn.Close() }()

	lines := make(chan string)
	inputErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.conn.Done():
				return
			}
		}
		inputErr <- sc.Err()
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			c.logout()
			return nil
		case <-shutdown:
			return nil
		case <-c.conn.Done():
			if err := c.conn.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			c.system("Connection closed by server.")
			return nil
		case err := <-inputErr:
			c.logout()
			return err
		case line := <-lines:
			if done := c.handleLine(line); done {
				return nil
			}
			c.showPrompt()
		}
	}
}

// handleLine sends one input line. It reports whether the session is over.
func (c *Console) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	cmd, err := ParseCommand(c.conn.Name(), line)
	if err != nil {
		c.printError(err)
		return false
	}
	if cmd.Kind == protocol.KindLogout {
		c.logout()
		return true
	}
	if err := c.conn.Send(cmd.Kind, cmd.Content); err != nil {
		c.printError(err)
		return errors.Is(err, io.EOF)
	}
	return false
}

func (c *Console) logout() {
	c.system("Closing your session...")
	if err := c.conn.Send(protocol.KindLogout, ""); err != nil {
		c.printError(err)
	}
}

func (c *Console) print(sender, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt {
		// Wipe the pending prompt so the message starts at column 0.
		_, _ = io.WriteString(c.out, "\r\033[K")
	}
	_, _ = fmt.Fprintf(c.out, "[%s][%s]: %s\n", c.now().Format("15:04:05"), strings.ToUpper(sender), text)
	if c.prompt {
		_, _ = io.WriteString(c.out, "> ")
	}
}

func (c *Console) system(text string) { c.print("SYSTEM", text) }

func (c *Console) printError(err error) { c.print("ERROR", err.Error()) }

func (c *Console) showPrompt() {
	if !c.prompt {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, "> ")
}

// Greeting prints the banner shown after a successful connect.
func (c *Console) Greeting(addr string) {
	c.system(fmt.Sprintf("Welcome! Connected to %s as %s.", addr, c.conn.Name()))
	c.system("Type a message, 'ban <name>', 'unban <name>' or 'logout'.")
}
