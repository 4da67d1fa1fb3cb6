// Package logging configures structured logging for the relay and the console
// client.
//
// Both binaries use log/slog. Logs go to stderr so the client's chat output on
// stdout stays clean. Levels from most to least verbose: DEBUG, INFO, WARN, ERROR.
//
// Usage:
//
//	log, err := logging.Setup(logging.Options{Level: "debug", Format: "auto"})
//	log.Info("relay listening", "addr", ":1500")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Options controls how logging is configured.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "text", "json" or "auto" (default: "auto")
	Output io.Writer // where to write logs (default: os.Stderr)
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
}

// LevelNames returns all valid level names, useful for --help text.
func LevelNames() string {
	return "debug, info, warn, error"
}

// New builds a logger without touching the slog default.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "auto", "":
		if isTerminal(out) {
			handler = slog.NewTextHandler(out, handlerOpts)
		} else {
			handler = slog.NewJSONHandler(out, handlerOpts)
		}
	default:
		return nil, fmt.Errorf("unknown log format %q (valid: text, json, auto)", opts.Format)
	}
	return slog.New(handler), nil
}

// Setup builds a logger and installs it as the slog default.
func Setup(opts Options) (*slog.Logger, error) {
	log, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}
