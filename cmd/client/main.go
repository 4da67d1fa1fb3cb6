package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/relaychat/pkg/client"
	"github.com/NicolasHaas/relaychat/pkg/logging"
	"github.com/NicolasHaas/relaychat/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relaychat", flag.ContinueOnError)

	settingsPath := fs.String("settings", client.SettingsPath(), "Settings file with remembered defaults")
	useTLS := fs.Bool("tls", false, "Connect over TLS (the relay must run with --tls)")
	useWS := fs.Bool("ws", false, "Connect through the relay's websocket endpoint")
	save := fs.Bool("save", false, "Remember host, name and transport in the settings file")
	timeout := fs.Duration("timeout", 10*time.Second, "Connect timeout")
	logLevel := fs.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relaychat [flags] [host[:port]] nickname\n\n")
		fmt.Fprintf(os.Stderr, "The port defaults to %d (TCP). With --ws, host:port names the relay's HTTP address.\n\n", client.DefaultPort)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("relaychat", version.Full())
		return nil
	}

	if _, err := logging.Setup(logging.Options{Level: *logLevel, Format: "text"}); err != nil {
		return err
	}

	settings, err := client.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: ignoring settings: %v\n", err)
	}
	if fs.Changed("tls") {
		settings.TLS = *useTLS
	}
	if fs.Changed("ws") {
		settings.WebSocket = *useWS
	}

	switch pos := fs.Args(); len(pos) {
	case 1:
		settings.Name = pos[0]
	case 2:
		settings.Host, settings.Name = pos[0], pos[1]
	case 0:
		if settings.Name == "" {
			fs.Usage()
			return errors.New("a nickname is required")
		}
	default:
		fs.Usage()
		return errors.New("too many arguments")
	}

	if *save {
		if err := settings.Save(*settingsPath); err != nil {
			return err
		}
	}

	addr := settings.Host
	if !settings.WebSocket {
		addr = client.HostPort(addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c, err := client.Dial(dialCtx, addr, client.Options{TLS: settings.TLS, WebSocket: settings.WebSocket})
	if err != nil {
		return err
	}
	if err := c.Login(settings.Name); err != nil {
		_ = c.Close()
		return err
	}

	console := client.NewConsole(c, os.Stdin, os.Stdout)
	console.Greeting(addr)
	return console.Run(ctx)
}
