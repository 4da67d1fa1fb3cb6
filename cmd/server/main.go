package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/relaychat/pkg/journal"
	"github.com/NicolasHaas/relaychat/pkg/logging"
	"github.com/NicolasHaas/relaychat/pkg/server"
	"github.com/NicolasHaas/relaychat/pkg/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		flagCfg     = server.DefaultConfig()
		configFile  string
		envFile     string
		logLevel    string
		logFormat   string
		exportLimit int
		export      bool
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "relaychat-server",
		Short: "Group chat relay with per-user block lists",
		Long: `relaychat-server accepts chat clients over TCP (port 1500 by default) and
websocket, and relays every message to all logged-in users except those who
have blocked the sender.

Configuration is read from, in increasing precedence: built-in defaults, the
--config YAML file, the --env-file dotenv file, RELAYCHAT_* environment
variables, and flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Println("relaychat-server", version.Full())
				return nil
			}

			log, err := logging.Setup(logging.Options{Level: logLevel, Format: logFormat})
			if err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}

			cfg, err := resolveConfig(cmd, configFile, envFile, flagCfg)
			if err != nil {
				return err
			}

			if export {
				return exportJournal(cmd.Context(), cfg.JournalPath, exportLimit)
			}

			var deps server.Dependencies
			deps.Logger = log
			if cfg.JournalPath != "" {
				j, err := journal.Open(cfg.JournalPath)
				if err != nil {
					return err
				}
				defer func() { _ = j.Close() }()
				deps.Journal = j
			}

			log.Info("starting relaychat server", "version", version.String())
			return server.New(cfg, deps).Run()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file with RELAYCHAT_* settings (ignored if missing)")
	f.StringVarP(&flagCfg.ListenAddr, "listen", "l", flagCfg.ListenAddr, "TCP bind address for chat clients")
	f.StringVar(&flagCfg.HTTPAddr, "http", flagCfg.HTTPAddr, "HTTP bind address for /ws, /metrics and /healthz (empty to disable)")
	f.StringSliceVar(&flagCfg.CORSOrigins, "cors-origin", nil, "Browser origin allowed on the HTTP surface (repeatable)")
	f.BoolVar(&flagCfg.TLS, "tls", flagCfg.TLS, "Serve the TCP listener over TLS")
	f.StringVar(&flagCfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	f.StringVar(&flagCfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	f.StringVar(&flagCfg.DataDir, "data", flagCfg.DataDir, "Data directory for generated files")
	f.StringVar(&flagCfg.JournalPath, "journal", "", "SQLite event journal path (empty to disable)")
	f.DurationVar(&flagCfg.LoginTimeout, "login-timeout", flagCfg.LoginTimeout, "Time a new connection has to log in")
	f.DurationVar(&flagCfg.WriteTimeout, "write-timeout", flagCfg.WriteTimeout, "Per-message write deadline")
	f.IntVar(&flagCfg.SendQueueSize, "queue", flagCfg.SendQueueSize, "Per-session outbound queue length")
	f.DurationVar(&flagCfg.MetricsLogInterval, "metrics-log-interval", flagCfg.MetricsLogInterval, "Interval between metrics log lines (0 to disable)")

	f.BoolVar(&export, "export-journal", false, "Print the journal as YAML and exit")
	f.IntVar(&exportLimit, "export-limit", 1000, "Maximum events printed by --export-journal")

	f.StringVar(&logLevel, "log-level", "info", "Log level: "+logging.LevelNames())
	f.StringVar(&logFormat, "log-format", "auto", "Log format: text, json or auto")
	f.BoolVar(&showVersion, "version", false, "Print version and exit")

	return cmd
}

// resolveConfig layers defaults, the config file, the dotenv file, the
// environment and any flags the user actually set.
func resolveConfig(cmd *cobra.Command, path, envFile string, flagCfg server.Config) (server.Config, error) {
	cfg := server.DefaultConfig()
	if path != "" {
		if err := server.LoadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if envFile != "" {
		if err := server.LoadEnvFile(envFile, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := server.LoadEnv(&cfg); err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	overrides := map[string]func(){
		"listen":               func() { cfg.ListenAddr = flagCfg.ListenAddr },
		"http":                 func() { cfg.HTTPAddr = flagCfg.HTTPAddr },
		"cors-origin":          func() { cfg.CORSOrigins = flagCfg.CORSOrigins },
		"tls":                  func() { cfg.TLS = flagCfg.TLS },
		"cert":                 func() { cfg.CertFile = flagCfg.CertFile },
		"key":                  func() { cfg.KeyFile = flagCfg.KeyFile },
		"data":                 func() { cfg.DataDir = flagCfg.DataDir },
		"journal":              func() { cfg.JournalPath = flagCfg.JournalPath },
		"login-timeout":        func() { cfg.LoginTimeout = flagCfg.LoginTimeout },
		"write-timeout":        func() { cfg.WriteTimeout = flagCfg.WriteTimeout },
		"queue":                func() { cfg.SendQueueSize = flagCfg.SendQueueSize },
		"metrics-log-interval": func() { cfg.MetricsLogInterval = flagCfg.MetricsLogInterval },
	}
	for name, apply := range overrides {
		if f.Changed(name) {
			apply()
		}
	}
	return cfg, cfg.Validate()
}

func exportJournal(ctx context.Context, path string, limit int) error {
	if path == "" {
		return fmt.Errorf("--export-journal needs a journal path (--journal, config or RELAYCHAT_JOURNAL)")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	data, err := j.ExportYAML(ctx, journal.Filter{Limit: limit})
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
