package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds relay configuration. Sources are applied in order:
// DefaultConfig, a YAML file, a .env file, RELAYCHAT_* environment variables,
// then flags.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // TCP bind address for chat clients
	HTTPAddr   string `yaml:"http_addr"`   // /ws, /metrics and /healthz (empty = disabled)

	CORSOrigins []string `yaml:"cors_origins"` // browser origins allowed on the HTTP surface

	TLS      bool   `yaml:"tls"`       // wrap the TCP listener in TLS
	CertFile string `yaml:"cert_file"` // TLS certificate (generated if missing)
	KeyFile  string `yaml:"key_file"`  // TLS private key
	DataDir  string `yaml:"data_dir"`  // directory for generated certs

	JournalPath string `yaml:"journal_path"` // SQLite event journal (empty = disabled)

	LoginTimeout       time.Duration `yaml:"login_timeout"`        // how long a new connection may take to log in
	WriteTimeout       time.Duration `yaml:"write_timeout"`        // per-message write deadline
	DrainTimeout       time.Duration `yaml:"drain_timeout"`        // flush window when a session closes
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`     // wait for dispatch loops on shutdown
	SendQueueSize      int           `yaml:"send_queue_size"`      // per-session outbound queue
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"` // 0 disables periodic metrics logs
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":1500",
		HTTPAddr:           ":1501",
		DataDir:            ".",
		LoginTimeout:       10 * time.Second,
		WriteTimeout:       5 * time.Second,
		DrainTimeout:       2 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		SendQueueSize:      64,
		MetricsLogInterval: 60 * time.Second,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current values; unknown keys are an error.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig overlays YAML data onto cfg.
func ParseConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadEnvFile overlays the RELAYCHAT_* entries of a dotenv file onto cfg
// without touching the process environment. A missing file is not an error.
func LoadEnvFile(path string, cfg *Config) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}
	return applyEnv(cfg, func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
}

// LoadEnv overlays RELAYCHAT_* environment variables onto cfg.
func LoadEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("RELAYCHAT_LISTEN_ADDR", &cfg.ListenAddr)
	str("RELAYCHAT_HTTP_ADDR", &cfg.HTTPAddr)
	str("RELAYCHAT_CERT_FILE", &cfg.CertFile)
	str("RELAYCHAT_KEY_FILE", &cfg.KeyFile)
	str("RELAYCHAT_DATA_DIR", &cfg.DataDir)
	str("RELAYCHAT_JOURNAL", &cfg.JournalPath)

	if v, ok := lookup("RELAYCHAT_CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("RELAYCHAT_TLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAYCHAT_TLS: %w", err)
		}
		cfg.TLS = b
	}
	if v, ok := lookup("RELAYCHAT_SEND_QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAYCHAT_SEND_QUEUE_SIZE: %w", err)
		}
		cfg.SendQueueSize = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RELAYCHAT_LOGIN_TIMEOUT", &cfg.LoginTimeout},
		{"RELAYCHAT_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"RELAYCHAT_DRAIN_TIMEOUT", &cfg.DrainTimeout},
		{"RELAYCHAT_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"RELAYCHAT_METRICS_LOG_INTERVAL", &cfg.MetricsLogInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("config: listen_addr is required")
	case c.HTTPAddr != "" && c.HTTPAddr == c.ListenAddr:
		return errors.New("config: http_addr must differ from listen_addr")
	case c.LoginTimeout <= 0:
		return errors.New("config: login_timeout must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("config: write_timeout must be positive")
	case c.DrainTimeout < 0:
		return errors.New("config: drain_timeout must not be negative")
	case c.ShutdownTimeout <= 0:
		return errors.New("config: shutdown_timeout must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("config: send_queue_size must be positive")
	case c.MetricsLogInterval < 0:
		return errors.New("config: metrics_log_interval must not be negative")
	}
	return nil
}
