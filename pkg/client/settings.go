package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings are the client's remembered connection preferences, stored as
// YAML in the user config directory. Command-line arguments override them.
type Settings struct {
	Host      string `yaml:"host"`
	Name      string `yaml:"name,omitempty"`
	TLS       bool   `yaml:"tls,omitempty"`
	WebSocket bool   `yaml:"websocket,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() Settings {
	return Settings{Host: "localhost"}
}

// SettingsPath returns the default settings file location.
func SettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "relaychat.yaml"
	}
	return filepath.Join(dir, "relaychat", "client.yaml")
}

// LoadSettings reads settings from path. A missing file yields defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path from user config dir or flag
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}
	if s.Host == "" {
		s.Host = DefaultSettings().Host
	}
	return s, nil
}

// Save writes settings to path, creating its directory.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
