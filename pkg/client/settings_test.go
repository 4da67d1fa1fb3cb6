package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadSettingsMissingFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if diff := cmp.Diff(DefaultSettings(), s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestSettingsSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat", "client.yaml")
	want := Settings{Host: "chat.example:1600", Name: "alice", TLS: true}

	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte("host: [unterminated\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadSettings(path)
	if err == nil {
		t.Fatal("LoadSettings accepted invalid YAML")
	}
	if s.Host != "localhost" {
		t.Errorf("Host = %q, want default", s.Host)
	}
}
