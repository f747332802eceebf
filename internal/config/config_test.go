package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadTOMLMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPPORTCHAT_HOME", dir)
	t.Setenv(EnvToken, "")

	path := writeFile(t, dir, "supportchat.toml", `
[api]
url = "https://support.example.com"

[classifier]
agent_ids = ["helpbot"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.URL != "https://support.example.com" {
		t.Errorf("api.url = %q", cfg.API.URL)
	}
	if len(cfg.Classifier.AgentIDs) != 1 || cfg.Classifier.AgentIDs[0] != "helpbot" {
		t.Errorf("agent_ids = %v, want [helpbot]", cfg.Classifier.AgentIDs)
	}
	if len(cfg.Classifier.AgentMarkers) == 0 {
		t.Error("expected default agent markers")
	}
	if cfg.History.PageSize != 50 {
		t.Errorf("page_size = %d, want default 50", cfg.History.PageSize)
	}
	if cfg.State.Path != filepath.Join(dir, "state.db") {
		t.Errorf("state path = %q", cfg.State.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPPORTCHAT_HOME", dir)

	path := writeFile(t, dir, "supportchat.yaml", `
api:
  url: http://localhost:8080
hub:
  reconnect_attempts: 7
history:
  page_size: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hub.ReconnectAttempts != 7 {
		t.Errorf("reconnect_attempts = %d, want 7", cfg.Hub.ReconnectAttempts)
	}
	if cfg.History.PageSize != 10 {
		t.Errorf("page_size = %d, want 10", cfg.History.PageSize)
	}
	if got := cfg.HubURL(); got != "ws://localhost:8080/hub/chat" {
		t.Errorf("HubURL = %q", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPPORTCHAT_HOME", dir)
	t.Setenv(EnvToken, "tok-123")
	t.Setenv(EnvAPIURL, "https://api.example.com/")
	t.Setenv(EnvHubURL, "")

	cfg, err := Load(writeFile(t, dir, "c.toml", ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Token != "tok-123" {
		t.Errorf("token = %q", cfg.API.Token)
	}
	if got := cfg.HubURL(); got != "wss://api.example.com/hub/chat" {
		t.Errorf("HubURL = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"missing", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"https", "https://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.API.URL = tt.url
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty -> %v", got)
	}
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms -> %v", got)
	}
	if got := Duration("soon", time.Second); got != time.Second {
		t.Errorf("invalid -> %v", got)
	}
}

func TestWriteTOMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPPORTCHAT_HOME", dir)
	path := filepath.Join(dir, "out.toml")

	cfg := Defaults()
	cfg.API.URL = "https://support.example.com"
	if err := WriteTOML(path, cfg, false); err != nil {
		t.Fatalf("WriteTOML failed: %v", err)
	}
	if err := WriteTOML(path, cfg, false); err == nil {
		t.Error("expected error when file exists")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.API.URL != cfg.API.URL {
		t.Errorf("api.url = %q", loaded.API.URL)
	}
}
