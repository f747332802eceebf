package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supportchat.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logOutput
	logOutput = &buf
	t.Cleanup(func() {
		logOutput = prev
		Init(nil)
	})
	return &buf
}

func TestLoadConfigDebugFlag(t *testing.T) {
	t.Setenv("SUPPORTCHAT_HOME", t.TempDir())
	t.Setenv("SUPPORTCHAT_LOG_LEVEL", "")
	buf := captureLogs(t)
	path := writeConfig(t, "[api]\nurl = \"https://support.example.com\"\n")

	// config loading logs before the level is known
	if _, err := loadConfig(&Globals{Config: path, Debug: true}); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	L_debug("supportchat: debug enabled")
	if !strings.Contains(buf.String(), "supportchat: debug enabled") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}

func TestLoadConfigLevelFromFile(t *testing.T) {
	t.Setenv("SUPPORTCHAT_HOME", t.TempDir())
	t.Setenv("SUPPORTCHAT_LOG_LEVEL", "")
	buf := captureLogs(t)
	path := writeConfig(t, "[api]\nurl = \"https://support.example.com\"\n[log]\nlevel = \"warn\"\n")

	if _, err := loadConfig(&Globals{Config: path}); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	L_info("supportchat: quiet")
	L_warn("supportchat: loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLoadConfigRequiresAPIURL(t *testing.T) {
	t.Setenv("SUPPORTCHAT_HOME", t.TempDir())
	t.Setenv("SUPPORTCHAT_API_URL", "")
	captureLogs(t)
	if _, err := loadConfig(&Globals{Config: writeConfig(t, "")}); err == nil {
		t.Error("expected validation error without api.url")
	}
}
