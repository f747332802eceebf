package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitReconfigures(t *testing.T) {
	t.Cleanup(func() { Init(nil) })

	// an early call installs the default info-level logger
	L_debug("logging: before init")

	var buf bytes.Buffer
	Init(&LogOptions{Level: LevelDebug, Output: &buf})
	L_debug("logging: visible", "key", "value")
	if !strings.Contains(buf.String(), "logging: visible") || !strings.Contains(buf.String(), "key=value") {
		t.Fatalf("debug line missing after Init: %q", buf.String())
	}

	var quiet bytes.Buffer
	Init(&LogOptions{Level: LevelWarn, Output: &quiet})
	L_info("logging: suppressed")
	L_warn("logging: shown")
	if strings.Contains(quiet.String(), "suppressed") || !strings.Contains(quiet.String(), "shown") {
		t.Errorf("warn level output = %q", quiet.String())
	}
	if strings.Contains(buf.String(), "shown") {
		t.Error("old output still receives lines after re-Init")
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { Init(nil) })

	var buf bytes.Buffer
	Init(&LogOptions{Level: LevelInfo, Output: &buf})
	L_debug("logging: hidden")
	SetLevel(LevelTrace)
	L_trace("logging: traced")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "traced") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]int{
		"trace": LevelTrace, "DEBUG": LevelDebug, " warning ": LevelWarn,
		"error": LevelError, "fatal": LevelFatal, "": LevelInfo, "bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
