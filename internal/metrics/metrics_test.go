package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Event("new_message")
	m.Dropped("malformed")
	m.Send(true)
	m.Reload(false)
	m.ModeChanged()
	m.Reconnect()
	m.SetMessages(3)
	m.SetConnected(true)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Event("new_message")
	m.Event("new_message")
	m.Dropped("other_room")
	m.Send(false)
	m.SetMessages(7)
	m.SetConnected(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`supportchat_hub_events_total{kind="new_message"} 2`,
		`supportchat_hub_events_dropped_total{reason="other_room"} 1`,
		`supportchat_sends_total{result="error"} 1`,
		`supportchat_messages 7`,
		`supportchat_hub_connected 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.ModeChanged()

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "supportchat_mode_changes_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 0 {
				t.Errorf("second registry saw %v mode changes", v)
			}
		}
	}
}
