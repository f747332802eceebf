package mode

import (
	"strings"
	"sync"
	"testing"

	"github.com/roelfdiedericks/supportchat/internal/types"
)

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func TestInitialStateUnset(t *testing.T) {
	m := New(nil)
	if m.Current() != types.ModeUnset {
		t.Errorf("Current = %v, want unset", m.Current())
	}
	if m.Apply(Change{RoomID: "A", Mode: types.ModeHuman}) {
		t.Error("change before seeding should be discarded")
	}
}

func TestSeedEmitsNoNotice(t *testing.T) {
	rec := &recorder{}
	m := New(rec.notify)
	m.Seed("R1", types.ModeAutomated)
	if m.Current() != types.ModeAutomated {
		t.Errorf("Current = %v, want automated", m.Current())
	}
	if rec.count() != 0 {
		t.Errorf("notices = %d, want 0", rec.count())
	}
}

func TestModeIsolation(t *testing.T) {
	rec := &recorder{}
	m := New(rec.notify)
	m.Seed("A", types.ModeAutomated)

	if m.Apply(Change{RoomID: "B", Mode: types.ModeHuman, Actor: "Agent A"}) {
		t.Error("change for room B must be discarded")
	}
	if m.Current() != types.ModeAutomated {
		t.Errorf("Current = %v, want automated", m.Current())
	}
	if rec.count() != 0 {
		t.Errorf("notices = %d, want 0", rec.count())
	}
}

func TestModeSwitchNotifiesOnce(t *testing.T) {
	rec := &recorder{}
	m := New(rec.notify)
	m.Seed("R1", types.ModeAutomated)

	change := Change{RoomID: "R1", Mode: types.ModeHuman, Actor: "Agent A"}
	if !m.Apply(change) {
		t.Fatal("first change should be accepted")
	}
	if m.Apply(change) {
		t.Error("identical change should be a no-op")
	}

	if m.Current() != types.ModeHuman {
		t.Errorf("Current = %v, want human", m.Current())
	}
	if rec.count() != 1 {
		t.Fatalf("notices = %d, want 1", rec.count())
	}
	n := rec.notices[0]
	if n.Actor != "Agent A" || n.From != types.ModeAutomated || n.Mode != types.ModeHuman {
		t.Errorf("notice = %+v", n)
	}
	if !strings.Contains(n.Text(), "Agent A") {
		t.Errorf("notice text %q should name the actor", n.Text())
	}
}

func TestInvalidModeDiscarded(t *testing.T) {
	m := New(nil)
	m.Seed("R1", types.ModeHuman)
	if m.Apply(Change{RoomID: "R1", Mode: types.ModeUnset}) {
		t.Error("unset mode should be discarded")
	}
	if m.Current() != types.ModeHuman {
		t.Errorf("Current = %v, want human", m.Current())
	}
}

func TestReset(t *testing.T) {
	m := New(nil)
	m.Seed("R1", types.ModeHuman)
	m.Reset()
	if m.Current() != types.ModeUnset || m.Room() != "" {
		t.Errorf("after Reset: mode=%v room=%q", m.Current(), m.Room())
	}
}
