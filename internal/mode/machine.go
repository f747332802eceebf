// Package mode tracks whether a support room is answered by the automated
// assistant or by a human operator.
package mode

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// Change is a mode-changed notification from the hub.
type Change struct {
	RoomID string
	Mode   types.Mode
	Actor  string // who switched, when known
}

// Notice is emitted once per accepted transition for the presentation layer.
type Notice struct {
	RoomID string
	From   types.Mode
	Mode   types.Mode
	Actor  string
	At     time.Time
}

// Text is a plain default rendering of the notice.
func (n Notice) Text() string {
	var who string
	if n.Mode == types.ModeHuman {
		who = "a support agent"
	} else {
		who = "the automated assistant"
	}
	if n.Actor != "" {
		return "You are now chatting with " + who + " (" + n.Actor + ")"
	}
	return "You are now chatting with " + who
}

// Notifier receives transition notices. It must not block.
type Notifier func(Notice)

// Machine holds the current mode of the session's active room.
type Machine struct {
	mu     sync.Mutex
	room   string
	mode   types.Mode
	notify Notifier
}

// New creates a machine in the Unset state.
func New(notify Notifier) *Machine {
	return &Machine{notify: notify}
}

// Seed sets the active room and its reported mode after provisioning.
// Seeding does not emit a notice.
func (m *Machine) Seed(roomID string, mode types.Mode) {
	m.mu.Lock()
	m.room = roomID
	m.mode = mode
	m.mu.Unlock()
	L_debug("mode: seeded", "room", roomID, "mode", mode)
}

// Apply processes a mode change. It returns true only when the change was
// accepted and altered the mode. Changes for another room, unparseable
// modes and repeats of the current mode are dropped.
func (m *Machine) Apply(c Change) bool {
	m.mu.Lock()

	if m.room == "" || c.RoomID != m.room {
		active := m.room
		m.mu.Unlock()
		L_warn("mode: change for inactive room discarded", "eventRoom", c.RoomID, "activeRoom", active, "mode", c.Mode)
		return false
	}
	if c.Mode == types.ModeUnset {
		m.mu.Unlock()
		L_warn("mode: change without a valid mode discarded", "room", c.RoomID)
		return false
	}
	if c.Mode == m.mode {
		m.mu.Unlock()
		L_trace("mode: repeated change ignored", "room", c.RoomID, "mode", c.Mode)
		return false
	}

	n := Notice{RoomID: c.RoomID, From: m.mode, Mode: c.Mode, Actor: c.Actor, At: time.Now()}
	m.mode = c.Mode
	m.mu.Unlock()

	L_info("mode: changed", "room", n.RoomID, "from", n.From, "to", n.Mode, "actor", n.Actor)
	if m.notify != nil {
		m.notify(n)
	}
	return true
}

// Current returns the current mode.
func (m *Machine) Current() types.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Room returns the room the machine is bound to.
func (m *Machine) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Reset returns the machine to Unset with no active room.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.room = ""
	m.mode = types.ModeUnset
	m.mu.Unlock()
}
