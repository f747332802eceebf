package types

import "strings"

// Mode is the responder class currently active for a room.
type Mode int

const (
	ModeUnset Mode = iota
	ModeAutomated
	ModeHuman
)

func (m Mode) String() string {
	switch m {
	case ModeAutomated:
		return "automated"
	case ModeHuman:
		return "human"
	default:
		return "unset"
	}
}

// ParseMode maps the mode spellings seen on the wire to a Mode.
// Unrecognised values return ModeUnset and false.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "automated", "automatic", "auto", "bot", "ai", "assistant":
		return ModeAutomated, true
	case "human", "agent", "operator", "manual", "live":
		return ModeHuman, true
	default:
		return ModeUnset, false
	}
}
