package hub

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the canonical event kind after name normalization.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewMessage
	KindMessageEdited
	KindMessageDeleted
	KindModeChanged
	KindPresenceChanged
	KindConnectionState
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindMessageEdited:
		return "message_edited"
	case KindMessageDeleted:
		return "message_deleted"
	case KindModeChanged:
		return "mode_changed"
	case KindPresenceChanged:
		return "presence_changed"
	case KindConnectionState:
		return "connection_state_changed"
	default:
		return "unknown"
	}
}

// Kinds lists every known kind.
var Kinds = []Kind{
	KindNewMessage, KindMessageEdited, KindMessageDeleted,
	KindModeChanged, KindPresenceChanged, KindConnectionState,
}

// Keyed by squashed name: lower case with separators removed.
var kindAliases = map[string]Kind{
	"newmessage":      KindNewMessage,
	"receivemessage":  KindNewMessage,
	"messagecreated":  KindNewMessage,
	"messagenew":      KindNewMessage,
	"messagereceived": KindNewMessage,

	"messageedited":  KindMessageEdited,
	"messageupdated": KindMessageEdited,
	"editmessage":    KindMessageEdited,
	"updatemessage":  KindMessageEdited,

	"messagedeleted": KindMessageDeleted,
	"deletemessage":  KindMessageDeleted,
	"messageremoved": KindMessageDeleted,

	"modechanged":        KindModeChanged,
	"chatmodechanged":    KindModeChanged,
	"supportmodechanged": KindModeChanged,
	"roommodechanged":    KindModeChanged,
	"modechange":         KindModeChanged,

	"presencechanged":   KindPresenceChanged,
	"presenceupdated":   KindPresenceChanged,
	"userstatuschanged": KindPresenceChanged,
	"userpresence":      KindPresenceChanged,

	"connectionstatechanged": KindConnectionState,
	"connectionstate":        KindConnectionState,
	"connectionchanged":      KindConnectionState,
}

func squash(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case '_', '-', '.', ' ', ':', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LookupKind maps an event name in any supported spelling to its kind.
// "NewMessage", "new_message", "message.new" and "ReceiveMessage" all
// resolve to KindNewMessage.
func LookupKind(name string) (Kind, bool) {
	k, ok := kindAliases[squash(name)]
	return k, ok
}

// Event is a decoded hub event.
type Event struct {
	Kind     Kind
	Name     string // name as sent by the hub
	Data     json.RawMessage
	Received time.Time
}

// Decode extracts an event from a frame. Frames of type "event" carry the
// name in the event field; other servers put the event name in type itself.
// The second result is false for frames that are not recognised events.
func Decode(f *Frame) (Event, bool) {
	name := f.Event
	if f.Type != TypeEvent {
		name = f.Type
	}
	kind, ok := LookupKind(name)
	if !ok {
		return Event{Name: name}, false
	}
	return Event{Kind: kind, Name: name, Data: f.body(), Received: time.Now()}, true
}
