package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/roelfdiedericks/supportchat/internal/bus"
	"github.com/roelfdiedericks/supportchat/internal/dispatch"
	"github.com/roelfdiedericks/supportchat/internal/mode"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// renderer prints session events as plain text lines. Bus handlers run on
// their own goroutines, so writes are serialized.
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	classify func(types.Message) types.Origin
}

func (r *renderer) line(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, "> ")
}

func (r *renderer) message(m types.Message) {
	r.line("%s", r.format(m))
}

func (r *renderer) format(m types.Message) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	origin := types.OriginOperator
	if r.classify != nil {
		origin = r.classify(m)
	}
	switch origin {
	case types.OriginSelf:
		who = "you"
	case types.OriginAutomated:
		who += " [bot]"
	}

	text := m.Content
	if m.Edited && !m.Deleted {
		text += " (edited)"
	}
	s := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, text)
	if m.ReplyToID != "" {
		s += fmt.Sprintf("  ↪ %s", m.ReplyToID)
	}
	return s + "  #" + m.ID
}

func (r *renderer) handle(e bus.Event) {
	switch e.Topic {
	case bus.TopicMessageAdded, bus.TopicMessageUpdated:
		if m, ok := e.Data.(types.Message); ok {
			r.message(m)
		}
	case bus.TopicModeChanged:
		if n, ok := e.Data.(mode.Notice); ok {
			r.line("*** %s", n.Text())
		}
	case bus.TopicConnectionState:
		switch st := e.Data.(type) {
		case types.ConnState:
			r.line("*** hub %s", st)
		case dispatch.ServerState:
			if st.Reason != "" {
				r.line("*** server %s: %s", st.State, st.Reason)
			} else {
				r.line("*** server %s", st.State)
			}
		}
	case bus.TopicHistoryReloaded:
		r.line("*** history reloaded (%v messages)", e.Data)
	}
}
