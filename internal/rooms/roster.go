package rooms

import (
	"sort"
	"sync"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// Roster is the in-memory presence registry of room participants.
type Roster struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]*types.Participant
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{byRoom: make(map[string]map[string]*types.Participant)}
}

// Register records the participants of a room. Known participants are updated.
func (r *Roster) Register(roomID string, participants []types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.byRoom[roomID]
	if room == nil {
		room = make(map[string]*types.Participant)
		r.byRoom[roomID] = room
	}
	for _, p := range participants {
		if p.ID == "" {
			continue
		}
		cp := p
		room[p.ID] = &cp
	}
	L_debug("rooms: participants registered", "room", roomID, "count", len(participants))
}

// SetOnline updates a participant's online flag. It reports whether the
// participant is known and the flag changed.
func (r *Roster) SetOnline(roomID, userID string, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byRoom[roomID][userID]
	if !ok {
		L_trace("rooms: presence for unknown participant", "room", roomID, "user", userID)
		return false
	}
	if p.Online == online {
		return false
	}
	p.Online = online
	L_debug("rooms: presence changed", "room", roomID, "user", userID, "online", online)
	return true
}

// Participants returns the room's participants sorted by id.
func (r *Roster) Participants(roomID string) []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0, len(r.byRoom[roomID]))
	for _, p := range r.byRoom[roomID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
