package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/supportchat/internal/normalize"
)

var modeSchema = normalize.MustSchema("mode", []normalize.Field{
	{Name: "roomId", Paths: []string{"roomid", "room_id", "chatroomid", "chat_room_id", "room.id"}},
	{Name: "mode", Paths: []string{"mode", "newmode", "new_mode", "chatmode", "chat_mode", "supportmode", "room.mode", "state"}},
	{Name: "actor", Paths: []string{"actor.name", "actor.displayname", "actor", "actorname", "actor_name", "changedby.name", "changed_by.name", "changedby", "changed_by", "agent.name", "agentname", "agent_name", "operator.name", "by"}},
})

var presenceSchema = normalize.MustSchema("presence", []normalize.Field{
	{Name: "roomId", Paths: []string{"roomid", "room_id", "chatroomid", "room.id"}},
	{Name: "userId", Paths: []string{"userid", "user_id", "user.id", "participantid", "participant_id", "id"}},
	{Name: "online", Paths: []string{"online", "isonline", "is_online", "user.online"}},
	{Name: "status", Paths: []string{"status", "presence", "user.status"}},
})

var connectionSchema = normalize.MustSchema("connection", []normalize.Field{
	{Name: "state", Paths: []string{"state", "status", "connectionstate", "connection_state"}},
	{Name: "reason", Paths: []string{"reason", "message", "error"}},
})

// decodeObject decodes an event body. When the object wraps the interesting
// part under key (e.g. {"message": {...}, "roomId": "R1"}), the inner object
// is returned with the outer siblings filled in where it lacks them.
func decodeObject(data json.RawMessage, key string) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is %T, not an object", v)
	}
	if key == "" {
		return m, nil
	}

	for k, inner := range m {
		if !strings.EqualFold(k, key) {
			continue
		}
		im, ok := inner.(map[string]any)
		if !ok {
			break
		}
		merged := make(map[string]any, len(im)+len(m))
		for ik, iv := range im {
			merged[ik] = iv
		}
		for ok2, ov := range m {
			if ok2 == k {
				continue
			}
			if _, exists := merged[ok2]; !exists {
				merged[ok2] = ov
			}
		}
		return merged, nil
	}
	return m, nil
}

var onlineStatuses = map[string]bool{
	"online": true, "active": true, "available": true, "connected": true,
	"offline": false, "away": false, "inactive": false, "disconnected": false,
}

// presenceOnline derives the online flag from either a boolean or a status word.
func presenceOnline(r normalize.Record) (bool, bool) {
	if b, ok := r.Bool("online"); ok {
		return b, true
	}
	b, ok := onlineStatuses[strings.ToLower(r.String("status"))]
	return b, ok
}
