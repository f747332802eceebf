package api

import (
	"context"
	"fmt"
	"net/http"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/normalize"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

var roomSchema = normalize.MustSchema("room", []normalize.Field{
	{Name: "id", Paths: []string{"room.id", "chatroom.id", "room.roomid", "id", "roomid", "room_id", "chatroomid"}},
	{Name: "mode", Paths: []string{"room.mode", "room.chatmode", "room.supportmode", "mode", "chatmode", "chat_mode", "supportmode"}},
	{Name: "participants", Paths: []string{"room.participants", "room.members", "participants", "members"}},
})

var participantSchema = normalize.MustSchema("participant", []normalize.Field{
	{Name: "id", Paths: []string{"id", "userid", "user_id", "user.id"}},
	{Name: "name", Paths: []string{"name", "displayname", "display_name", "fullname", "username", "user.name"}},
	{Name: "role", Paths: []string{"role", "type", "kind"}},
	{Name: "online", Paths: []string{"online", "isonline", "is_online", "connected"}},
})

// EnsureRoom asks the server for the user's support room, creating it when
// needed. Repeated calls return the same room.
func (c *Client) EnsureRoom(ctx context.Context) (*types.Room, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/chat/rooms", struct{}{})
	if err != nil {
		return nil, err
	}

	rec, err := roomSchema.ApplyJSON(body)
	if err != nil {
		return nil, fmt.Errorf("invalid room response: %w", err)
	}
	if !rec.Has("id") {
		return nil, fmt.Errorf("invalid room response: missing room id")
	}

	room := &types.Room{ID: rec.String("id")}
	if rec.Has("mode") {
		mode, ok := types.ParseMode(rec.String("mode"))
		if !ok {
			L_warn("api: unrecognised room mode", "room", room.ID, "mode", rec.String("mode"))
		}
		room.Mode = mode
	}

	list, _ := rec["participants"].([]any)
	for _, item := range list {
		p, err := participantSchema.Apply(item)
		if err != nil || !p.Has("id") {
			L_debug("api: skipping malformed participant", "room", room.ID)
			continue
		}
		online, _ := p.Bool("online")
		room.Participants = append(room.Participants, types.Participant{
			ID:     p.String("id"),
			Name:   p.String("name"),
			Role:   p.String("role"),
			Online: online,
		})
	}

	L_debug("api: room ensured", "room", room.ID, "mode", room.Mode, "participants", len(room.Participants))
	return room, nil
}
