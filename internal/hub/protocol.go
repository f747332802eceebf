package hub

import "encoding/json"

// Frame types exchanged with the hub.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeResult       = "result"
	TypeEvent        = "event"
)

// Frame is any message received from the hub.
type Frame struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"` // some servers use payload instead of data
}

// FrameError is the error body of a failed result.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the authentication frame sent after auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// RoomCommand joins or leaves a room.
type RoomCommand struct {
	ID     int    `json:"id"`
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// EventFrame is an event pushed by the hub. Used by hubtest and for logging.
type EventFrame struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (f *Frame) body() json.RawMessage {
	if len(f.Data) > 0 {
		return f.Data
	}
	return f.Payload
}

func (f *Frame) errorText() string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	if f.Message != "" {
		return f.Message
	}
	return "unknown error"
}
