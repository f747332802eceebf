package types

// Participant is a member of a support room.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"` // "customer", "operator", "bot"
	Online bool   `json:"online"`
}

// Room identifies one conversation between a user and the support system.
type Room struct {
	ID           string        `json:"id"`
	Mode         Mode          `json:"-"`
	Participants []Participant `json:"participants"`
}

// ConnState is the hub connection state of a session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
