// Package types contains shared chat types used across multiple packages.
// This helps avoid import cycles between the hub, store and session packages.
package types

import (
	"strings"
	"time"
)

// TombstoneText replaces the content of a soft-deleted message.
const TombstoneText = "[message deleted]"

// Message represents a single chat message in a support room.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Edited     bool      `json:"edited,omitempty"`
	Deleted    bool      `json:"deleted,omitempty"`
	ReplyToID  string    `json:"replyToId,omitempty"` // reply target id only, never a nested message
}

// Before reports whether m sorts before o: created-at ascending, ties by id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return strings.Compare(m.ID, o.ID) < 0
}

// Tombstone marks the message deleted and discards its content.
func (m *Message) Tombstone() {
	m.Deleted = true
	m.Content = TombstoneText
}

// Origin says who authored a message from the local user's point of view.
type Origin int

const (
	OriginOperator Origin = iota
	OriginAutomated
	OriginSelf
)

func (o Origin) String() string {
	switch o {
	case OriginSelf:
		return "self"
	case OriginAutomated:
		return "automated"
	default:
		return "operator"
	}
}
