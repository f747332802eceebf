package normalize

import (
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// Canonical message keys.
const (
	KeyID         = "id"
	KeyRoomID     = "roomId"
	KeySenderID   = "senderId"
	KeySenderName = "senderName"
	KeyContent    = "content"
	KeyCreatedAt  = "createdAt"
	KeyEdited     = "edited"
	KeyDeleted    = "deleted"
	KeyReplyTo    = "replyToId"
)

// RequiredMessageKeys must all be present for a message payload to be trusted.
// Content may be empty, and may be absent on a deleted message.
var RequiredMessageKeys = []string{KeyID, KeyRoomID, KeySenderID, KeyContent, KeyCreatedAt}

// MessageSchema covers the message shapes returned by the history endpoint
// and pushed by the hub.
var MessageSchema = MustSchema("message", []Field{
	{Name: KeyID, Paths: []string{"id", "messageid", "message_id", "_id", "message.id"}},
	{Name: KeyRoomID, Paths: []string{"roomid", "room_id", "chatroomid", "chat_room_id", "room.id", "conversationid"}},
	{Name: KeySenderID, Paths: []string{"senderid", "sender_id", "userid", "user_id", "sender.id", "user.id", "author.id", "authorid"}},
	{Name: KeySenderName, Paths: []string{"sendername", "sender_name", "username", "user_name", "sender.name", "user.name", "sender.fullname", "user.fullname", "author.name"}},
	{Name: KeyContent, Paths: []string{"content", "text", "message", "body"}},
	{Name: KeyCreatedAt, Paths: []string{"createdat", "created_at", "timestamp", "sentat", "sent_at", "ts"}},
	{Name: KeyEdited, Paths: []string{"edited", "isedited", "is_edited"}},
	{Name: KeyDeleted, Paths: []string{"deleted", "isdeleted", "is_deleted"}},
	{Name: KeyReplyTo, Paths: []string{"replytoid", "reply_to_id", "replyto", "reply_to", "replytomessageid", "parentid", "replyto.id"}},
})

// ToMessage converts a normalized record. It returns the required keys that
// were missing; the message is only meaningful when that list is empty.
func ToMessage(r Record) (types.Message, []string) {
	deleted, _ := r.Bool(KeyDeleted)

	var missing []string
	for _, k := range RequiredMessageKeys {
		switch {
		case k == KeyContent:
			if _, ok := r[k].(string); !ok && !deleted {
				missing = append(missing, k)
			}
		case !r.Has(k):
			missing = append(missing, k)
		}
	}

	msg := types.Message{
		ID:         r.String(KeyID),
		RoomID:     r.String(KeyRoomID),
		SenderID:   r.String(KeySenderID),
		SenderName: r.String(KeySenderName),
		ReplyToID:  r.String(KeyReplyTo),
	}
	if s, ok := r[KeyContent].(string); ok {
		msg.Content = s
	}
	if t, ok := r.Time(KeyCreatedAt); ok {
		msg.CreatedAt = t
	} else if r.Has(KeyCreatedAt) {
		missing = append(missing, KeyCreatedAt)
	}
	if b, ok := r.Bool(KeyEdited); ok {
		msg.Edited = b
	}
	if deleted {
		msg.Tombstone()
	}
	return msg, missing
}

// DecodeMessage normalizes a raw JSON message object.
func DecodeMessage(data []byte) (types.Message, []string, error) {
	rec, err := MessageSchema.ApplyJSON(data)
	if err != nil {
		return types.Message{}, nil, err
	}
	msg, missing := ToMessage(rec)
	return msg, missing, nil
}
