package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/normalize"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// SendRequest is the body of a message send.
type SendRequest struct {
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
	ClientID  string `json:"clientId"`
}

// SendResult is the server's acknowledgement of a send.
type SendResult struct {
	ID        string
	CreatedAt time.Time
}

var ackSchema = normalize.MustSchema("ack", []normalize.Field{
	{Name: "id", Paths: []string{"id", "messageid", "message_id", "message.id", "data.id"}},
	{Name: "createdAt", Paths: []string{"createdat", "created_at", "timestamp", "message.createdat", "data.createdat"}},
})

var pageSchema = normalize.MustSchema("history", []normalize.Field{
	{Name: "messages", Paths: []string{"messages", "items", "data.messages", "data.items", "data", "results"}},
	{Name: "nextCursor", Paths: []string{"nextcursor", "next_cursor", "cursor.next", "paging.next", "next"}},
})

// SendMessage posts a message to the room and returns the assigned id.
func (c *Client) SendMessage(ctx context.Context, roomID string, req SendRequest) (SendResult, error) {
	body, err := c.do(ctx, http.MethodPost, roomPath(roomID, "/messages"), req)
	if err != nil {
		return SendResult{}, err
	}

	rec, err := ackSchema.ApplyJSON(body)
	if err != nil {
		return SendResult{}, fmt.Errorf("invalid send response: %w", err)
	}
	if !rec.Has("id") {
		return SendResult{}, fmt.Errorf("invalid send response: missing message id")
	}

	res := SendResult{ID: rec.String("id")}
	if t, ok := rec.Time("createdAt"); ok {
		res.CreatedAt = t
	} else {
		res.CreatedAt = time.Now().UTC()
	}
	return res, nil
}

// Page is one page of room history.
type Page struct {
	Messages   []types.Message
	NextCursor string // empty on the last page
	Skipped    int    // entries dropped for missing required fields
}

// History fetches one page of messages, oldest first within the page.
// An empty cursor requests the newest page.
func (c *Client) History(ctx context.Context, roomID, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := roomPath(roomID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	rec, err := pageSchema.ApplyJSON(body)
	if err != nil {
		return nil, fmt.Errorf("invalid history response: %w", err)
	}

	page := &Page{NextCursor: rec.String("nextCursor")}
	list, _ := rec["messages"].([]any)
	for _, item := range list {
		r, err := normalize.MessageSchema.Apply(item)
		if err != nil {
			page.Skipped++
			continue
		}
		msg, missing := normalize.ToMessage(r)
		if !r.Has(normalize.KeyRoomID) {
			// history entries are scoped by the URL and often omit the room
			msg.RoomID = roomID
			missing = without(missing, normalize.KeyRoomID)
		}
		if len(missing) > 0 {
			L_debug("api: skipping history entry", "room", roomID, "id", msg.ID, "missing", missing)
			page.Skipped++
			continue
		}
		page.Messages = append(page.Messages, msg)
	}

	L_debug("api: history page", "room", roomID, "messages", len(page.Messages), "skipped", page.Skipped, "hasMore", page.NextCursor != "")
	return page, nil
}

func without(list []string, drop string) []string {
	out := list[:0]
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
