// Package hubtest provides an in-process chat hub for tests.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a fake hub speaking the auth / join / event protocol.
type Server struct {
	Token string

	// RejectJoin makes join_room fail with this message when set.
	RejectJoin string
	// JoinDelay holds the join result back, to widen race windows in tests.
	JoinDelay time.Duration

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	dials    int
	joins    []string
	leaves   []string
	joinedCh chan string
}

// NewServer starts a hub that accepts token.
func NewServer(t *testing.T, token string) *Server {
	t.Helper()
	s := &Server{Token: token, joinedCh: make(chan string, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL is the websocket URL of the hub.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every client and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	if !s.authenticate(conn) {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var cmd struct {
			ID     int    `json:"id"`
			Type   string `json:"type"`
			RoomID string `json:"room_id"`
		}
		if err := conn.ReadJSON(&cmd); err != nil {
			s.remove(conn)
			return
		}

		switch cmd.Type {
		case "join_room":
			if s.JoinDelay > 0 {
				time.Sleep(s.JoinDelay)
			}
			if s.RejectJoin != "" {
				s.write(conn, map[string]any{"id": cmd.ID, "type": "result", "success": false,
					"error": map[string]string{"code": "forbidden", "message": s.RejectJoin}})
				continue
			}
			s.mu.Lock()
			s.joins = append(s.joins, cmd.RoomID)
			s.mu.Unlock()
			s.write(conn, map[string]any{"id": cmd.ID, "type": "result", "success": true})
			s.joinedCh <- cmd.RoomID
		case "leave_room":
			s.mu.Lock()
			s.leaves = append(s.leaves, cmd.RoomID)
			s.mu.Unlock()
			s.write(conn, map[string]any{"id": cmd.ID, "type": "result", "success": true})
		}
	}
}

func (s *Server) authenticate(conn *websocket.Conn) bool {
	if err := s.write(conn, map[string]string{"type": "auth_required"}); err != nil {
		return false
	}
	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return false
	}
	if auth.Type != "auth" || auth.AccessToken != s.Token {
		s.write(conn, map[string]string{"type": "auth_invalid", "message": "invalid token"})
		return false
	}
	return s.write(conn, map[string]string{"type": "auth_ok"}) == nil
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	conn.Close()
}

// Emit pushes an event frame to every connected client.
func (s *Server) Emit(event string, data any) {
	s.EmitRaw(map[string]any{"type": "event", "event": event, "data": data})
}

// EmitRaw pushes an arbitrary frame to every connected client.
func (s *Server) EmitRaw(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.WriteMessage(websocket.TextMessage, payload)
	}
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// WaitJoined blocks until a client joins a room, returning its id.
func (s *Server) WaitJoined(t *testing.T) string {
	t.Helper()
	select {
	case room := <-s.joinedCh:
		return room
	case <-time.After(5 * time.Second):
		t.Fatal("hubtest: timed out waiting for join")
		return ""
	}
}

// Dials is the number of websocket connections accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Joins returns the rooms joined, in order.
func (s *Server) Joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}

// Leaves returns the rooms left, in order.
func (s *Server) Leaves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

// Clients is the number of authenticated connections still open.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
