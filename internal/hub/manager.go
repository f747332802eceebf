// Package hub manages the real-time websocket connection to the chat hub:
// authentication, room join, handler registration and the read loop.
package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

var (
	// ErrConnection wraps every connect or join failure. It is recoverable.
	ErrConnection = errors.New("hub connection failed")
	// ErrAuthRejected means the hub refused the access token.
	ErrAuthRejected = errors.New("hub rejected credentials")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("hub not connected")
	// ErrRoomMismatch is returned when connecting to a room other than the joined one.
	ErrRoomMismatch = errors.New("hub already joined to another room")
)

// Handler receives decoded events of one kind. Handlers run on the read
// loop and must not block.
type Handler func(Event)

// Handlers maps event kinds to their handler.
type Handlers map[Kind]Handler

// StateFunc is told about every state change. err is set when the change
// was caused by a failure.
type StateFunc func(state types.ConnState, err error)

// Config configures a Manager.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	Insecure         bool
}

// Status is a snapshot of the connection for status displays.
type Status struct {
	State     types.ConnState
	Room      string
	Endpoint  string
	Since     time.Time // when the current connection was established
	LastError string
	Connects  int // successful connects over the manager's lifetime
}

// Manager owns at most one hub connection.
type Manager struct {
	cfg     Config
	onState StateFunc

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu         sync.RWMutex
	state      types.ConnState
	conn       *websocket.Conn
	room       string
	registered bool
	handlers   Handlers
	msgID      int
	connSince  time.Time
	lastError  error
	connects   int

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager. Handshakes run on ctx, so
// cancelling it aborts any in-flight connect. onState may be nil.
func NewManager(ctx context.Context, cfg Config, onState StateFunc) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{cfg: cfg, onState: onState, ctx: mctx, cancel: cancel}
}

var transitions = map[types.ConnState][]types.ConnState{
	types.StateDisconnected: {types.StateConnecting},
	types.StateConnecting:   {types.StateConnected, types.StateDisconnected},
	types.StateConnected:    {types.StateDisconnected},
}

// transition moves from -> to. Caller holds mu.
func (m *Manager) transition(from, to types.ConnState) bool {
	if m.state != from {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			m.state = to
			L_trace("hub: state", "from", from, "to", to)
			return true
		}
	}
	L_error("hub: illegal state transition", "from", from, "to", to)
	return false
}

func (m *Manager) notify(state types.ConnState, err error) {
	if m.onState != nil {
		m.onState(state, err)
	}
}

// Connect connects and joins roomID. Concurrent callers share one attempt.
// Connecting while already joined to roomID is a no-op.
func (m *Manager) Connect(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", ErrConnection)
	}
	if done, err := m.joined(roomID); done {
		return err
	}

	ch := m.group.DoChan("connect", func() (any, error) {
		if done, err := m.joined(roomID); done {
			return nil, err
		}
		return nil, m.connect(roomID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		// a shared attempt may have been for another room
		_, err := m.joined(roomID)
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
	}
}

// joined reports whether the manager is connected, and if so whether the
// room matches.
func (m *Manager) joined(roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != types.StateConnected {
		return false, nil
	}
	if m.room != roomID {
		return true, fmt.Errorf("%w: joined %s, requested %s", ErrRoomMismatch, m.room, roomID)
	}
	return true, nil
}

func (m *Manager) connect(roomID string) error {
	m.mu.Lock()
	if !m.transition(types.StateDisconnected, types.StateConnecting) {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot connect from state %s", ErrConnection, state)
	}
	m.msgID++
	joinID := m.msgID
	m.mu.Unlock()
	m.notify(types.StateConnecting, nil)

	conn, err := m.handshake(roomID, joinID)
	if err != nil {
		m.mu.Lock()
		m.transition(types.StateConnecting, types.StateDisconnected)
		m.lastError = err
		m.mu.Unlock()

		L_warn("hub: connect failed", "room", roomID, "error", err)
		m.notify(types.StateDisconnected, err)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	m.mu.Lock()
	if !m.transition(types.StateConnecting, types.StateConnected) {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: connection abandoned", ErrConnection)
	}
	m.conn = conn
	m.room = roomID
	m.registered = false
	m.handlers = nil
	m.connSince = time.Now()
	m.lastError = nil
	m.connects++
	m.mu.Unlock()

	L_info("hub: connected", "room", roomID, "endpoint", m.cfg.URL)
	m.notify(types.StateConnected, nil)
	return nil
}

// handshake dials, authenticates and joins. On success the read deadline
// is cleared and the connection is ready for the read loop.
func (m *Manager) handshake(roomID string, joinID int) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	if m.cfg.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // G402: self-hosted hubs may use private certs
	}

	L_debug("hub: dialing", "url", m.cfg.URL, "room", roomID)
	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// abort blocking reads when the lifetime context ends mid-handshake
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close()
		return nil, err
	}

	var authReq Frame
	if err := conn.ReadJSON(&authReq); err != nil {
		return fail(fmt.Errorf("read auth_required: %w", err))
	}
	if authReq.Type != TypeAuthRequired {
		return fail(fmt.Errorf("unexpected message: %s (expected %s)", authReq.Type, TypeAuthRequired))
	}

	if err := conn.WriteJSON(AuthMessage{Type: TypeAuth, AccessToken: m.cfg.Token}); err != nil {
		return fail(fmt.Errorf("send auth: %w", err))
	}

	var authResult Frame
	if err := conn.ReadJSON(&authResult); err != nil {
		return fail(fmt.Errorf("read auth result: %w", err))
	}
	switch authResult.Type {
	case TypeAuthOK:
	case TypeAuthInvalid:
		return fail(fmt.Errorf("%w: %s", ErrAuthRejected, authResult.errorText()))
	default:
		return fail(fmt.Errorf("auth failed: %s", authResult.Type))
	}
	L_debug("hub: authenticated, joining", "room", roomID, "msgID", joinID)

	if err := conn.WriteJSON(RoomCommand{ID: joinID, Type: TypeJoinRoom, RoomID: roomID}); err != nil {
		return fail(fmt.Errorf("send join: %w", err))
	}

	// events are not expected before the join result, but skip anything else
	for {
		var res Frame
		if err := conn.ReadJSON(&res); err != nil {
			return fail(fmt.Errorf("read join result: %w", err))
		}
		if res.Type != TypeResult || res.ID != joinID {
			L_trace("hub: skipping frame during join", "type", res.Type, "id", res.ID)
			continue
		}
		if res.Success == nil || !*res.Success {
			return fail(fmt.Errorf("join %s rejected: %s", roomID, res.errorText()))
		}
		break
	}

	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// Register installs the event handlers and starts the read loop. It is
// legal only while connected and takes effect once per connection: later
// calls return false without replacing the handlers.
func (m *Manager) Register(handlers Handlers) (bool, error) {
	m.mu.Lock()
	if m.state != types.StateConnected {
		m.mu.Unlock()
		return false, ErrNotConnected
	}
	if m.registered {
		m.mu.Unlock()
		L_trace("hub: handlers already registered for this connection")
		return false, nil
	}
	m.registered = true
	m.handlers = handlers
	conn := m.conn
	m.wg.Add(1)
	m.mu.Unlock()

	L_debug("hub: handlers registered, starting read loop", "kinds", len(handlers))
	go m.readLoop(conn, handlers)
	return true, nil
}

func (m *Manager) readLoop(conn *websocket.Conn, handlers Handlers) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.lost(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			L_warn("hub: undecodable frame dropped", "error", err, "bytes", len(data))
			continue
		}
		if f.Type == TypeResult {
			L_trace("hub: result", "id", f.ID, "success", f.Success != nil && *f.Success)
			continue
		}

		ev, ok := Decode(&f)
		if !ok {
			L_debug("hub: unknown event ignored", "type", f.Type, "event", ev.Name)
			continue
		}
		h := handlers[ev.Kind]
		if h == nil {
			L_trace("hub: no handler for event", "kind", ev.Kind, "name", ev.Name)
			continue
		}
		m.dispatch(h, ev)
	}
}

func (m *Manager) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			L_error("hub: event handler panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}

// lost handles a read failure. A connection that was already replaced or
// deliberately closed is ignored.
func (m *Manager) lost(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.room = ""
	m.registered = false
	m.handlers = nil
	m.lastError = err
	m.transition(types.StateConnected, types.StateDisconnected)
	m.mu.Unlock()

	conn.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		L_warn("hub: connection lost", "error", err)
	} else {
		L_info("hub: connection closed", "error", err)
	}
	m.notify(types.StateDisconnected, err)
}

// Disconnect leaves the room and closes the connection. It is a no-op when
// not connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != types.StateConnected {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	room := m.room
	m.conn = nil
	m.room = ""
	m.registered = false
	m.handlers = nil
	m.msgID++
	leaveID := m.msgID
	m.transition(types.StateConnected, types.StateDisconnected)
	m.mu.Unlock()

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	err := conn.WriteJSON(RoomCommand{ID: leaveID, Type: TypeLeaveRoom, RoomID: room})
	if err != nil {
		L_debug("hub: leave failed", "room", room, "error", err)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	conn.Close()

	L_info("hub: disconnected", "room", room)
	m.notify(types.StateDisconnected, nil)
	return nil
}

// Close aborts any in-flight connect, disconnects and waits for the read
// loop to finish. It must not be called from a handler.
func (m *Manager) Close() error {
	m.cancel()
	err := m.Disconnect()
	m.wg.Wait()
	return err
}

// State returns the current connection state.
func (m *Manager) State() types.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Room returns the joined room, or "" when not connected.
func (m *Manager) Room() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.room
}

// Status returns a snapshot for status displays.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		State:    m.state,
		Room:     m.room,
		Endpoint: m.cfg.URL,
		Connects: m.connects,
	}
	if m.state == types.StateConnected {
		s.Since = m.connSince
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}
