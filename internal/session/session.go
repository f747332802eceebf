// Package session coordinates one customer support chat: room provisioning,
// the hub connection, event dispatch, history and sending.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/supportchat/internal/api"
	"github.com/roelfdiedericks/supportchat/internal/bus"
	"github.com/roelfdiedericks/supportchat/internal/dispatch"
	"github.com/roelfdiedericks/supportchat/internal/hub"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/messages"
	"github.com/roelfdiedericks/supportchat/internal/metrics"
	"github.com/roelfdiedericks/supportchat/internal/mode"
	"github.com/roelfdiedericks/supportchat/internal/ownership"
	"github.com/roelfdiedericks/supportchat/internal/rooms"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrEmptyMessage is returned for sends with no visible text.
	ErrEmptyMessage = errors.New("message is empty")
)

// SendError reports a failed send. Text carries the unsent message so the
// caller can offer it again.
type SendError struct {
	Text     string
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Session is one chat session bound to the user's support room.
type Session struct {
	opts    Options
	api     API
	ident   ownership.IdentitySource
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	bus         *bus.Bus
	roster      *rooms.Roster
	provisioner *rooms.Provisioner
	room        *types.Room
	store       *messages.Store
	modes       *mode.Machine
	classifier  *ownership.Classifier
	dispatcher  *dispatch.Dispatcher
	hub         *hub.Manager

	mu           sync.Mutex
	closed       bool
	wasConnected bool
	reconnecting bool
	reconnects   int
	pending      map[string]PendingSend
	wg           sync.WaitGroup

	closeOnce sync.Once
}

// Open provisions the room, restores the ledger, loads history and joins
// the hub. Only a provisioning failure is fatal: without a hub connection
// the session stays usable for sending and manual reloads.
func Open(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	if deps.API == nil {
		return nil, fmt.Errorf("session: API is required")
	}
	opts.applyDefaults()
	started := time.Now()

	s := &Session{
		opts:    opts,
		api:     deps.API,
		ident:   deps.Identity,
		metrics: deps.Metrics,
		bus:     bus.New(),
		roster:  rooms.NewRoster(),
		pending: make(map[string]PendingSend),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.provisioner = rooms.NewProvisioner(s.ctx, deps.API, s.roster)

	room, err := s.provisioner.EnsureRoom(ctx)
	if err != nil {
		s.shutdown()
		return nil, err
	}
	s.room = room

	s.store = messages.NewStore(room.ID, deps.Ledger)
	if err := s.store.LoadLedger(ctx); err != nil {
		L_warn("session: ledger restore failed", "room", room.ID, "error", err)
	}

	s.modes = mode.New(s.onModeNotice)
	s.modes.Seed(room.ID, room.Mode)

	s.classifier = ownership.New(deps.Identity, s.store, opts.Classifier)

	s.dispatcher = dispatch.New(s.ctx, dispatch.Options{
		RoomID:         room.ID,
		Store:          s.store,
		Modes:          s.modes,
		Presence:       s.roster,
		Bus:            s.bus,
		Metrics:        deps.Metrics,
		Reload:         s.reload,
		ReloadInterval: opts.ReloadInterval,
	})

	s.hub = hub.NewManager(s.ctx, hub.Config{
		URL:              opts.HubURL,
		Token:            opts.Token,
		HandshakeTimeout: opts.HandshakeTimeout,
		Insecure:         opts.Insecure,
	}, s.onHubState)

	// join before loading history: the read loop only starts on Attach, so
	// events arriving meanwhile wait in the socket and dedupe against history
	connErr := s.hub.Connect(ctx, room.ID)
	if connErr != nil {
		L_warn("session: hub unavailable, continuing without live updates", "room", room.ID, "error", connErr)
	}

	if _, err := s.LoadHistory(ctx); err != nil {
		L_warn("session: initial history load failed", "room", room.ID, "error", err)
	}

	if connErr == nil {
		if _, err := s.dispatcher.Attach(s.hub); err != nil {
			L_warn("session: handler registration failed", "error", err)
		}
	}

	L_elapsed(started, "session: opened", "room", room.ID, "mode", s.modes.Current(), "messages", s.store.Len(), "state", s.hub.State())
	return s, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// bind derives a context that ends with either ctx or the session.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

// Send posts text to the room. On success the acknowledged message is
// recorded in the ledger and inserted into the store.
func (s *Session) Send(ctx context.Context, text, replyToID string) (types.Message, error) {
	if s.isClosed() {
		return types.Message{}, ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return types.Message{}, &SendError{Text: text, Err: ErrEmptyMessage}
	}

	ps := PendingSend{ClientID: uuid.NewString(), Text: text, ReplyToID: replyToID, Since: time.Now()}
	s.mu.Lock()
	s.pending[ps.ClientID] = ps
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ps.ClientID)
		s.mu.Unlock()
	}()

	sctx, cancel := s.bind(ctx)
	defer cancel()

	res, err := s.api.SendMessage(sctx, s.room.ID, api.SendRequest{
		Content:   text,
		ReplyToID: replyToID,
		ClientID:  ps.ClientID,
	})
	s.metrics.Send(err == nil)
	if err != nil {
		if s.isClosed() {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		L_warn("session: send failed", "room", s.room.ID, "clientId", ps.ClientID, "error", err)
		return types.Message{}, &SendError{Text: text, ClientID: ps.ClientID, Err: err}
	}

	// ledger first, so a hub echo racing this insert already classifies as ours
	s.store.RecordSent(sctx, res.ID)

	msg := types.Message{
		ID:        res.ID,
		RoomID:    s.room.ID,
		Content:   text,
		CreatedAt: res.CreatedAt,
		ReplyToID: replyToID,
	}
	if s.ident != nil {
		if me, err := s.ident.Resolve(sctx); err == nil {
			msg.SenderID = me.ID
			msg.SenderName = me.Label()
		}
	}
	if s.store.Insert(msg) {
		s.metrics.SetMessages(s.store.Len())
		s.bus.Publish(bus.TopicMessageAdded, msg, "send")
	}

	L_debug("session: sent", "room", s.room.ID, "id", res.ID, "clientId", ps.ClientID)
	return msg, nil
}

// LoadHistory fetches the room history page by page, up to the configured
// page limit, and reconciles the store with it. Messages that arrive live
// while the fetch is in flight are kept. It returns the number of messages
// in the store afterwards.
func (s *Session) LoadHistory(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	hctx, cancel := s.bind(ctx)
	defer cancel()

	mark := s.store.Mark()
	var all []types.Message
	cursor := ""
	for page := 0; page < s.opts.MaxPages; page++ {
		p, err := s.api.History(hctx, s.room.ID, cursor, s.opts.PageSize)
		if err != nil {
			if s.isClosed() {
				return 0, ErrClosed
			}
			s.metrics.Reload(false)
			return 0, fmt.Errorf("history page %d: %w", page+1, err)
		}
		all = append(all, p.Messages...)
		if p.NextCursor == "" || p.NextCursor == cursor {
			break
		}
		cursor = p.NextCursor
	}

	// closed is checked under s.mu so Close cannot slip in before the store
	// is touched
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		L_debug("session: history discarded, session closed", "room", s.room.ID)
		return 0, ErrClosed
	}
	if err := hctx.Err(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	kept := s.store.Reconcile(all, mark)
	s.mu.Unlock()

	n := s.store.Len()
	s.metrics.Reload(true)
	s.metrics.SetMessages(n)
	s.bus.Publish(bus.TopicHistoryReloaded, n, "reload")

	L_debug("session: history loaded", "room", s.room.ID, "fetched", len(all), "kept", kept, "messages", n)
	return n, nil
}

func (s *Session) reload(ctx context.Context) error {
	_, err := s.LoadHistory(ctx)
	return err
}

// Reload refreshes the history on demand.
func (s *Session) Reload(ctx context.Context) error {
	return s.reload(ctx)
}

// Reconnect connects to the hub now if it is not connected.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.hub.State() == types.StateConnected {
		return nil
	}
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.dispatcher.ScheduleReload("reconnected")
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.hub.Connect(ctx, s.room.ID); err != nil {
		return err
	}
	if _, err := s.dispatcher.Attach(s.hub); err != nil {
		return err
	}
	return nil
}

func (s *Session) onHubState(state types.ConnState, err error) {
	s.metrics.SetConnected(state == types.StateConnected)

	s.mu.Lock()
	closed := s.closed
	lost := false
	switch state {
	case types.StateConnected:
		s.wasConnected = true
	case types.StateDisconnected:
		lost = s.wasConnected && err != nil
		s.wasConnected = false
	}
	s.mu.Unlock()

	if closed {
		return
	}
	s.bus.Publish(bus.TopicConnectionState, state, "hub")
	if lost {
		s.startReconnect()
	}
}

func (s *Session) startReconnect() {
	if s.opts.ReconnectAttempts < 0 {
		L_info("session: connection lost, automatic reconnect disabled", "room", s.room.ID)
		return
	}
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reconnectLoop()
}

// reconnectLoop retries with exponential backoff, up to ReconnectAttempts.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	delay := s.opts.ReconnectDelay
	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		L_info("session: reconnecting", "room", s.room.ID, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		s.metrics.Reconnect()

		err := s.connect(s.ctx)
		if err == nil {
			L_info("session: reconnected", "room", s.room.ID, "attempt", attempt)
			// events sent while we were away are only recoverable from history
			s.dispatcher.ScheduleReload("reconnected")
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		L_warn("session: reconnect failed", "room", s.room.ID, "attempt", attempt, "error", err)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
	L_warn("session: giving up on hub, use reconnect to retry", "room", s.room.ID, "attempts", s.opts.ReconnectAttempts)
}

func (s *Session) onModeNotice(n mode.Notice) {
	if s.isClosed() {
		return
	}
	s.bus.Publish(bus.TopicModeChanged, n, "hub")
}

// Messages returns the ordered messages of the room.
func (s *Session) Messages() []types.Message {
	return s.store.All()
}

// Classify returns who authored msg from the local user's point of view.
func (s *Session) Classify(ctx context.Context, msg types.Message) types.Origin {
	return s.classifier.Classify(ctx, msg)
}

// Mode returns the current room mode.
func (s *Session) Mode() types.Mode {
	return s.modes.Current()
}

// Room returns the provisioned room.
func (s *Session) Room() types.Room {
	r := *s.room
	r.Mode = s.modes.Current()
	r.Participants = s.roster.Participants(s.room.ID)
	return r
}

// Bus is the session's event bus for mode notices and message updates.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Pending returns sends still awaiting acknowledgement, oldest first.
func (s *Session) Pending() []PendingSend {
	s.mu.Lock()
	out := make([]PendingSend, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Status returns a snapshot for status displays.
func (s *Session) Status() Status {
	hs := s.hub.Status()

	s.mu.Lock()
	reconnects := s.reconnects
	pending := len(s.pending)
	s.mu.Unlock()

	return Status{
		Room:           s.room.ID,
		Mode:           s.modes.Current(),
		State:          hs.State,
		Endpoint:       hs.Endpoint,
		Messages:       s.store.Len(),
		Pending:        pending,
		Participants:   s.roster.Participants(s.room.ID),
		Reconnects:     reconnects,
		LastError:      hs.LastError,
		ConnectedSince: hs.Since,
	}
}

// Close cancels in-flight work, leaves the room and releases the session.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		L_debug("session: closing")
		s.shutdown()
		L_info("session: closed")
	})
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	s.wg.Wait()
	if s.hub != nil {
		s.hub.Close()
	}
	s.provisioner.Close()
	s.bus.Close()
}
