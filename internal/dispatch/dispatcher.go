// Package dispatch routes hub events to the session's message store, mode
// state machine and presence roster, and schedules reconciliation reloads
// when an event cannot be trusted.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roelfdiedericks/supportchat/internal/bus"
	"github.com/roelfdiedericks/supportchat/internal/hub"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/messages"
	"github.com/roelfdiedericks/supportchat/internal/metrics"
	"github.com/roelfdiedericks/supportchat/internal/mode"
	"github.com/roelfdiedericks/supportchat/internal/normalize"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// Registrar is the hub side of handler registration.
type Registrar interface {
	Register(handlers hub.Handlers) (bool, error)
}

// Presence receives online/offline updates.
type Presence interface {
	SetOnline(roomID, userID string, online bool) bool
}

// ReloadFunc fetches the authoritative history and replaces the store.
type ReloadFunc func(ctx context.Context) error

// ServerState is a connection state change announced by the hub itself.
type ServerState struct {
	State  string
	Reason string
}

// Options wires a Dispatcher to its session.
type Options struct {
	RoomID         string
	Store          *messages.Store
	Modes          *mode.Machine
	Presence       Presence // optional
	Bus            *bus.Bus // optional
	Metrics        *metrics.Metrics
	Reload         ReloadFunc
	ReloadInterval time.Duration // minimum spacing between reloads
}

// Dispatcher handles hub events for one room.
type Dispatcher struct {
	opts    Options
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool // a reload goroutine is active
	dirty   bool // another reload was requested while running
	closed  bool
}

// New creates a dispatcher. Reloads run on a context derived from ctx and
// stop when it ends or Close is called.
func New(ctx context.Context, opts Options) *Dispatcher {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 2 * time.Second
	}
	dctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.ReloadInterval), 1),
		ctx:     dctx,
		cancel:  cancel,
	}
}

// Handlers returns one handler per known event kind.
func (d *Dispatcher) Handlers() hub.Handlers {
	h := make(hub.Handlers, len(hub.Kinds))
	for _, k := range hub.Kinds {
		h[k] = d.HandleEvent
	}
	return h
}

// Attach registers the handlers with the hub. Registration is latched per
// connection on the hub side, so attaching twice is harmless.
func (d *Dispatcher) Attach(r Registrar) (bool, error) {
	ok, err := r.Register(d.Handlers())
	if err != nil {
		return false, err
	}
	if ok {
		L_debug("dispatch: attached", "room", d.opts.RoomID)
	}
	return ok, nil
}

// HandleEvent routes one event. It never blocks on I/O.
func (d *Dispatcher) HandleEvent(ev hub.Event) {
	if d.isClosed() {
		return
	}
	d.opts.Metrics.Event(ev.Kind.String())

	switch ev.Kind {
	case hub.KindNewMessage:
		d.onNewMessage(ev)
	case hub.KindMessageEdited:
		d.onEdited(ev)
	case hub.KindMessageDeleted:
		d.onDeleted(ev)
	case hub.KindModeChanged:
		d.onModeChanged(ev)
	case hub.KindPresenceChanged:
		d.onPresence(ev)
	case hub.KindConnectionState:
		d.onConnectionState(ev)
	default:
		L_debug("dispatch: unhandled event", "name", ev.Name)
	}
}

func (d *Dispatcher) publish(topic string, data any) {
	if d.opts.Bus != nil {
		d.opts.Bus.Publish(topic, data, "hub")
	}
}

func (d *Dispatcher) onNewMessage(ev hub.Event) {
	obj, err := decodeObject(ev.Data, "message")
	if err != nil {
		L_warn("dispatch: undecodable message event", "name", ev.Name, "error", err)
		d.opts.Metrics.Dropped("malformed")
		d.ScheduleReload("undecodable message")
		return
	}
	rec, err := normalize.MessageSchema.Apply(obj)
	if err != nil {
		L_warn("dispatch: message normalization failed", "error", err)
		d.opts.Metrics.Dropped("malformed")
		d.ScheduleReload("undecodable message")
		return
	}

	msg, missing := normalize.ToMessage(rec)
	if len(missing) > 0 {
		L_warn("dispatch: message missing required fields", "id", msg.ID, "missing", missing)
		d.opts.Metrics.Dropped("malformed")
		d.ScheduleReload("message missing fields")
		return
	}
	if msg.RoomID != d.opts.RoomID {
		L_debug("dispatch: message for another room dropped", "id", msg.ID, "room", msg.RoomID, "active", d.opts.RoomID)
		d.opts.Metrics.Dropped("other_room")
		return
	}

	if !d.opts.Store.Insert(msg) {
		L_trace("dispatch: duplicate message ignored", "id", msg.ID)
		d.opts.Metrics.Dropped("duplicate")
		return
	}
	d.opts.Metrics.SetMessages(d.opts.Store.Len())
	d.publish(bus.TopicMessageAdded, msg)
}

// decodeRef extracts a message reference for edit and delete events. It
// returns false when the event belongs to another room or has no id.
func (d *Dispatcher) decodeRef(ev hub.Event) (types.Message, normalize.Record, bool) {
	obj, err := decodeObject(ev.Data, "message")
	if err != nil {
		L_warn("dispatch: undecodable event", "kind", ev.Kind, "error", err)
		d.opts.Metrics.Dropped("malformed")
		return types.Message{}, nil, false
	}
	rec, err := normalize.MessageSchema.Apply(obj)
	if err != nil || !rec.Has(normalize.KeyID) {
		L_warn("dispatch: event without message id", "kind", ev.Kind)
		d.opts.Metrics.Dropped("malformed")
		return types.Message{}, nil, false
	}
	msg, _ := normalize.ToMessage(rec)
	if msg.RoomID != "" && msg.RoomID != d.opts.RoomID {
		L_debug("dispatch: event for another room dropped", "kind", ev.Kind, "room", msg.RoomID)
		d.opts.Metrics.Dropped("other_room")
		return types.Message{}, nil, false
	}
	return msg, rec, true
}

func (d *Dispatcher) onEdited(ev hub.Event) {
	msg, rec, ok := d.decodeRef(ev)
	if !ok {
		return
	}
	if _, ok := rec[normalize.KeyContent].(string); !ok {
		L_warn("dispatch: edit without content", "id", msg.ID)
		d.opts.Metrics.Dropped("malformed")
		return
	}
	if !d.opts.Store.Update(msg) {
		return
	}
	if cur, ok := d.opts.Store.Get(msg.ID); ok {
		d.publish(bus.TopicMessageUpdated, cur)
	}
}

func (d *Dispatcher) onDeleted(ev hub.Event) {
	msg, _, ok := d.decodeRef(ev)
	if !ok {
		return
	}
	if !d.opts.Store.MarkDeleted(msg.ID) {
		L_trace("dispatch: delete for unknown or deleted message", "id", msg.ID)
		return
	}
	if cur, ok := d.opts.Store.Get(msg.ID); ok {
		d.publish(bus.TopicMessageUpdated, cur)
	}
}

func (d *Dispatcher) onModeChanged(ev hub.Event) {
	obj, err := decodeObject(ev.Data, "")
	if err != nil {
		L_warn("dispatch: undecodable mode event", "error", err)
		d.opts.Metrics.Dropped("malformed")
		return
	}
	rec, err := modeSchema.Apply(obj)
	if err != nil {
		L_warn("dispatch: mode normalization failed", "error", err)
		d.opts.Metrics.Dropped("malformed")
		return
	}

	m, ok := types.ParseMode(rec.String("mode"))
	if !ok {
		L_warn("dispatch: unrecognised mode", "mode", rec.String("mode"))
		d.opts.Metrics.Dropped("malformed")
		return
	}
	if d.opts.Modes.Apply(mode.Change{RoomID: rec.String("roomId"), Mode: m, Actor: rec.String("actor")}) {
		d.opts.Metrics.ModeChanged()
	}
}

func (d *Dispatcher) onPresence(ev hub.Event) {
	if d.opts.Presence == nil {
		return
	}
	obj, err := decodeObject(ev.Data, "")
	if err != nil {
		L_debug("dispatch: undecodable presence event", "error", err)
		return
	}
	rec, err := presenceSchema.Apply(obj)
	if err != nil || !rec.Has("userId") {
		L_debug("dispatch: presence event without user")
		return
	}
	if room := rec.String("roomId"); room != "" && room != d.opts.RoomID {
		d.opts.Metrics.Dropped("other_room")
		return
	}
	online, ok := presenceOnline(rec)
	if !ok {
		L_debug("dispatch: presence event without status", "user", rec.String("userId"))
		return
	}
	d.opts.Presence.SetOnline(d.opts.RoomID, rec.String("userId"), online)
}

func (d *Dispatcher) onConnectionState(ev hub.Event) {
	var st ServerState
	if obj, err := decodeObject(ev.Data, ""); err == nil {
		if rec, err := connectionSchema.Apply(obj); err == nil {
			st = ServerState{State: rec.String("state"), Reason: rec.String("reason")}
		}
	}
	L_info("dispatch: hub reported connection state", "state", st.State, "reason", st.Reason)
	d.publish(bus.TopicConnectionState, st)
}

// ScheduleReload requests a reconciliation reload without waiting for it.
// Requests made while a reload runs are coalesced into one follow-up, and
// reloads are spaced by the configured interval.
func (d *Dispatcher) ScheduleReload(reason string) {
	if d.opts.Reload == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.running {
		d.dirty = true
		d.mu.Unlock()
		L_trace("dispatch: reload coalesced", "reason", reason)
		return
	}
	d.running = true
	d.wg.Add(1)
	d.mu.Unlock()

	L_debug("dispatch: reload scheduled", "reason", reason)
	go d.reloadLoop()
}

func (d *Dispatcher) reloadLoop() {
	defer d.wg.Done()

	for {
		if err := d.limiter.Wait(d.ctx); err != nil {
			d.finishReloads()
			return
		}

		if err := d.opts.Reload(d.ctx); err != nil {
			if d.ctx.Err() != nil {
				d.finishReloads()
				return
			}
			L_warn("dispatch: reconciliation reload failed", "error", err)
		}

		d.mu.Lock()
		if !d.dirty || d.closed {
			d.running = false
			d.dirty = false
			d.mu.Unlock()
			return
		}
		d.dirty = false
		d.mu.Unlock()
	}
}

func (d *Dispatcher) finishReloads() {
	d.mu.Lock()
	d.running = false
	d.dirty = false
	d.mu.Unlock()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting events, cancels pending reloads and waits for a
// running reload to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
