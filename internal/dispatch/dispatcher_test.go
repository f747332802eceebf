package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/supportchat/internal/bus"
	"github.com/roelfdiedericks/supportchat/internal/hub"
	"github.com/roelfdiedericks/supportchat/internal/messages"
	"github.com/roelfdiedericks/supportchat/internal/mode"
	"github.com/roelfdiedericks/supportchat/internal/rooms"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

type fixture struct {
	d       *Dispatcher
	store   *messages.Store
	modes   *mode.Machine
	roster  *rooms.Roster
	bus     *bus.Bus
	reloads atomic.Int32
	notices atomic.Int32
}

func setup(t *testing.T, reload ReloadFunc) *fixture {
	t.Helper()
	f := &fixture{
		store:  messages.NewStore("R1", nil),
		roster: rooms.NewRoster(),
		bus:    bus.New(),
	}
	f.modes = mode.New(func(mode.Notice) { f.notices.Add(1) })
	f.modes.Seed("R1", types.ModeAutomated)
	f.roster.Register("R1", []types.Participant{{ID: "op-1", Name: "Sam"}})

	if reload == nil {
		reload = func(ctx context.Context) error {
			f.reloads.Add(1)
			return nil
		}
	}
	f.d = New(context.Background(), Options{
		RoomID:         "R1",
		Store:          f.store,
		Modes:          f.modes,
		Presence:       f.roster,
		Bus:            f.bus,
		Reload:         reload,
		ReloadInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		f.d.Close()
		f.bus.Close()
	})
	return f
}

func event(kind hub.Kind, data any) hub.Event {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return hub.Event{Kind: kind, Name: kind.String(), Data: raw, Received: time.Now()}
}

func msgPayload(id, created string) map[string]any {
	return map[string]any{
		"id": id, "roomId": "R1", "senderId": "op-1", "senderName": "Sam",
		"content": "hello " + id, "createdAt": created,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewMessageInsertedAndPublished(t *testing.T) {
	f := setup(t, nil)
	added := make(chan types.Message, 4)
	f.bus.Subscribe(bus.TopicMessageAdded, func(e bus.Event) { added <- e.Data.(types.Message) })

	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m2", "2024-05-01T10:01:00Z")))
	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m1", "2024-05-01T10:00:00Z")))
	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m1", "2024-05-01T10:00:00Z")))

	all := f.store.All()
	if len(all) != 2 || all[0].ID != "m1" || all[1].ID != "m2" {
		t.Fatalf("store = %+v", all)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-added:
		case <-time.After(5 * time.Second):
			t.Fatal("message added not published")
		}
	}
	if f.reloads.Load() != 0 {
		t.Errorf("reloads = %d, want 0", f.reloads.Load())
	}
}

func TestWrappedMessagePayload(t *testing.T) {
	f := setup(t, nil)
	f.d.HandleEvent(event(hub.KindNewMessage, map[string]any{
		"roomId": "R1",
		"message": map[string]any{
			"Id": "m1", "sender": map[string]any{"id": "op-1", "name": "Sam"},
			"text": "hi", "timestamp": 1714557600000,
		},
	}))
	if m, ok := f.store.Get("m1"); !ok || m.Content != "hi" || m.SenderName != "Sam" {
		t.Fatalf("store entry = %+v ok=%v", m, ok)
	}
}

func TestMalformedMessageSchedulesReload(t *testing.T) {
	f := setup(t, nil)

	// missing senderId
	f.d.HandleEvent(event(hub.KindNewMessage, map[string]any{
		"id": "m1", "roomId": "R1", "content": "hi", "createdAt": "2024-05-01T10:00:00Z",
	}))

	if f.store.Len() != 0 {
		t.Errorf("store len = %d, want 0", f.store.Len())
	}
	waitFor(t, "reload", func() bool { return f.reloads.Load() == 1 })
}

func TestUndecodablePayloadSchedulesReload(t *testing.T) {
	f := setup(t, nil)
	f.d.HandleEvent(hub.Event{Kind: hub.KindNewMessage, Data: json.RawMessage(`"just a string"`)})
	waitFor(t, "reload", func() bool { return f.reloads.Load() == 1 })
}

func TestReloadsCoalesced(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := setup(t, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	})

	bad := map[string]any{"id": "x"}
	f.d.HandleEvent(event(hub.KindNewMessage, bad))
	waitFor(t, "first reload", func() bool { return calls.Load() == 1 })

	for i := 0; i < 5; i++ {
		f.d.HandleEvent(event(hub.KindNewMessage, bad))
	}
	close(release)

	waitFor(t, "follow-up reload", func() bool { return calls.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("reloads = %d, want 2", got)
	}
}

func TestReloadFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	f := setup(t, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("503")
	})
	f.d.HandleEvent(event(hub.KindNewMessage, map[string]any{"id": "x"}))
	waitFor(t, "reload", func() bool { return calls.Load() == 1 })

	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m1", "2024-05-01T10:00:00Z")))
	if f.store.Len() != 1 {
		t.Errorf("store len = %d, want 1", f.store.Len())
	}
}

func TestNoReloadAfterClose(t *testing.T) {
	f := setup(t, nil)
	f.d.Close()
	f.d.ScheduleReload("late")
	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m1", "2024-05-01T10:00:00Z")))
	time.Sleep(30 * time.Millisecond)
	if f.reloads.Load() != 0 || f.store.Len() != 0 {
		t.Errorf("reloads=%d len=%d after close", f.reloads.Load(), f.store.Len())
	}
}

func TestMessageForOtherRoomDropped(t *testing.T) {
	f := setup(t, nil)
	p := msgPayload("m1", "2024-05-01T10:00:00Z")
	p["roomId"] = "R2"
	f.d.HandleEvent(event(hub.KindNewMessage, p))
	if f.store.Len() != 0 {
		t.Errorf("store len = %d, want 0", f.store.Len())
	}
}

func TestEditAndDelete(t *testing.T) {
	f := setup(t, nil)
	f.d.HandleEvent(event(hub.KindNewMessage, msgPayload("m1", "2024-05-01T10:00:00Z")))

	f.d.HandleEvent(event(hub.KindMessageEdited, map[string]any{"messageId": "m1", "content": "edited"}))
	if m, _ := f.store.Get("m1"); m.Content != "edited" || !m.Edited {
		t.Errorf("after edit: %+v", m)
	}

	// unknown ids are ignored
	f.d.HandleEvent(event(hub.KindMessageEdited, map[string]any{"id": "nope", "content": "x"}))
	f.d.HandleEvent(event(hub.KindMessageDeleted, map[string]any{"id": "nope"}))
	if f.store.Len() != 1 {
		t.Errorf("store len = %d", f.store.Len())
	}

	f.d.HandleEvent(event(hub.KindMessageDeleted, map[string]any{"message": map[string]any{"id": "m1"}}))
	if m, _ := f.store.Get("m1"); !m.Deleted || m.Content != types.TombstoneText {
		t.Errorf("after delete: %+v", m)
	}
	if f.store.Len() != 1 {
		t.Error("deleted messages stay in the store")
	}
}

func TestModeChangedRouting(t *testing.T) {
	f := setup(t, nil)

	f.d.HandleEvent(event(hub.KindModeChanged, map[string]any{"chatRoomId": "R2", "mode": "human"}))
	if f.modes.Current() != types.ModeAutomated {
		t.Errorf("mode changed by event for another room")
	}

	payload := map[string]any{"room_id": "R1", "newMode": "Agent", "changedBy": map[string]any{"name": "Agent A"}}
	f.d.HandleEvent(event(hub.KindModeChanged, payload))
	f.d.HandleEvent(event(hub.KindModeChanged, payload))

	if f.modes.Current() != types.ModeHuman {
		t.Errorf("mode = %v, want human", f.modes.Current())
	}
	if f.notices.Load() != 1 {
		t.Errorf("notices = %d, want 1", f.notices.Load())
	}
}

func TestPresenceUpdatesRosterOnly(t *testing.T) {
	f := setup(t, nil)
	f.d.HandleEvent(event(hub.KindPresenceChanged, map[string]any{"userId": "op-1", "status": "online"}))

	if p := f.roster.Participants("R1"); !p[0].Online {
		t.Errorf("participant = %+v, want online", p[0])
	}
	if f.store.Len() != 0 || f.modes.Current() != types.ModeAutomated {
		t.Error("presence must not touch messages or mode")
	}

	f.d.HandleEvent(event(hub.KindPresenceChanged, map[string]any{"user": map[string]any{"id": "op-1"}, "isOnline": false}))
	if p := f.roster.Participants("R1"); p[0].Online {
		t.Errorf("participant = %+v, want offline", p[0])
	}
}

func TestConnectionStateRepublished(t *testing.T) {
	f := setup(t, nil)
	got := make(chan ServerState, 1)
	f.bus.Subscribe(bus.TopicConnectionState, func(e bus.Event) { got <- e.Data.(ServerState) })

	f.d.HandleEvent(event(hub.KindConnectionState, map[string]any{"status": "reconnecting", "reason": "maintenance"}))
	select {
	case st := <-got:
		if st.State != "reconnecting" || st.Reason != "maintenance" {
			t.Errorf("state = %+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection state not published")
	}
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls int
	got   hub.Handlers
}

func (r *fakeRegistrar) Register(h hub.Handlers) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.got != nil {
		return false, nil
	}
	r.got = h
	return true, nil
}

func TestAttachRegistersEveryKind(t *testing.T) {
	f := setup(t, nil)
	r := &fakeRegistrar{}

	if ok, err := f.d.Attach(r); !ok || err != nil {
		t.Fatalf("Attach: %v %v", ok, err)
	}
	if ok, _ := f.d.Attach(r); ok {
		t.Error("second Attach should report the latch")
	}
	for _, k := range hub.Kinds {
		if r.got[k] == nil {
			t.Errorf("no handler for %v", k)
		}
	}
}
