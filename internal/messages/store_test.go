package messages

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/supportchat/internal/localstore"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, sec int, content string) types.Message {
	return types.Message{
		ID:        id,
		RoomID:    "R1",
		SenderID:  "u1",
		Content:   content,
		CreatedAt: base.Add(time.Duration(sec) * time.Second),
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []types.Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

func TestInsertOrdersByCreatedAt(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("c", 3, "three"))
	s.Insert(msg("a", 1, "one"))
	s.Insert(msg("b", 2, "two"))

	equalIDs(t, s.All(), "a", "b", "c")
}

func TestInsertTieBreaksByID(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("m2", 1, ""))
	s.Insert(msg("m1", 1, ""))
	s.Insert(msg("m3", 1, ""))

	equalIDs(t, s.All(), "m1", "m2", "m3")
}

func TestInsertDeduplicates(t *testing.T) {
	s := NewStore("R1", nil)
	if !s.Insert(msg("M1", 1, "first")) {
		t.Fatal("first insert should succeed")
	}
	if s.Insert(msg("M1", 5, "second")) {
		t.Error("duplicate insert should be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	got, _ := s.Get("M1")
	if got.Content != "first" {
		t.Errorf("content = %q, want first insert", got.Content)
	}

	s.Update(types.Message{ID: "M1", Content: "edited"})
	s.Insert(msg("M1", 1, "third"))
	got, _ = s.Get("M1")
	if got.Content != "edited" || !got.Edited {
		t.Errorf("after edit + duplicate insert got %+v", got)
	}
}

func TestUpdateAndDeleteUnknownIDs(t *testing.T) {
	s := NewStore("R1", nil)
	if s.Update(types.Message{ID: "nope", Content: "x"}) {
		t.Error("update of unknown id should be ignored")
	}
	if s.MarkDeleted("nope") {
		t.Error("delete of unknown id should be ignored")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestMarkDeletedTombstones(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("M1", 1, "secret"))
	if !s.MarkDeleted("M1") {
		t.Fatal("MarkDeleted should succeed")
	}
	if s.MarkDeleted("M1") {
		t.Error("second delete should be a no-op")
	}
	got, ok := s.Get("M1")
	if !ok {
		t.Fatal("deleted message must stay in the store")
	}
	if !got.Deleted || got.Content != types.TombstoneText {
		t.Errorf("got %+v, want tombstone", got)
	}
	if s.Update(types.Message{ID: "M1", Content: "revived"}) {
		t.Error("edit of deleted message should be ignored")
	}
}

func TestAllReturnsCopies(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("M1", 1, "orig"))
	all := s.All()
	all[0].Content = "mutated"
	got, _ := s.Get("M1")
	if got.Content != "orig" {
		t.Error("All must not expose internal state")
	}
}

func TestReplace(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("old", 1, "stale"))

	other := msg("x", 2, "other room")
	other.RoomID = "R2"
	s.Replace([]types.Message{msg("b", 2, ""), msg("a", 1, ""), other, msg("a", 3, "dup")})

	equalIDs(t, s.All(), "a", "b")
	if _, ok := s.Get("old"); ok {
		t.Error("replace should drop entries missing from the authoritative history")
	}
}

func TestReconcileKeepsTombstones(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("m1", 1, "secret"))
	s.Insert(msg("m2", 2, "hi"))
	s.Insert(msg("gone", 3, "bye"))
	s.MarkDeleted("m1")
	s.MarkDeleted("gone")

	// history still carries m1's content and omits "gone" entirely
	s.Reconcile([]types.Message{msg("m1", 1, "secret"), msg("m2", 2, "hi")}, s.Mark())

	equalIDs(t, s.All(), "m1", "m2", "gone")
	for _, id := range []string{"m1", "gone"} {
		if m, _ := s.Get(id); !m.Deleted || m.Content != types.TombstoneText {
			t.Errorf("%s = %+v, want tombstone", id, m)
		}
	}
}

func TestReconcileKeepsInsertsAfterMark(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("stale", 5, "not on the server"))
	mark := s.Mark()

	// arrives live while the history request is in flight
	s.Insert(msg("live", 1, "new"))

	kept := s.Reconcile([]types.Message{msg("a", 2, "")}, mark)
	if kept != 1 {
		t.Errorf("kept = %d, want 1", kept)
	}
	equalIDs(t, s.All(), "live", "a")
}

func TestReconcileMatchesHistoryExactly(t *testing.T) {
	s := NewStore("R1", nil)
	s.Insert(msg("x", 9, "local only"))

	s.Reconcile([]types.Message{msg("a", 1, ""), msg("b", 2, "")}, s.Mark())
	equalIDs(t, s.All(), "a", "b")

	// an empty history empties the store apart from tombstones
	s.Reconcile(nil, s.Mark())
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestConcurrentInsert(t *testing.T) {
	s := NewStore("R1", nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Insert(msg("M1", 1, "same"))
		}()
	}
	wg.Wait()
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestLedgerPersistence(t *testing.T) {
	ls, err := localstore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("localstore.Open failed: %v", err)
	}
	defer ls.Close()
	ctx := context.Background()

	s := NewStore("R1", ls)
	s.RecordSent(ctx, "M1")
	if !s.SentByMe("M1") {
		t.Fatal("M1 should be in the ledger")
	}

	restored := NewStore("R1", ls)
	if restored.SentByMe("M1") {
		t.Fatal("ledger should be empty before LoadLedger")
	}
	if err := restored.LoadLedger(ctx); err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}
	if !restored.SentByMe("M1") {
		t.Error("ledger entry should survive a restart")
	}
	if NewStore("R2", ls).SentByMe("M1") {
		t.Error("ledger must be scoped to the room")
	}
}
