// Package messages holds the ordered, deduplicated message collection of the
// active room together with the sent-by-me ledger.
package messages

import (
	"context"
	"sort"
	"sync"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// LedgerStore persists ledger entries across restarts.
type LedgerStore interface {
	RecordSent(ctx context.Context, roomID, messageID string) error
	SentIDs(ctx context.Context, roomID string) ([]string, error)
}

// Store keeps messages sorted by created-at (ties by id). Ids are unique;
// messages are never removed by events, only tombstoned. Reconcile and
// Replace swap in an authoritative history but keep every tombstone.
type Store struct {
	roomID string
	ledger LedgerStore

	mu    sync.RWMutex
	msgs  []*types.Message
	byID  map[string]*types.Message
	seqOf map[string]uint64 // insert sequence per id
	seq   uint64
	sent  map[string]struct{}
}

// NewStore creates an empty store for roomID. ledger may be nil.
func NewStore(roomID string, ledger LedgerStore) *Store {
	return &Store{
		roomID: roomID,
		ledger: ledger,
		byID:   make(map[string]*types.Message),
		seqOf:  make(map[string]uint64),
		sent:   make(map[string]struct{}),
	}
}

// RoomID returns the room the store belongs to.
func (s *Store) RoomID() string { return s.roomID }

// LoadLedger restores persisted ledger entries for the room.
func (s *Store) LoadLedger(ctx context.Context) error {
	if s.ledger == nil {
		return nil
	}
	ids, err := s.ledger.SentIDs(ctx, s.roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range ids {
		s.sent[id] = struct{}{}
	}
	s.mu.Unlock()

	L_debug("messages: ledger restored", "room", s.roomID, "entries", len(ids))
	return nil
}

// Insert adds msg at its ordered position. Returns false (no-op) when the id
// is already present or empty.
func (s *Store) Insert(msg types.Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[msg.ID]; exists {
		L_trace("messages: duplicate insert ignored", "id", msg.ID)
		return false
	}
	s.insertLocked(&msg)
	return true
}

func (s *Store) insertLocked(m *types.Message) {
	i := sort.Search(len(s.msgs), func(i int) bool { return m.Before(s.msgs[i]) })
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.byID[m.ID] = m
	s.seq++
	s.seqOf[m.ID] = s.seq
}

// Update applies an edit to an existing message: content and edited flag.
// Unknown ids and deleted messages are left alone.
func (s *Store) Update(msg types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[msg.ID]
	if !ok {
		L_trace("messages: update for unknown id ignored", "id", msg.ID)
		return false
	}
	if cur.Deleted {
		return false
	}
	cur.Content = msg.Content
	cur.Edited = true
	if msg.SenderName != "" && cur.SenderName == "" {
		cur.SenderName = msg.SenderName
	}
	return true
}

// MarkDeleted tombstones a message. Unknown or already deleted ids are no-ops.
func (s *Store) MarkDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok || cur.Deleted {
		return false
	}
	cur.Tombstone()
	return true
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return types.Message{}, false
	}
	return *m, true
}

// All returns a copy of every message in order.
func (s *Store) All() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Mark returns the current insert sequence. Pass it to Reconcile to keep
// messages inserted after the mark.
func (s *Store) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Replace swaps the collection for an authoritative history. It is
// Reconcile with nothing inserted since the fetch.
func (s *Store) Replace(msgs []types.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(msgs, s.seq)
}

// Reconcile swaps the collection for fetched, an authoritative history
// requested when the store was at mark. Under one lock it also keeps
// messages inserted after mark that fetched does not contain, and every
// tombstoned message: a deleted message stays deleted even if the history
// still carries its content or omits it. Messages for other rooms and
// duplicate ids in fetched are skipped. The ledger is untouched. It returns
// the number of messages kept from the previous collection.
func (s *Store) Reconcile(fetched []types.Message, mark uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(fetched, mark)
}

func (s *Store) reconcileLocked(fetched []types.Message, mark uint64) int {
	prev, prevSeq := s.msgs, s.seqOf

	s.msgs = make([]*types.Message, 0, len(fetched))
	s.byID = make(map[string]*types.Message, len(fetched))
	s.seqOf = make(map[string]uint64, len(fetched))

	for i := range fetched {
		m := fetched[i]
		if m.ID == "" || (m.RoomID != "" && m.RoomID != s.roomID) {
			continue
		}
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		s.insertLocked(&m)
	}

	kept := 0
	for _, old := range prev {
		cur, ok := s.byID[old.ID]
		if ok {
			if old.Deleted && !cur.Deleted {
				cur.Tombstone()
			}
			continue
		}
		if old.Deleted || prevSeq[old.ID] > mark {
			m := *old
			s.insertLocked(&m)
			kept++
		}
	}
	return kept
}

// RecordSent adds id to the sent-by-me ledger and persists it.
func (s *Store) RecordSent(ctx context.Context, id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	_, known := s.sent[id]
	s.sent[id] = struct{}{}
	s.mu.Unlock()

	if known || s.ledger == nil {
		return
	}
	if err := s.ledger.RecordSent(ctx, s.roomID, id); err != nil {
		L_warn("messages: ledger persist failed", "id", id, "error", err)
	}
}

// SentByMe reports whether id is in the ledger.
func (s *Store) SentByMe(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sent[id]
	return ok
}
