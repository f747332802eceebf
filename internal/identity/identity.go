// Package identity resolves the local user's identity from the persisted
// account record into one canonical shape used for ownership comparisons.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/normalize"
)

// ErrNoIdentity is returned when neither the account record nor a snapshot is available.
var ErrNoIdentity = errors.New("identity: no account record or snapshot")

// Identity is the canonical identity record of the local user.
type Identity struct {
	ID          string   `json:"id"`
	AltIDs      []string `json:"altIds,omitempty"` // secondary / legacy identifiers
	Username    string   `json:"username,omitempty"`
	FullName    string   `json:"fullName,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
}

// IDs returns the primary and alternate identifiers, without empties or duplicates.
func (i Identity) IDs() []string {
	return compact(append([]string{i.ID}, i.AltIDs...), false)
}

// Names returns every name alias, without empties or case-insensitive duplicates.
func (i Identity) Names() []string {
	return compact([]string{i.Username, i.FullName, i.DisplayName}, true)
}

// Empty reports whether the identity carries nothing to compare against.
func (i Identity) Empty() bool {
	return len(i.IDs()) == 0 && len(i.Names()) == 0
}

// Label is the best display label for the identity.
func (i Identity) Label() string {
	for _, s := range []string{i.DisplayName, i.FullName, i.Username, i.ID} {
		if s != "" {
			return s
		}
	}
	return ""
}

func compact(in []string, foldCase bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := slices.ContainsFunc(out, func(o string) bool {
			if foldCase {
				return strings.EqualFold(o, s)
			}
			return o == s
		})
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

var accountSchema = normalize.MustSchema("account", []normalize.Field{
	{Name: "id", Paths: []string{"id", "userid", "user_id", "user.id", "profile.id", "account.id", "sub"}},
	{Name: "altIds", All: true, Paths: []string{
		"_id", "uid", "legacyid", "legacy_id", "legacyids", "legacy_ids", "externalid", "external_id",
		"customerid", "customer_id", "user.userid", "user.user_id", "profile.userid", "account.userid",
		"userid", "user_id", "user.id", "profile.id", "account.id", "sub",
	}},
	{Name: "username", Paths: []string{"username", "user_name", "login", "user.username", "profile.username", "account.username"}},
	{Name: "fullName", Paths: []string{"fullname", "full_name", "name", "user.fullname", "user.full_name", "profile.fullname", "user.name", "profile.name"}},
	{Name: "displayName", Paths: []string{"displayname", "display_name", "nickname", "profile.displayname", "user.displayname"}},
	{Name: "firstName", Paths: []string{"firstname", "first_name", "user.firstname", "profile.firstname"}},
	{Name: "lastName", Paths: []string{"lastname", "last_name", "user.lastname", "profile.lastname"}},
})

// Parse normalizes a raw account record.
func Parse(data []byte) (Identity, error) {
	rec, err := accountSchema.ApplyJSON(data)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		ID:          rec.String("id"),
		Username:    rec.String("username"),
		FullName:    rec.String("fullName"),
		DisplayName: rec.String("displayName"),
	}
	if id.FullName == "" {
		id.FullName = strings.TrimSpace(rec.String("firstName") + " " + rec.String("lastName"))
	}
	for _, alt := range rec.Strings("altIds") {
		if alt != id.ID && !slices.Contains(id.AltIDs, alt) {
			id.AltIDs = append(id.AltIDs, alt)
		}
	}
	return id, nil
}

// SnapshotStore persists the last good identity.
type SnapshotStore interface {
	SaveIdentity(ctx context.Context, v any) error
	LoadIdentity(ctx context.Context, v any) (bool, error)
}

// Resolver reads the account record on every call; the record may be
// rewritten at any time by login/logout. When the record is unreadable the
// last persisted snapshot is used instead.
type Resolver struct {
	path      string
	snapshots SnapshotStore

	mu    sync.Mutex
	saved Identity // last snapshot written, to skip redundant writes
}

// NewResolver creates a resolver for the account record at path. snapshots may be nil.
func NewResolver(path string, snapshots SnapshotStore) *Resolver {
	return &Resolver{path: path, snapshots: snapshots}
}

// Resolve returns the current canonical identity.
func (r *Resolver) Resolve(ctx context.Context) (Identity, error) {
	id, err := r.readRecord()
	if err == nil && !id.Empty() {
		r.persist(ctx, id)
		return id, nil
	}
	if err != nil {
		L_trace("identity: account record unavailable", "path", r.path, "error", err)
	}

	if r.snapshots != nil {
		var snap Identity
		ok, serr := r.snapshots.LoadIdentity(ctx, &snap)
		if serr != nil {
			L_warn("identity: snapshot load failed", "error", serr)
		}
		if ok && !snap.Empty() {
			return snap, nil
		}
	}

	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	return Identity{}, ErrNoIdentity
}

func (r *Resolver) readRecord() (Identity, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Identity{}, err
	}
	return Parse(data)
}

func (r *Resolver) persist(ctx context.Context, id Identity) {
	if r.snapshots == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if equal(r.saved, id) {
		return
	}
	if err := r.snapshots.SaveIdentity(ctx, id); err != nil {
		L_warn("identity: snapshot save failed", "error", err)
		return
	}
	r.saved = id
	L_debug("identity: snapshot saved", "id", id.ID, "aliases", len(id.IDs())+len(id.Names()))
}

func equal(a, b Identity) bool {
	return a.ID == b.ID && a.Username == b.Username && a.FullName == b.FullName &&
		a.DisplayName == b.DisplayName && slices.Equal(a.AltIDs, b.AltIDs)
}
