package ownership

import (
	"context"
	"errors"
	"testing"

	"github.com/roelfdiedericks/supportchat/internal/identity"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

type staticIdentity struct {
	id    identity.Identity
	err   error
	calls int
}

func (s *staticIdentity) Resolve(ctx context.Context) (identity.Identity, error) {
	s.calls++
	return s.id, s.err
}

type setLedger map[string]bool

func (l setLedger) SentByMe(id string) bool { return l[id] }

func defaultConfig() Config {
	return Config{
		AgentIDs:     []string{"bot", "support-bot"},
		AgentMarkers: []string{"bot", "assistant"},
	}
}

func TestClassify(t *testing.T) {
	me := &staticIdentity{id: identity.Identity{
		ID:          "u-42",
		AltIDs:      []string{"legacy-7"},
		Username:    "jdoe",
		FullName:    "Jane Doe",
		DisplayName: "Jane",
	}}
	c := New(me, setLedger{"m-sent": true}, defaultConfig())

	tests := []struct {
		name string
		msg  types.Message
		want types.Origin
	}{
		{"ledger", types.Message{ID: "m-sent", SenderID: "someone"}, types.OriginSelf},
		{"primary id", types.Message{ID: "1", SenderID: "u-42"}, types.OriginSelf},
		{"alternate id", types.Message{ID: "2", SenderID: "legacy-7"}, types.OriginSelf},
		{"full name any case", types.Message{ID: "3", SenderID: "x", SenderName: "JANE DOE"}, types.OriginSelf},
		{"username", types.Message{ID: "4", SenderName: "jdoe"}, types.OriginSelf},
		{"reserved agent id", types.Message{ID: "5", SenderID: "Support-Bot", SenderName: "Helper"}, types.OriginAutomated},
		{"agent marker in name", types.Message{ID: "6", SenderID: "a-1", SenderName: "Acme Assistant"}, types.OriginAutomated},
		{"operator", types.Message{ID: "7", SenderID: "op-3", SenderName: "Sam"}, types.OriginOperator},
		{"partial id is not a match", types.Message{ID: "8", SenderID: "u-4"}, types.OriginOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(context.Background(), tt.msg); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLedgerPrecedence(t *testing.T) {
	// identity has nothing in common with the sender, and the sender looks like a bot
	me := &staticIdentity{id: identity.Identity{ID: "u-1", Username: "alice"}}
	c := New(me, setLedger{"m1": true}, defaultConfig())

	msg := types.Message{ID: "m1", SenderID: "bot", SenderName: "Support Bot"}
	if got := c.Classify(context.Background(), msg); got != types.OriginSelf {
		t.Errorf("Classify = %v, want self", got)
	}
}

func TestIdentityResolvedEveryCall(t *testing.T) {
	me := &staticIdentity{id: identity.Identity{ID: "u-1"}}
	c := New(me, nil, defaultConfig())
	msg := types.Message{ID: "m1", SenderID: "u-2"}

	if got := c.Classify(context.Background(), msg); got != types.OriginOperator {
		t.Fatalf("Classify = %v, want operator", got)
	}
	me.id.AltIDs = []string{"u-2"}
	if got := c.Classify(context.Background(), msg); got != types.OriginSelf {
		t.Errorf("after identity change Classify = %v, want self", got)
	}
	if me.calls != 2 {
		t.Errorf("Resolve calls = %d, want 2", me.calls)
	}
}

func TestIdentityUnavailable(t *testing.T) {
	me := &staticIdentity{err: errors.New("gone")}
	c := New(me, nil, defaultConfig())

	if got := c.Classify(context.Background(), types.Message{ID: "m", SenderID: "bot"}); got != types.OriginAutomated {
		t.Errorf("Classify = %v, want automated", got)
	}
	if got := c.Classify(context.Background(), types.Message{ID: "m", SenderID: "x"}); got != types.OriginOperator {
		t.Errorf("Classify = %v, want operator", got)
	}
}
