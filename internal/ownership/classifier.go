// Package ownership decides whether a message was written by the local
// user, the automated assistant or a human operator.
package ownership

import (
	"context"
	"strings"

	"github.com/roelfdiedericks/supportchat/internal/identity"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// IdentitySource yields the local user's identity. It is consulted on every
// classification so account changes take effect immediately.
type IdentitySource interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

// Ledger reports messages this client sent itself.
type Ledger interface {
	SentByMe(id string) bool
}

// Config lists the reserved automated-agent identifiers and name markers.
type Config struct {
	AgentIDs     []string
	AgentMarkers []string
}

// Classifier assigns an Origin to messages.
type Classifier struct {
	ident   IdentitySource
	ledger  Ledger
	ids     map[string]struct{}
	markers []string
}

// New creates a classifier. ident and ledger may be nil.
func New(ident IdentitySource, ledger Ledger, cfg Config) *Classifier {
	c := &Classifier{
		ident:  ident,
		ledger: ledger,
		ids:    make(map[string]struct{}, len(cfg.AgentIDs)),
	}
	for _, id := range cfg.AgentIDs {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			c.ids[id] = struct{}{}
		}
	}
	for _, m := range cfg.AgentMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.markers = append(c.markers, m)
		}
	}
	return c
}

// Classify returns the origin of msg. Rules in priority order:
// ledger, identity alias, reserved agent id or name marker, operator.
func (c *Classifier) Classify(ctx context.Context, msg types.Message) types.Origin {
	if c.ledger != nil && c.ledger.SentByMe(msg.ID) {
		return types.OriginSelf
	}

	if c.ident != nil {
		me, err := c.ident.Resolve(ctx)
		if err != nil {
			L_trace("ownership: identity unavailable", "error", err)
		} else if matchesIdentity(me, msg) {
			return types.OriginSelf
		}
	}

	if c.isAgent(msg) {
		return types.OriginAutomated
	}
	return types.OriginOperator
}

func matchesIdentity(me identity.Identity, msg types.Message) bool {
	if msg.SenderID != "" {
		for _, id := range me.IDs() {
			if id == msg.SenderID {
				return true
			}
		}
	}
	name := strings.TrimSpace(msg.SenderName)
	if name == "" {
		return false
	}
	for _, n := range me.Names() {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func (c *Classifier) isAgent(msg types.Message) bool {
	if _, ok := c.ids[strings.ToLower(msg.SenderID)]; ok {
		return true
	}
	name := strings.ToLower(msg.SenderName)
	if name == "" {
		return false
	}
	for _, m := range c.markers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}
