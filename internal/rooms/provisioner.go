// Package rooms provisions the user's support room and tracks who is in it.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// ErrProvisioning wraps every provisioning failure. It is retryable.
var ErrProvisioning = errors.New("room provisioning failed")

// RoomAPI is the REST call that creates or returns the user's room.
type RoomAPI interface {
	EnsureRoom(ctx context.Context) (*types.Room, error)
}

// Presence receives the participants of a provisioned room.
type Presence interface {
	Register(roomID string, participants []types.Participant)
}

// Provisioner obtains the room once per lifetime. Concurrent callers share
// a single in-flight request.
type Provisioner struct {
	api      RoomAPI
	presence Presence

	ctx    context.Context // lifetime; requests run on it, not on callers' contexts
	cancel context.CancelFunc

	group singleflight.Group

	mu   sync.Mutex
	room *types.Room
}

// NewProvisioner creates a provisioner bound to parent. presence may be nil.
func NewProvisioner(parent context.Context, api RoomAPI, presence Presence) *Provisioner {
	ctx, cancel := context.WithCancel(parent)
	return &Provisioner{api: api, presence: presence, ctx: ctx, cancel: cancel}
}

// EnsureRoom returns the provisioned room, requesting it when not yet known.
// If ctx ends first the caller stops waiting; the shared request continues.
func (p *Provisioner) EnsureRoom(ctx context.Context) (*types.Room, error) {
	if room := p.cached(); room != nil {
		return room, nil
	}

	ch := p.group.DoChan("room", func() (any, error) {
		if room := p.cached(); room != nil {
			return room, nil
		}
		return p.provision()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		room := res.Val.(*types.Room)
		return cloneRoom(room), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, ctx.Err())
	}
}

func (p *Provisioner) provision() (*types.Room, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	L_debug("rooms: provisioning")
	room, err := p.api.EnsureRoom(p.ctx)
	if err != nil {
		L_warn("rooms: provisioning failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	if room == nil || room.ID == "" {
		return nil, fmt.Errorf("%w: empty room", ErrProvisioning)
	}

	if p.presence != nil {
		p.presence.Register(room.ID, room.Participants)
	}

	p.mu.Lock()
	p.room = room
	p.mu.Unlock()

	L_info("rooms: provisioned", "room", room.ID, "mode", room.Mode, "participants", len(room.Participants))
	return room, nil
}

func (p *Provisioner) cached() *types.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.room == nil {
		return nil
	}
	return cloneRoom(p.room)
}

// Close cancels any in-flight request.
func (p *Provisioner) Close() {
	p.cancel()
}

func cloneRoom(r *types.Room) *types.Room {
	c := *r
	c.Participants = append([]types.Participant(nil), r.Participants...)
	return &c
}
