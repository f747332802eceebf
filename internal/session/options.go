package session

import (
	"context"
	"time"

	"github.com/roelfdiedericks/supportchat/internal/api"
	"github.com/roelfdiedericks/supportchat/internal/config"
	"github.com/roelfdiedericks/supportchat/internal/messages"
	"github.com/roelfdiedericks/supportchat/internal/metrics"
	"github.com/roelfdiedericks/supportchat/internal/ownership"
	"github.com/roelfdiedericks/supportchat/internal/rooms"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// API is the REST collaborator used by a session.
type API interface {
	rooms.RoomAPI
	SendMessage(ctx context.Context, roomID string, req api.SendRequest) (api.SendResult, error)
	History(ctx context.Context, roomID, cursor string, limit int) (*api.Page, error)
}

// Deps are the collaborators a session is built from. Only API is required.
type Deps struct {
	API      API
	Ledger   messages.LedgerStore     // persists the sent-by-me ledger
	Identity ownership.IdentitySource // local user identity
	Metrics  *metrics.Metrics
}

// Options tunes a session.
type Options struct {
	HubURL           string
	Token            string
	HandshakeTimeout time.Duration
	Insecure         bool

	// ReconnectAttempts after an unexpected connection loss. Zero means the
	// default of 3; negative disables automatic reconnects.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	PageSize       int
	MaxPages       int
	ReloadInterval time.Duration

	Classifier ownership.Config
}

const (
	defaultReconnectAttempts = 3
	maxReconnectDelay        = time.Minute
)

// OptionsFromConfig maps the loaded configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HubURL:            cfg.HubURL(),
		Token:             cfg.API.Token,
		HandshakeTimeout:  config.Duration(cfg.Hub.HandshakeTimeout, 15*time.Second),
		Insecure:          cfg.Hub.Insecure,
		ReconnectAttempts: cfg.Hub.ReconnectAttempts,
		ReconnectDelay:    config.Duration(cfg.Hub.ReconnectDelay, 2*time.Second),
		PageSize:          cfg.History.PageSize,
		MaxPages:          cfg.History.MaxPages,
		ReloadInterval:    config.Duration(cfg.History.ReloadInterval, 2*time.Second),
		Classifier: ownership.Config{
			AgentIDs:     cfg.Classifier.AgentIDs,
			AgentMarkers: cfg.Classifier.AgentMarkers,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 20
	}
}

// Status is a snapshot of the session for status displays.
type Status struct {
	Room           string
	Mode           types.Mode
	State          types.ConnState
	Endpoint       string
	Messages       int
	Pending        int
	Participants   []types.Participant
	Reconnects     int
	LastError      string
	ConnectedSince time.Time
}

// Uptime is how long the current hub connection has been up.
func (s Status) Uptime() time.Duration {
	if s.ConnectedSince.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedSince)
}

// PendingSend is a send awaiting the server's acknowledgement.
type PendingSend struct {
	ClientID  string
	Text      string
	ReplyToID string
	Since     time.Time
}
