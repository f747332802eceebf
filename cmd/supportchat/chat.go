package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/roelfdiedericks/supportchat/internal/api"
	"github.com/roelfdiedericks/supportchat/internal/bus"
	"github.com/roelfdiedericks/supportchat/internal/config"
	"github.com/roelfdiedericks/supportchat/internal/identity"
	"github.com/roelfdiedericks/supportchat/internal/localstore"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/metrics"
	"github.com/roelfdiedericks/supportchat/internal/paths"
	"github.com/roelfdiedericks/supportchat/internal/session"
	"github.com/roelfdiedericks/supportchat/internal/types"
)

// runtime holds everything a command needs to talk to the support backend.
type runtime struct {
	cfg     *config.Config
	store   *localstore.Store
	metrics *metrics.Metrics
	session *session.Session
	srv     *http.Server
}

func openRuntime(ctx context.Context, g *Globals) (*runtime, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg.API)
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureParentDir(cfg.State.Path); err != nil {
		return nil, err
	}
	store, err := localstore.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, store: store, metrics: metrics.New()}
	if cfg.Metrics.Listen != "" {
		rt.serveMetrics(cfg.Metrics.Listen)
	}

	start := time.Now()
	sess, err := session.Open(ctx, session.OptionsFromConfig(cfg), session.Deps{
		API:      client,
		Ledger:   store,
		Identity: identity.NewResolver(cfg.Identity.AccountFile, store),
		Metrics:  rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	L_elapsed(start, "supportchat: session ready", "room", sess.Room().ID)
	rt.session = sess
	return rt, nil
}

func (rt *runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	rt.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		L_info("supportchat: metrics listening", "addr", addr)
		if err := rt.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("supportchat: metrics listener failed", "error", err)
		}
	}()
}

// Close releases the session, the metrics listener and the local store.
func (rt *runtime) Close() {
	if rt.session != nil {
		rt.session.Close()
	}
	if rt.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.srv.Shutdown(ctx)
		cancel()
	}
	if err := rt.store.Close(); err != nil {
		L_warn("supportchat: closing state db", "error", err)
	}
}

// StatusCmd opens a session, prints its status and exits.
type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.Close()

	printStatus(os.Stdout, rt.session.Status())
	return nil
}

// ChatCmd is the interactive chat loop.
type ChatCmd struct {
	NoHistory bool `help:"Do not print the loaded history on start."`
}

func (c *ChatCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.session
	r := &renderer{out: os.Stdout, classify: func(m types.Message) types.Origin {
		return sess.Classify(ctx, m)
	}}

	if !c.NoHistory {
		for _, m := range sess.Messages() {
			r.message(m)
		}
	}
	r.line("mode: %s", sess.Mode())

	b := sess.Bus()
	b.Subscribe(bus.TopicMessageAdded, r.handle)
	b.Subscribe(bus.TopicMessageUpdated, r.handle)
	b.Subscribe(bus.TopicModeChanged, r.handle)
	b.Subscribe(bus.TopicConnectionState, r.handle)
	b.Subscribe(bus.TopicHistoryReloaded, r.handle)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return chatLoop(ctx, sess, os.Stdin, r, interactive)
}

// chatSession is the slice of a session the input loop drives.
type chatSession interface {
	Send(ctx context.Context, text, replyToID string) (types.Message, error)
	Reload(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Status() session.Status
}

// chatLoop reads lines from in until EOF, /quit or ctx ends. Lines starting
// with a slash are commands, everything else is sent to the room.
func chatLoop(ctx context.Context, sess chatSession, in io.Reader, r *renderer, prompt bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if prompt {
			r.prompt()
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if _, err := sess.Send(ctx, line, ""); err != nil {
				r.line("send failed: %v", err)
			}
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/reload":
			if err := sess.Reload(ctx); err != nil {
				r.line("reload failed: %v", err)
			}
		case "/reconnect":
			if err := sess.Reconnect(ctx); err != nil {
				r.line("reconnect failed: %v", err)
			} else {
				r.line("reconnected")
			}
		case "/status":
			printStatus(r.out, sess.Status())
		case "/reply":
			id, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			if id == "" || strings.TrimSpace(text) == "" {
				r.line("usage: /reply <message-id> <text>")
				continue
			}
			if _, err := sess.Send(ctx, text, id); err != nil {
				r.line("send failed: %v", err)
			}
		case "/help":
			r.line("commands: /reply <id> <text>, /reload, /reconnect, /status, /quit")
		default:
			r.line("unknown command %s (try /help)", cmd)
		}
	}
}

func printStatus(w io.Writer, st session.Status) {
	fmt.Fprintf(w, "room:         %s\n", st.Room)
	fmt.Fprintf(w, "mode:         %s\n", st.Mode)
	fmt.Fprintf(w, "connection:   %s", st.State)
	if st.State == types.StateConnected {
		fmt.Fprintf(w, " (%s, up %s)", st.Endpoint, st.Uptime().Round(time.Second))
	}
	fmt.Fprintln(w)
	if st.LastError != "" {
		fmt.Fprintf(w, "last error:   %s\n", st.LastError)
	}
	fmt.Fprintf(w, "messages:     %d\n", st.Messages)
	fmt.Fprintf(w, "pending:      %d\n", st.Pending)
	fmt.Fprintf(w, "reconnects:   %d\n", st.Reconnects)
	for _, p := range st.Participants {
		state := "offline"
		if p.Online {
			state = "online"
		}
		fmt.Fprintf(w, "participant:  %s (%s) %s\n", p.Name, p.ID, state)
	}
}
