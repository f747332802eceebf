package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/supportchat/internal/config"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/paths"
)

const version = "0.1.0"

// logOutput receives log lines.
var logOutput io.Writer = os.Stderr

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" help:"Config file (toml or yaml). Defaults to the discovered supportchat.toml." type:"path"`
	Debug  bool   `short:"d" help:"Enable debug logging."`
	Trace  bool   `help:"Enable trace logging."`
}

// CLI is the kong command tree.
type CLI struct {
	Globals

	Chat    ChatCmd    `cmd:"" default:"1" help:"Join the support room and chat interactively."`
	Status  StatusCmd  `cmd:"" help:"Open a session, print its status and exit."`
	Cfg     ConfigCmd  `cmd:"" name:"config" help:"Configuration helpers."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// ConfigCmd groups config subcommands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file populated with defaults."`
}

// ConfigInitCmd writes the default configuration.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination (default: ~/.supportchat/supportchat.toml)." type:"path"`
	Force bool   `short:"f" help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	path := c.Path
	if path == "" {
		p, err := paths.DataPath("supportchat.toml")
		if err != nil {
			return err
		}
		path = p
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := config.WriteTOML(path, config.Defaults(), c.Force); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Println("supportchat", version)
	return nil
}

// loadConfig reads and validates the configuration and initializes logging
// from it. Command line flags win over the configured level.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(cfg.Log.Level)
	switch {
	case g.Trace:
		level = LevelTrace
	case g.Debug:
		level = LevelDebug
	}
	Init(&LogOptions{Level: level, TimeFormat: "15:04:05", ShowCaller: level >= LevelDebug, Output: logOutput})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("supportchat"),
		kong.Description("Customer support chat client."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
