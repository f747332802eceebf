// Package config provides configuration loading for supportchat.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
	"github.com/roelfdiedericks/supportchat/internal/paths"
)

// Environment overrides, applied after the config file.
const (
	EnvToken    = "SUPPORTCHAT_TOKEN"
	EnvAPIURL   = "SUPPORTCHAT_API_URL"
	EnvHubURL   = "SUPPORTCHAT_HUB_URL"
	EnvLogLevel = "SUPPORTCHAT_LOG_LEVEL"
)

// Config represents the merged supportchat configuration
type Config struct {
	API        APIConfig        `toml:"api" yaml:"api"`
	Hub        HubConfig        `toml:"hub" yaml:"hub"`
	Identity   IdentityConfig   `toml:"identity" yaml:"identity"`
	Classifier ClassifierConfig `toml:"classifier" yaml:"classifier"`
	History    HistoryConfig    `toml:"history" yaml:"history"`
	State      StateConfig      `toml:"state" yaml:"state"`
	Log        LogConfig        `toml:"log" yaml:"log"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
}

// APIConfig configures the REST collaborator (rooms, messages, history).
type APIConfig struct {
	URL     string `toml:"url" yaml:"url"`         // base URL, e.g. "https://support.example.com"
	Token   string `toml:"token" yaml:"token"`     // bearer token, normally from SUPPORTCHAT_TOKEN
	Timeout string `toml:"timeout" yaml:"timeout"` // request timeout (default: "15s")
}

// HubConfig configures the real-time hub connection.
type HubConfig struct {
	URL               string `toml:"url" yaml:"url"`                               // websocket URL; derived from api.url when empty
	Path              string `toml:"path" yaml:"path"`                             // path appended when deriving (default: "/hub/chat")
	HandshakeTimeout  string `toml:"handshake_timeout" yaml:"handshake_timeout"`   // dial + auth + join (default: "15s")
	ReconnectAttempts int    `toml:"reconnect_attempts" yaml:"reconnect_attempts"` // after unexpected loss; negative disables (default: 3)
	ReconnectDelay    string `toml:"reconnect_delay" yaml:"reconnect_delay"`       // first backoff step (default: "2s")
	Insecure          bool   `toml:"insecure" yaml:"insecure"`                     // skip TLS verification
}

// IdentityConfig points at the locally persisted account record.
type IdentityConfig struct {
	AccountFile string `toml:"account_file" yaml:"account_file"`
}

// ClassifierConfig tunes automated-agent detection.
type ClassifierConfig struct {
	AgentIDs     []string `toml:"agent_ids" yaml:"agent_ids"`         // reserved sender ids of the assistant
	AgentMarkers []string `toml:"agent_markers" yaml:"agent_markers"` // case-insensitive tokens in sender names
}

// HistoryConfig controls history paging and reconciliation reloads.
type HistoryConfig struct {
	PageSize       int    `toml:"page_size" yaml:"page_size"`             // default: 50
	MaxPages       int    `toml:"max_pages" yaml:"max_pages"`             // default: 20
	ReloadInterval string `toml:"reload_interval" yaml:"reload_interval"` // minimum spacing between reloads (default: "2s")
}

// StateConfig locates the sqlite database for the ledger and identity snapshot.
type StateConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// MetricsConfig exposes prometheus metrics from the CLI when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"` // e.g. "127.0.0.1:9464"
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			Timeout: "15s",
		},
		Hub: HubConfig{
			Path:              "/hub/chat",
			HandshakeTimeout:  "15s",
			ReconnectAttempts: 3,
			ReconnectDelay:    "2s",
		},
		Classifier: ClassifierConfig{
			AgentIDs:     []string{"bot", "assistant", "support-bot"},
			AgentMarkers: []string{"bot", "assistant", "automated"},
		},
		History: HistoryConfig{
			PageSize:       50,
			MaxPages:       20,
			ReloadInterval: "2s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (or the discovered config file when path
// is empty), fills unset values from Defaults and applies environment
// overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err == nil {
		L_debug("config: loaded .env")
	}

	cfg := &Config{}

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
		L_debug("config: loaded", "path", path)
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".toml", "":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv(EnvHubURL); v != "" {
		c.Hub.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) resolvePaths() error {
	var err error
	if c.Identity.AccountFile == "" {
		if c.Identity.AccountFile, err = paths.AccountPath(); err != nil {
			return err
		}
	} else if c.Identity.AccountFile, err = paths.ExpandTilde(c.Identity.AccountFile); err != nil {
		return err
	}

	if c.State.Path == "" {
		if c.State.Path, err = paths.StatePath(); err != nil {
			return err
		}
	} else if c.State.Path, err = paths.ExpandTilde(c.State.Path); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings a session cannot start without.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required (or set %s)", EnvAPIURL)
	}
	if !strings.HasPrefix(c.API.URL, "http://") && !strings.HasPrefix(c.API.URL, "https://") {
		return fmt.Errorf("api.url must start with http:// or https://")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}
	return nil
}

// HubURL returns the configured hub URL, deriving it from the API URL when unset.
// https://example.com -> wss://example.com/hub/chat
func (c *Config) HubURL() string {
	if c.Hub.URL != "" {
		return c.Hub.URL
	}
	url := strings.TrimSuffix(c.API.URL, "/")
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + c.Hub.Path
}

// Duration parses a config duration string, returning def when empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		L_warn("config: invalid duration, using default", "value", s, "default", def)
		return def
	}
	return d
}
