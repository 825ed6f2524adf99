// Package config loads the daemon's TOML configuration file.
// The file lives at ~/.chatremote/config.toml by default and can be
// overridden with --config. CLI flags always take precedence over file
// values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chatremote/host/internal/model"
)

// Config is the config file structure. Keys are snake_case in TOML.
type Config struct {
	// Addr is the host:port to listen on.
	// Default: 127.0.0.1:7780
	Addr string `toml:"addr"`

	// DisableTLS serves plain HTTP. Only sensible on loopback.
	DisableTLS bool `toml:"disable_tls"`

	// TLSCert and TLSKey default to ~/.chatremote/certs/host.{crt,key},
	// generated on first start.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// DBPath is the SQLite database of paired devices.
	// Default: ~/.chatremote/chatremote.db
	DBPath string `toml:"db_path"`

	// EditorTokenPath is the shared-secret file read by editor extensions.
	// Default: ~/.chatremote/editor.token
	EditorTokenPath string `toml:"editor_token_path"`

	// RequireAuth requires a paired-device token on mobile routes.
	RequireAuth bool `toml:"require_auth"`

	// MdnsEnabled advertises the daemon as _chatremote._tcp on the LAN.
	MdnsEnabled bool `toml:"mdns_enabled"`

	// LogLevel is debug, info, warn or error. Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat is json or console. Default: console
	LogFormat string `toml:"log_format"`

	// RescanIntervalMs is the minimum time between scans of one key.
	// Default: 15000
	RescanIntervalMs int `toml:"rescan_interval_ms"`

	// StaleAfterMs evicts instances that have not reported for this long.
	// Default: 120000
	StaleAfterMs int `toml:"stale_after_ms"`

	// HistoryCap bounds each live transcript. Default: 500
	HistoryCap int `toml:"history_cap"`

	// CommandRate and CommandBurst bound how fast mobile clients may queue
	// commands per instance. Defaults: 5/s, burst 10
	CommandRate  float64 `toml:"command_rate"`
	CommandBurst int     `toml:"command_burst"`

	// WatchStorage enables fsnotify rescan hints on editor storage.
	// Default: true
	WatchStorage *bool `toml:"watch_storage"`

	// AppTargets limits which editors are scanned. Default: all known.
	AppTargets []string `toml:"app_targets"`

	// UserDataDirs overrides the per-editor user-data directory, e.g.
	// cursor = "/opt/cursor-data".
	UserDataDirs map[string]string `toml:"user_data_dirs"`
}

// DefaultConfigPath returns ~/.chatremote/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Dir returns ~/.chatremote, the home of every file the daemon keeps.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".chatremote"), nil
}

// WriteDefault creates a config with LAN-ready defaults at path. An
// existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	content := `# chatremote configuration

# Listen on all interfaces so paired phones on the LAN can connect.
addr = "0.0.0.0:7780"

# Phones must present a token from 'chatremote pair'.
require_auth = true

# Advertise the daemon for discovery on the local network.
mdns_enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Load reads the TOML file at path.
//
// An empty path tries the default location and returns an empty Config
// when no file is there. An explicit path must exist. Unknown keys are an
// error so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated values and ranges. Zero values are valid and
// mean "use the default".
func (c *Config) Validate() error {
	var problems []string
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not json or console", c.LogFormat))
	}
	if c.RescanIntervalMs < 0 || c.StaleAfterMs < 0 || c.HistoryCap < 0 || c.CommandBurst < 0 || c.CommandRate < 0 {
		problems = append(problems, "durations, caps and rates must not be negative")
	}
	for _, t := range c.AppTargets {
		if !model.AppTarget(t).Valid() {
			problems = append(problems, fmt.Sprintf("app_targets: unknown editor %q", t))
		}
	}
	for t := range c.UserDataDirs {
		if !model.AppTarget(t).Valid() {
			problems = append(problems, fmt.Sprintf("user_data_dirs: unknown editor %q", t))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// RescanInterval returns the configured interval, or zero for the default.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalMs) * time.Millisecond
}

// StaleAfter returns the configured staleness threshold, or zero for the
// default.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// WatchEnabled reports whether storage watching is on. It defaults to true.
func (c *Config) WatchEnabled() bool {
	return c.WatchStorage == nil || *c.WatchStorage
}

// Targets returns the configured app targets, or nil for all.
func (c *Config) Targets() []model.AppTarget {
	if len(c.AppTargets) == 0 {
		return nil
	}
	out := make([]model.AppTarget, len(c.AppTargets))
	for i, t := range c.AppTargets {
		out[i] = model.AppTarget(t)
	}
	return out
}

// Roots merges UserDataDirs over defaults.
func (c *Config) Roots(defaults map[model.AppTarget]string) map[model.AppTarget]string {
	roots := make(map[model.AppTarget]string, len(defaults)+len(c.UserDataDirs))
	for app, dir := range defaults {
		roots[app] = dir
	}
	for app, dir := range c.UserDataDirs {
		roots[model.AppTarget(app)] = dir
	}
	return roots
}
