// Package config holds the harness environment configuration.
//
// Configuration is resolved in layers, later layers winning:
//
//	defaults < TOML file (clicktest.toml) < CLICKTEST_* environment variables
//
// A Config is immutable once handed to an Environment; values derived at
// runtime (the allocated port, the root URL) live on the Environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kballard/go-shellquote"

	"github.com/xcawolfe-amzn/clickharness/internal/util"
)

// Default configuration
const (
	DefaultPortBase      = 45032
	DefaultPortSpread    = 5000
	DefaultPortAttempts  = 20
	DefaultServerTimeout = 35 * time.Second
	DefaultViewWidth     = 1920
	DefaultViewHeight    = 1080
	DefaultNumRefsToShow = 5
	DefaultStartAttempts = 3
)

// DefaultFile is the config file name looked up by the CLI.
const DefaultFile = "clicktest.toml"

// PortConfig controls ephemeral port selection.
type PortConfig struct {
	// Base is the lowest candidate port.
	Base int `toml:"base"`
	// Spread is the size of the random offset range [0, Spread).
	Spread int `toml:"spread"`
	// Attempts bounds how many candidates are tried before giving up.
	Attempts int `toml:"attempts"`
	// Backoff is the initial delay between failed candidates; it doubles up to MaxBackoff.
	Backoff    time.Duration `toml:"backoff"`
	MaxBackoff time.Duration `toml:"max_backoff"`
	// LockDir holds per-port reservation lock files. Empty means os.TempDir().
	LockDir string `toml:"lock_dir"`
}

// WaitConfig controls DOM polling and UI settle delays.
type WaitConfig struct {
	Timeout             time.Duration `toml:"timeout"`
	Interval            time.Duration `toml:"interval"`
	ConfirmTimeout      time.Duration `toml:"confirm_timeout"`
	SettleDelay         time.Duration `toml:"settle_delay"`
	CommitHiddenTimeout time.Duration `toml:"commit_hidden_timeout"`
}

// Config is the environment configuration.
type Config struct {
	// RootPath is the URL path prefix the application is served under.
	RootPath string `toml:"root_path"`

	// ServerTimeout is passed to the server as its auto-shutdown timeout.
	ServerTimeout time.Duration `toml:"server_timeout"`

	Headless   bool `toml:"headless"`
	ViewWidth  int  `toml:"view_width"`
	ViewHeight int  `toml:"view_height"`

	// ServerStartupOptions are extra flags appended after the fixed server flags.
	ServerStartupOptions []string `toml:"server_startup_options"`

	NumRefsToShow int `toml:"num_refs_to_show"`

	// ServerCommand is the executable plus leading arguments that launch the server.
	ServerCommand []string `toml:"server_command"`

	// ServerDir is the working directory of the server process.
	ServerDir string `toml:"server_dir"`

	// ServerEnv adds KEY=VALUE entries to the server environment.
	ServerEnv []string `toml:"server_env"`

	// ReadyGrace keeps watching for a second startup marker after the first one.
	// Zero returns as soon as the server reports it started.
	ReadyGrace time.Duration `toml:"ready_grace"`

	// StopTimeout bounds the wait between SIGINT and SIGKILL on shutdown.
	StopTimeout time.Duration `toml:"stop_timeout"`

	// StartAttempts bounds how many ports are tried when the server reports
	// its address is already in use.
	StartAttempts int `toml:"start_attempts"`

	// BrowserBin overrides the browser executable. Empty lets rod find or download one.
	BrowserBin string `toml:"browser_bin"`

	Port PortConfig `toml:"port"`
	Wait WaitConfig `toml:"wait"`

	LogLevel string `toml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ServerTimeout: DefaultServerTimeout,
		Headless:      true,
		ViewWidth:     DefaultViewWidth,
		ViewHeight:    DefaultViewHeight,
		NumRefsToShow: DefaultNumRefsToShow,
		ServerCommand: []string{"node", "bin/ungit"},
		StopTimeout:   5 * time.Second,
		StartAttempts: DefaultStartAttempts,
		Port: PortConfig{
			Base:       DefaultPortBase,
			Spread:     DefaultPortSpread,
			Attempts:   DefaultPortAttempts,
			Backoff:    10 * time.Millisecond,
			MaxBackoff: 250 * time.Millisecond,
		},
		Wait: WaitConfig{
			Timeout:             6 * time.Second,
			Interval:            50 * time.Millisecond,
			ConfirmTimeout:      2 * time.Second,
			SettleDelay:         500 * time.Millisecond,
			CommitHiddenTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a TOML file over the defaults and applies environment overrides.
// A missing file is not an error; the defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(util.ExpandHome(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CLICKTEST_* variables:
//   - CLICKTEST_ROOT_PATH → RootPath
//   - CLICKTEST_HEADLESS → Headless
//   - CLICKTEST_SERVER_OPTIONS → ServerStartupOptions (shell-quoted)
//   - CLICKTEST_BROWSER_BIN → BrowserBin
//   - CLICKTEST_LOG_LEVEL → LogLevel
//   - CLICKTEST_PORT_BASE → Port.Base
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CLICKTEST_ROOT_PATH"); ok {
		c.RootPath = v
	}
	if v, ok := lookup("CLICKTEST_HEADLESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLICKTEST_HEADLESS: %w", err)
		}
		c.Headless = b
	}
	if v, ok := lookup("CLICKTEST_SERVER_OPTIONS"); ok && strings.TrimSpace(v) != "" {
		opts, err := shellquote.Split(v)
		if err != nil {
			return fmt.Errorf("CLICKTEST_SERVER_OPTIONS: %w", err)
		}
		c.ServerStartupOptions = append(c.ServerStartupOptions, opts...)
	}
	if v, ok := lookup("CLICKTEST_BROWSER_BIN"); ok && v != "" {
		c.BrowserBin = v
	}
	if v, ok := lookup("CLICKTEST_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("CLICKTEST_PORT_BASE"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLICKTEST_PORT_BASE: %w", err)
		}
		c.Port.Base = port
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.RootPath != "" && !strings.HasPrefix(c.RootPath, "/") {
		return fmt.Errorf("root_path %q must start with /", c.RootPath)
	}
	if len(c.ServerCommand) == 0 || c.ServerCommand[0] == "" {
		return errors.New("server_command must not be empty")
	}
	if c.Port.Base <= 0 || c.Port.Spread <= 0 || c.Port.Base+c.Port.Spread > 65536 {
		return fmt.Errorf("port range %d+[0,%d) is outside 1-65535", c.Port.Base, c.Port.Spread)
	}
	if c.Port.Attempts <= 0 {
		return fmt.Errorf("port.attempts must be positive, got %d", c.Port.Attempts)
	}
	if c.StartAttempts <= 0 {
		return fmt.Errorf("start_attempts must be positive, got %d", c.StartAttempts)
	}
	if c.ViewWidth <= 0 || c.ViewHeight <= 0 {
		return fmt.Errorf("viewport %dx%d must be positive", c.ViewWidth, c.ViewHeight)
	}
	if c.ServerTimeout < 0 || c.Wait.Timeout < 0 || c.Wait.Interval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// NumRefs returns NumRefsToShow, falling back to the default when unset.
func (c *Config) NumRefs() int {
	if c.NumRefsToShow > 0 {
		return c.NumRefsToShow
	}
	return DefaultNumRefsToShow
}
