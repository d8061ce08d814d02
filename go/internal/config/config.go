package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mcdev12/shoreline/go/internal/clocksync"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/presence"
	"github.com/mcdev12/shoreline/go/internal/room"
	"gopkg.in/yaml.v3"
)

// Config is the game tuning file.
type Config struct {
	Game struct {
		RoundBudget int           `yaml:"round_budget"`
		Tutorial    time.Duration `yaml:"tutorial_duration"`
		Gameplay    time.Duration `yaml:"gameplay_duration"`
	} `yaml:"game"`

	Clock struct {
		SyncInterval    time.Duration `yaml:"sync_interval"`
		SyncTimeout     time.Duration `yaml:"sync_timeout"`
		HighVarianceRTT time.Duration `yaml:"high_variance_rtt"`
		SmoothingWeight float64       `yaml:"smoothing_weight"`
	} `yaml:"clock"`

	Presence struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"presence"`

	Session struct {
		TickInterval  time.Duration `yaml:"tick_interval"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	} `yaml:"session"`
}

// Default mirrors room.DefaultConfig.
func Default() *Config {
	var c Config
	c.apply(room.DefaultConfig())
	return &c
}

func (c *Config) apply(rc room.Config) {
	c.Game.RoundBudget = rc.RoundBudget
	c.Game.Tutorial = rc.Durations.Tutorial
	c.Game.Gameplay = rc.Durations.Gameplay
	c.Clock.SyncInterval = rc.Clock.SyncInterval
	c.Clock.SyncTimeout = rc.Clock.SyncTimeout
	c.Clock.HighVarianceRTT = rc.Clock.HighVarianceRTT
	c.Clock.SmoothingWeight = rc.Clock.SmoothingWeight
	c.Presence.HeartbeatInterval = rc.Presence.HeartbeatInterval
	c.Presence.Timeout = rc.Presence.Timeout
	c.Session.TickInterval = rc.TickInterval
	c.Session.RetryDelay = rc.RetryDelay
	c.Session.MaxRetryDelay = rc.MaxRetryDelay
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the session cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Game.RoundBudget <= 0:
		return fmt.Errorf("game.round_budget must be positive")
	case c.Game.Tutorial <= 0 || c.Game.Gameplay <= 0:
		return fmt.Errorf("game phase durations must be positive")
	case c.Clock.SyncInterval <= 0:
		return fmt.Errorf("clock.sync_interval must be positive")
	case c.Clock.SmoothingWeight < 0 || c.Clock.SmoothingWeight > 1:
		return fmt.Errorf("clock.smoothing_weight must be within [0,1]")
	case c.Presence.HeartbeatInterval <= 0 || c.Presence.Timeout <= c.Presence.HeartbeatInterval:
		return fmt.Errorf("presence.timeout must exceed presence.heartbeat_interval")
	case c.Session.TickInterval <= 0:
		return fmt.Errorf("session.tick_interval must be positive")
	case c.Session.RetryDelay <= 0:
		return fmt.Errorf("session.retry_delay must be positive")
	case c.Session.MaxRetryDelay < c.Session.RetryDelay:
		return fmt.Errorf("session.max_retry_delay must not be below session.retry_delay")
	}
	return nil
}

// SessionConfig converts the file into session settings.
func (c *Config) SessionConfig() room.Config {
	return room.Config{
		Clock: clocksync.Config{
			SyncInterval:    c.Clock.SyncInterval,
			SyncTimeout:     c.Clock.SyncTimeout,
			HighVarianceRTT: c.Clock.HighVarianceRTT,
			SmoothingWeight: c.Clock.SmoothingWeight,
		},
		Presence: presence.Config{
			HeartbeatInterval: c.Presence.HeartbeatInterval,
			Timeout:           c.Presence.Timeout,
		},
		Durations: phase.Durations{
			Tutorial: c.Game.Tutorial,
			Gameplay: c.Game.Gameplay,
		},
		RoundBudget:   c.Game.RoundBudget,
		TickInterval:  c.Session.TickInterval,
		RetryDelay:    c.Session.RetryDelay,
		MaxRetryDelay: c.Session.MaxRetryDelay,
	}
}
