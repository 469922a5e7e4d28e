// Package config provides TOML-based configuration for niri-panel.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// Refresh keys accepted under [refresh.*]. Each names one polled data
// source; unknown keys are rejected so typos fail loudly instead of
// silently configuring nothing.
const (
	RefreshNetwork    = "network"
	RefreshSound      = "sound"
	RefreshBattery    = "battery"
	RefreshBrightness = "brightness"
	RefreshSystem     = "system"
)

// Config is the root configuration.
type Config struct {
	Panel    PanelConfig              `toml:"panel"`
	Conflict ConflictConfig           `toml:"conflict"`
	Refresh  map[string]RefreshConfig `toml:"refresh"`
}

// PanelConfig holds process-level settings.
type PanelConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFile, when set, duplicates log output to this path in addition
	// to stderr.
	LogFile string `toml:"log_file"`

	// SocketPath overrides the control socket location. Empty uses the
	// runtime-dir default.
	SocketPath string `toml:"socket_path"`

	// PIDFile overrides the PID file location. Empty places it beside
	// the control socket.
	PIDFile string `toml:"pid_file"`
}

// ConflictConfig tunes the edit-lock behaviour.
type ConflictConfig struct {
	// GracePeriod is how long a user edit suppresses refreshes after the
	// last input event. Zero uses the built-in default.
	GracePeriod Duration `toml:"grace_period"`
}

// RefreshConfig tunes one data source's polling schedule.
type RefreshConfig struct {
	// Base is the steady-state polling interval.
	Base Duration `toml:"base"`

	// Visible is the faster interval used while a widget showing this
	// source is on screen. Clamped to Base when larger.
	Visible Duration `toml:"visible"`

	// Idle is the slowest interval the backoff schedule may reach.
	// Raised to Base when smaller.
	Idle Duration `toml:"idle"`

	// TTL is how long a fetched value stays fresh in the cache.
	TTL Duration `toml:"ttl"`

	// BackoffMultiplier stretches the interval after each unchanged
	// poll. Values below 1 use the default of 2.
	BackoffMultiplier float64 `toml:"backoff_multiplier"`

	// Timeout bounds a single fetch. Zero uses the built-in default.
	Timeout Duration `toml:"timeout"`
}

var knownRefreshKeys = map[string]bool{
	RefreshNetwork:    true,
	RefreshSound:      true,
	RefreshBattery:    true,
	RefreshBrightness: true,
	RefreshSystem:     true,
}

// Validate checks the configuration, repairing what it can. Interval
// ordering violations are clamped with a warning rather than rejected;
// unknown refresh keys and non-positive intervals are errors.
func (c *Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	switch c.Panel.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.Panel.LogLevel)
	}

	if c.Conflict.GracePeriod.Duration < 0 {
		return fmt.Errorf("conflict.grace_period must not be negative")
	}

	for key, rc := range c.Refresh {
		if !knownRefreshKeys[key] {
			return fmt.Errorf("unknown refresh key %q", key)
		}
		if rc.Base.Duration <= 0 {
			return fmt.Errorf("refresh.%s.base must be positive", key)
		}
		if rc.Visible.Duration <= 0 {
			return fmt.Errorf("refresh.%s.visible must be positive", key)
		}
		if rc.TTL.Duration <= 0 {
			return fmt.Errorf("refresh.%s.ttl must be positive", key)
		}

		if rc.Visible.Duration > rc.Base.Duration {
			logger.Warn("clamping visible interval to base",
				"source", key, "visible", rc.Visible.Duration, "base", rc.Base.Duration)
			rc.Visible = rc.Base
		}
		if rc.Idle.Duration < rc.Base.Duration {
			logger.Warn("raising idle interval to base",
				"source", key, "idle", rc.Idle.Duration, "base", rc.Base.Duration)
			rc.Idle = rc.Base
		}
		if rc.BackoffMultiplier != 0 && rc.BackoffMultiplier < 1 {
			logger.Warn("backoff multiplier below 1, using default",
				"source", key, "multiplier", rc.BackoffMultiplier)
			rc.BackoffMultiplier = 0
		}
		c.Refresh[key] = rc
	}

	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Panel: PanelConfig{
			LogLevel: "info",
		},
		Conflict: ConflictConfig{
			GracePeriod: Duration{5 * time.Second},
		},
		Refresh: map[string]RefreshConfig{
			RefreshNetwork: {
				Base:    Duration{5 * time.Second},
				Visible: Duration{2 * time.Second},
				Idle:    Duration{60 * time.Second},
				TTL:     Duration{5 * time.Second},
			},
			RefreshSound: {
				Base:    Duration{2 * time.Second},
				Visible: Duration{500 * time.Millisecond},
				Idle:    Duration{30 * time.Second},
				TTL:     Duration{2 * time.Second},
			},
			RefreshBattery: {
				Base:    Duration{5 * time.Second},
				Visible: Duration{5 * time.Second},
				Idle:    Duration{120 * time.Second},
				TTL:     Duration{5 * time.Second},
			},
			RefreshBrightness: {
				Base:    Duration{5 * time.Second},
				Visible: Duration{1 * time.Second},
				Idle:    Duration{120 * time.Second},
				TTL:     Duration{5 * time.Second},
			},
			RefreshSystem: {
				Base:    Duration{30 * time.Second},
				Visible: Duration{5 * time.Second},
				Idle:    Duration{5 * time.Minute},
				TTL:     Duration{30 * time.Second},
			},
		},
	}
}
