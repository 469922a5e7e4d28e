package config

import (
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads configuration from the standard config path.
// Search order:
//  1. $XDG_CONFIG_HOME/niri-panel/config.toml
//  2. ~/.config/niri-panel/config.toml
//
// If no file exists, returns DefaultConfig().
func Load() (*Config, error) {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromFile(p)
		}
	}
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// DefaultPath returns the config file location the loader would use: the
// first search path that exists, or the primary candidate when none does.
// The hot-reload watcher points here so edits are picked up even before
// the file is first created.
func DefaultPath() string {
	paths := configSearchPaths()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return paths[0]
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader reads configuration from an io.Reader. Sources absent
// from the file keep their defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	overlay := &Config{Refresh: make(map[string]RefreshConfig)}
	if _, err := toml.NewDecoder(r).Decode(overlay); err != nil {
		return nil, err
	}
	mergeConfig(cfg, overlay)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// mergeConfig lays the decoded overlay over the defaults. Refresh
// entries replace per source so a partial [refresh.sound] table only
// needs the fields being changed.
func mergeConfig(cfg, overlay *Config) {
	if overlay.Panel.LogLevel != "" {
		cfg.Panel.LogLevel = overlay.Panel.LogLevel
	}
	if overlay.Panel.LogFile != "" {
		cfg.Panel.LogFile = overlay.Panel.LogFile
	}
	if overlay.Panel.SocketPath != "" {
		cfg.Panel.SocketPath = overlay.Panel.SocketPath
	}
	if overlay.Panel.PIDFile != "" {
		cfg.Panel.PIDFile = overlay.Panel.PIDFile
	}
	if overlay.Conflict.GracePeriod.Duration != 0 {
		cfg.Conflict.GracePeriod = overlay.Conflict.GracePeriod
	}
	for key, rc := range overlay.Refresh {
		base, ok := cfg.Refresh[key]
		if !ok {
			// Unknown key; keep it so Validate can reject it by name.
			cfg.Refresh[key] = rc
			continue
		}
		if rc.Base.Duration != 0 {
			base.Base = rc.Base
		}
		if rc.Visible.Duration != 0 {
			base.Visible = rc.Visible
		}
		if rc.Idle.Duration != 0 {
			base.Idle = rc.Idle
		}
		if rc.TTL.Duration != 0 {
			base.TTL = rc.TTL
		}
		if rc.BackoffMultiplier != 0 {
			base.BackoffMultiplier = rc.BackoffMultiplier
		}
		if rc.Timeout.Duration != 0 {
			base.Timeout = rc.Timeout
		}
		cfg.Refresh[key] = base
	}
}

// applyEnvOverrides checks environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIRI_PANEL_LOG_LEVEL"); v != "" {
		cfg.Panel.LogLevel = v
	}
	if v := os.Getenv("NIRI_PANEL_LOG_FILE"); v != "" {
		cfg.Panel.LogFile = v
	}
	if v := os.Getenv("NIRI_PANEL_SOCKET"); v != "" {
		cfg.Panel.SocketPath = v
	}
}

// configSearchPaths returns the ordered list of config file paths to try.
func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	var paths []string

	xdg := xdgConfigHome(home)
	paths = append(paths, filepath.Join(xdg, "niri-panel", "config.toml"))

	// If XDG_CONFIG_HOME was explicitly set, also try the fallback default.
	defaultXDG := filepath.Join(home, ".config")
	if xdg != defaultXDG {
		paths = append(paths, filepath.Join(defaultXDG, "niri-panel", "config.toml"))
	}

	return paths
}

// xdgConfigHome returns XDG_CONFIG_HOME or ~/.config as fallback.
func xdgConfigHome(home string) string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".config")
}
