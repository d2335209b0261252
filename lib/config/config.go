// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the agent.
//
// Configuration is loaded from a single file specified by:
//   - WARDEN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables never override
// values. The only expansion performed is ${HOME} and similar path
// variables for portability.
//
// The protected path set and scan interval configured here seed the
// vault's settings at creation time. Once the vault exists, its stored
// copy is authoritative and is changed through the UpdateSettings
// command, not by editing this file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warden-security/warden/lib/ipc"
)

// Config is the master configuration for the agent.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Protection configures the protected file set and scanning.
	Protection ProtectionConfig `yaml:"protection"`

	// EventLog configures audit log segment rotation.
	EventLog EventLogConfig `yaml:"event_log"`

	// IPC configures the local control sockets.
	IPC IPCConfig `yaml:"ipc"`

	// Heartbeat configures the optional connected mode.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Data is the base directory for agent state: the vault file,
	// the baseline, audit log segments, and the restart tracker.
	Data string `yaml:"data"`

	// Sockets is the directory holding the status and command
	// sockets. Kept separate from Data so it can live on a tmpfs.
	Sockets string `yaml:"sockets"`
}

// ProtectionConfig configures the protected file set.
type ProtectionConfig struct {
	// ProtectedPaths are the files and directory trees covered by
	// the integrity baseline. Directories are covered recursively.
	ProtectedPaths []string `yaml:"protected_paths"`

	// ScanIntervalSeconds is the period of the full background scan.
	// Default: 300.
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`

	// DebounceMilliseconds is the watcher coalescing window.
	// Default: 200.
	DebounceMilliseconds int `yaml:"debounce_milliseconds"`
}

// EventLogConfig configures audit log rotation.
type EventLogConfig struct {
	// MaxSegmentBytes seals and compresses the active segment once
	// it grows past this size. Default: 4 MiB.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`

	// MaxSegmentAgeSeconds seals the active segment once its oldest
	// record reaches this age, so a quiet agent still produces
	// bounded, compressible segments. Zero disables age-based
	// rotation. Default: 86400 (one day).
	MaxSegmentAgeSeconds int `yaml:"max_segment_age_seconds"`
}

// IPCConfig configures the command channel.
type IPCConfig struct {
	// SessionTTLSeconds bounds an authenticated session's lifetime.
	// Default: 600.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
}

// HeartbeatConfig configures the optional signed heartbeat to a
// remote monitor. Disabled unless a URL is set.
type HeartbeatConfig struct {
	// URL receives the signed heartbeat payload via HTTP POST.
	URL string `yaml:"url"`

	// IntervalSeconds is the heartbeat period. Default: 60.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Default returns the default configuration. Defaults exist to give
// every field a sensible value before the file is merged in - the
// config file itself is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultData := filepath.Join(homeDir, ".local", "share", "warden")

	return &Config{
		Paths: PathsConfig{
			Data:    defaultData,
			Sockets: "/run/warden",
		},
		Protection: ProtectionConfig{
			ScanIntervalSeconds:  300,
			DebounceMilliseconds: 200,
		},
		EventLog: EventLogConfig{
			MaxSegmentBytes:      4 << 20,
			MaxSegmentAgeSeconds: 86400,
		},
		IPC: IPCConfig{
			SessionTTLSeconds: 600,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 60,
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment
// variable. Fails if the variable is not set: there are no fallback
// locations.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults and validating the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// configured paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Data = expandVars(c.Paths.Data, vars)
	c.Paths.Sockets = expandVars(c.Paths.Sockets, vars)
	for i, path := range c.Protection.ProtectedPaths {
		c.Protection.ProtectedPaths[i] = expandVars(path, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. An empty protected
// path set is an error: an integrity agent watching nothing is a
// misconfiguration, not a degraded mode.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Data == "" {
		errs = append(errs, fmt.Errorf("paths.data is required"))
	}
	if c.Paths.Sockets == "" {
		errs = append(errs, fmt.Errorf("paths.sockets is required"))
	}
	if len(c.Protection.ProtectedPaths) == 0 {
		errs = append(errs, fmt.Errorf("protection.protected_paths must name at least one path"))
	}
	for _, path := range c.Protection.ProtectedPaths {
		if path == "" {
			errs = append(errs, fmt.Errorf("protection.protected_paths contains an empty path"))
		} else if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("protected path %q must be absolute", path))
		}
	}
	if c.Protection.ScanIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("protection.scan_interval_seconds must be positive"))
	}
	if c.Protection.DebounceMilliseconds <= 0 {
		errs = append(errs, fmt.Errorf("protection.debounce_milliseconds must be positive"))
	}
	if c.EventLog.MaxSegmentBytes <= 0 {
		errs = append(errs, fmt.Errorf("event_log.max_segment_bytes must be positive"))
	}
	if c.EventLog.MaxSegmentAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("event_log.max_segment_age_seconds must not be negative"))
	}
	if c.IPC.SessionTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ipc.session_ttl_seconds must be positive"))
	}
	if c.Heartbeat.URL != "" && c.Heartbeat.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval_seconds must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the data and socket directories. State
// directories are private to the agent's user.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Data, c.EventLogDir(), c.Paths.Sockets} {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// VaultPath is the encrypted vault file.
func (c *Config) VaultPath() string { return filepath.Join(c.Paths.Data, "vault.bin") }

// BaselinePath is the signed baseline file.
func (c *Config) BaselinePath() string { return filepath.Join(c.Paths.Data, "baseline.cbor") }

// EventLogDir holds audit log segments.
func (c *Config) EventLogDir() string { return filepath.Join(c.Paths.Data, "eventlog") }

// RestartStatePath is the crash-loop tracker file.
func (c *Config) RestartStatePath() string { return filepath.Join(c.Paths.Data, "restarts.json") }

// StatusSocketPath is the unauthenticated status socket.
func (c *Config) StatusSocketPath() string {
	return filepath.Join(c.Paths.Sockets, ipc.StatusSocketName)
}

// CommandSocketPath is the authenticated command socket.
func (c *Config) CommandSocketPath() string {
	return filepath.Join(c.Paths.Sockets, ipc.CommandSocketName)
}

// ScanInterval returns the scan period as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Protection.ScanIntervalSeconds) * time.Second
}

// Debounce returns the watcher coalescing window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Protection.DebounceMilliseconds) * time.Millisecond
}

// MaxSegmentAge returns the audit log age rotation threshold as a
// duration, zero when disabled.
func (c *Config) MaxSegmentAge() time.Duration {
	return time.Duration(c.EventLog.MaxSegmentAgeSeconds) * time.Second
}

// SessionTTL returns the command session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.IPC.SessionTTLSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}
