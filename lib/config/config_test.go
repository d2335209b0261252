// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

const validConfig = `
paths:
  data: /var/lib/warden
  sockets: /run/warden
protection:
  protected_paths:
    - /etc/warden
    - /usr/local/bin/warden
  scan_interval_seconds: 120
`

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	if cfg.Paths.Data != "/var/lib/warden" {
		t.Errorf("data dir = %s", cfg.Paths.Data)
	}
	if len(cfg.Protection.ProtectedPaths) != 2 {
		t.Errorf("protected paths = %v", cfg.Protection.ProtectedPaths)
	}
	if cfg.ScanInterval() != 2*time.Minute {
		t.Errorf("scan interval = %v, want 2m", cfg.ScanInterval())
	}

	// Unset sections keep their defaults.
	if cfg.EventLog.MaxSegmentBytes != 4<<20 {
		t.Errorf("max segment bytes = %d, want default", cfg.EventLog.MaxSegmentBytes)
	}
	if cfg.EventLog.MaxSegmentAgeSeconds != 86400 {
		t.Errorf("max segment age = %d, want default", cfg.EventLog.MaxSegmentAgeSeconds)
	}
	if cfg.SessionTTL() != 10*time.Minute {
		t.Errorf("session TTL = %v, want default 10m", cfg.SessionTTL())
	}
}

func TestLoadFile_EmptyProtectedPaths(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `
paths:
  data: /var/lib/warden
  sockets: /run/warden
protection:
  protected_paths: []
`))
	if err == nil {
		t.Fatal("LoadFile() accepted an empty protected path set")
	}
	if !strings.Contains(err.Error(), "protected_paths") {
		t.Errorf("error does not name protected_paths: %v", err)
	}
}

func TestLoadFile_RelativeProtectedPath(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `
paths:
  data: /var/lib/warden
  sockets: /run/warden
protection:
  protected_paths:
    - etc/warden
`))
	if err == nil {
		t.Fatal("LoadFile() accepted a relative protected path")
	}
}

func TestLoadFile_HomeExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/warden-test")
	cfg, err := LoadFile(writeConfig(t, `
paths:
  data: ${HOME}/.local/share/warden
  sockets: /run/warden
protection:
  protected_paths:
    - ${HOME}/.ssh
`))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.Paths.Data != "/home/warden-test/.local/share/warden" {
		t.Errorf("data dir = %s, ${HOME} not expanded", cfg.Paths.Data)
	}
	if cfg.Protection.ProtectedPaths[0] != "/home/warden-test/.ssh" {
		t.Errorf("protected path = %s, ${HOME} not expanded", cfg.Protection.ProtectedPaths[0])
	}
}

func TestLoad_RequiresEnvironment(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load() without WARDEN_CONFIG should fail")
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("WARDEN_CONFIG", path)
	if _, err := Load(); err != nil {
		t.Errorf("Load() error: %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	if got := cfg.VaultPath(); got != "/var/lib/warden/vault.bin" {
		t.Errorf("VaultPath() = %s", got)
	}
	if got := cfg.EventLogDir(); got != "/var/lib/warden/eventlog" {
		t.Errorf("EventLogDir() = %s", got)
	}
	if got := cfg.CommandSocketPath(); got != "/run/warden/command.sock" {
		t.Errorf("CommandSocketPath() = %s", got)
	}
}

func TestEnsurePaths(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.Data = filepath.Join(base, "data")
	cfg.Paths.Sockets = filepath.Join(base, "sockets")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() error: %v", err)
	}
	for _, path := range []string{cfg.Paths.Data, cfg.EventLogDir(), cfg.Paths.Sockets} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("missing directory %s: %v", path, err)
			continue
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("%s has mode %o, want 0700", path, info.Mode().Perm())
		}
	}
}

func TestHeartbeatDisabledByDefault(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.Heartbeat.URL != "" {
		t.Errorf("heartbeat URL = %q, want empty (disabled)", cfg.Heartbeat.URL)
	}
}
