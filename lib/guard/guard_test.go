// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/config"
	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/vault"
)

const testPassword = "correct-horse"

func testPasswordBytes() []byte {
	// The vault consumes and zeroes the slice, so every call needs a
	// fresh copy.
	return []byte(testPassword)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	guard  *Guard
	clock  *clock.FakeClock
	config *config.Config

	// paths are the protected files, in name order.
	paths []string
}

// newTestEnv builds a protected directory with three files, creates a
// vault seeded with it, and starts a guard in the locked state.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	protected := filepath.Join(base, "protected")
	if err := os.MkdirAll(protected, 0o755); err != nil {
		t.Fatalf("creating protected dir: %v", err)
	}
	names := []string{"alpha.conf", "bravo.bin", "charlie.txt"}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(protected, name)
		if err := os.WriteFile(paths[i], []byte("content of "+name), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	cfg := &config.Config{
		Paths: config.PathsConfig{
			Data:    filepath.Join(base, "data"),
			Sockets: filepath.Join(base, "sockets"),
		},
		Protection: config.ProtectionConfig{
			ProtectedPaths:       []string{protected},
			ScanIntervalSeconds:  300,
			DebounceMilliseconds: 200,
		},
		EventLog:  config.EventLogConfig{MaxSegmentBytes: 4 << 20},
		IPC:       config.IPCConfig{SessionTTLSeconds: 600},
		Heartbeat: config.HeartbeatConfig{IntervalSeconds: 60},
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	created, err := vault.Create(cfg.VaultPath(), testPasswordBytes(), vault.Settings{
		ProtectedPaths:      []string{protected},
		ScanIntervalSeconds: 300,
	})
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}
	created.Lock()

	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g := New(cfg, discardLogger(), clk)
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Shutdown)

	return &testEnv{guard: g, clock: clk, config: cfg, paths: paths}
}

func (e *testEnv) unlock(t *testing.T) {
	t.Helper()
	if err := e.guard.Unlock(context.Background(), testPasswordBytes()); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func (e *testEnv) eventsOfKind(t *testing.T, kind string) []eventlog.Record {
	t.Helper()
	records, err := e.guard.Events(context.Background(), eventlog.Filter{Kinds: []string{kind}})
	if err != nil {
		t.Fatalf("Events(%s): %v", kind, err)
	}
	return records
}

func TestUnlock_BringsAgentOnline(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	status := env.guard.Status()
	if !status.VaultUnlocked {
		t.Error("vault should be unlocked")
	}
	if !status.BaselineValid {
		t.Error("fresh baseline should be valid")
	}
	if status.BaselineFileCount != 3 {
		t.Errorf("baseline covers %d files, want 3", status.BaselineFileCount)
	}
	if status.SafeMode {
		t.Error("safe mode with a single start")
	}

	if _, err := os.Stat(env.config.BaselinePath()); err != nil {
		t.Errorf("baseline file not written: %v", err)
	}
	if len(env.eventsOfKind(t, eventlog.KindVaultUnlocked)) != 1 {
		t.Error("unlock should be committed to the audit log")
	}
	if len(env.eventsOfKind(t, eventlog.KindScanCompleted)) != 1 {
		t.Error("initial baseline build should log a completed scan")
	}
}

func TestUnlock_WrongPassword(t *testing.T) {
	env := newTestEnv(t)

	err := env.guard.Unlock(context.Background(), []byte("wrong-password"))
	if !errors.Is(err, vault.ErrInvalidCredentialsOrCorrupt) {
		t.Fatalf("Unlock with wrong password = %v, want ErrInvalidCredentialsOrCorrupt", err)
	}
	if env.guard.Status().VaultUnlocked {
		t.Error("vault must stay locked after a failed unlock")
	}
}

func TestUnlock_WhileUnlocked(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	if err := env.guard.Unlock(context.Background(), testPasswordBytes()); !errors.Is(err, ErrAlreadyUnlocked) {
		t.Fatalf("second Unlock = %v, want ErrAlreadyUnlocked", err)
	}
}

func TestIPCSecret_AvailabilityAcrossLockCycle(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.guard.IPCSecret(); !errors.Is(err, ErrNotUnlockedYet) {
		t.Fatalf("IPCSecret before first unlock = %v, want ErrNotUnlockedYet", err)
	}

	env.unlock(t)
	first, err := env.guard.IPCSecret()
	if err != nil {
		t.Fatalf("IPCSecret after unlock: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("IPC secret is %d bytes, want 32", len(first))
	}

	// The secret must survive Lock so an authenticated peer can issue
	// Unlock over the command channel.
	if err := env.guard.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	second, err := env.guard.IPCSecret()
	if err != nil {
		t.Fatalf("IPCSecret after lock: %v", err)
	}
	if string(first) != string(second) {
		t.Error("IPC secret changed across a lock cycle")
	}
}

func TestLock_ClearsState(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	if err := env.guard.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	status := env.guard.Status()
	if status.VaultUnlocked {
		t.Error("vault should be locked")
	}
	if status.BaselineValid || status.BaselineFileCount != 0 {
		t.Error("baseline state should be cleared on lock")
	}

	if err := env.guard.Lock(); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("Lock while locked = %v, want ErrVaultLocked", err)
	}
	if _, err := env.guard.Scan(context.Background()); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("Scan while locked = %v, want ErrVaultLocked", err)
	}
}

func TestLock_PreemptsRunningScan(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	// Hold the scan between its start record and the walk so Lock is
	// guaranteed to catch it in flight.
	started := make(chan struct{})
	env.guard.testHookScanStarted = func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}

	scanErr := make(chan error, 1)
	go func() {
		_, err := env.guard.Scan(context.Background())
		scanErr <- err
	}()

	<-started
	if err := env.guard.Lock(); err != nil {
		t.Fatalf("Lock during scan: %v", err)
	}

	if err := <-scanErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("preempted scan = %v, want context.Canceled", err)
	}
	if env.guard.Status().VaultUnlocked {
		t.Error("vault should be locked after preemption")
	}

	// Two scans started (the initial build and the preempted one), but
	// only the first completed.
	if got := len(env.eventsOfKind(t, eventlog.KindScanStarted)); got != 2 {
		t.Errorf("got %d scan_started events, want 2", got)
	}
	if got := len(env.eventsOfKind(t, eventlog.KindScanCompleted)); got != 1 {
		t.Errorf("got %d scan_completed events, want 1", got)
	}

	// A later unlock works normally.
	env.unlock(t)
	if !env.guard.Status().BaselineValid {
		t.Error("baseline should be valid again after re-unlock")
	}
}

func TestEvents_ReadableBeforeFirstUnlock(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)
	env.guard.Shutdown()

	// A fresh process has not unlocked yet, but the previous run's
	// records need no key material to read.
	restarted := New(env.config, discardLogger(), env.clock)
	if err := restarted.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(restarted.Shutdown)

	records, err := restarted.Events(context.Background(), eventlog.Filter{
		Kinds: []string{eventlog.KindVaultUnlocked},
	})
	if err != nil {
		t.Fatalf("Events before first unlock: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d vault_unlocked events, want 1", len(records))
	}
}

func TestTamperWhileLocked_DetectedAtUnlockAndHealedByScan(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)
	if err := env.guard.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := os.WriteFile(env.paths[1], []byte("tampered while locked"), 0o644); err != nil {
		t.Fatalf("modifying file: %v", err)
	}

	env.unlock(t)
	if env.guard.Status().BaselineValid {
		t.Fatal("unlock should detect the offline modification")
	}

	violations := env.eventsOfKind(t, eventlog.KindIntegrityViolation)
	if len(violations) != 1 {
		t.Fatalf("got %d integrity violations, want 1", len(violations))
	}
	var payload struct {
		Changed []string `cbor:"changed"`
		Missing []string `cbor:"missing"`
		Added   []string `cbor:"added"`
	}
	if err := codec.Unmarshal(violations[0].Payload, &payload); err != nil {
		t.Fatalf("decoding violation payload: %v", err)
	}
	if len(payload.Changed) != 1 || payload.Changed[0] != env.paths[1] {
		t.Errorf("changed = %v, want exactly %q", payload.Changed, env.paths[1])
	}
	if len(payload.Missing) != 0 || len(payload.Added) != 0 {
		t.Errorf("missing=%v added=%v, want both empty", payload.Missing, payload.Added)
	}

	// A rescan accepts the current state as the new baseline.
	result, err := env.guard.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !result.Valid || result.FileCount != 3 {
		t.Errorf("rescan result valid=%v files=%d, want valid with 3 files", result.Valid, result.FileCount)
	}
	if !env.guard.Status().BaselineValid {
		t.Error("baseline should be valid again after the rescan")
	}
}

// enterSafeMode simulates a crash loop on env's state directory and
// returns a fresh guard that started in safe mode.
func enterSafeMode(t *testing.T, env *testEnv) *Guard {
	t.Helper()

	// Three more rapid starts on top of the one the environment
	// already recorded.
	tracker := NewRestartTracker(env.config.RestartStatePath(), 0, 0)
	for i := 0; i < 3; i++ {
		if _, err := tracker.RecordStart(env.clock.Now()); err != nil {
			t.Fatalf("RecordStart: %v", err)
		}
	}

	crashed := New(env.config, discardLogger(), env.clock)
	if err := crashed.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(crashed.Shutdown)
	if !crashed.Status().SafeMode {
		t.Fatal("repeated rapid starts should enter safe mode")
	}
	return crashed
}

func TestSafeMode_RefusesMutation(t *testing.T) {
	env := newTestEnv(t)
	crashed := enterSafeMode(t, env)

	if err := crashed.Unlock(context.Background(), testPasswordBytes()); err != nil {
		t.Fatalf("Unlock in safe mode: %v", err)
	}
	if _, err := crashed.Scan(context.Background()); !errors.Is(err, ErrSafeMode) {
		t.Fatalf("Scan in safe mode = %v, want ErrSafeMode", err)
	}
	if err := crashed.UpdateSettings([]string{t.TempDir()}, 60); !errors.Is(err, ErrSafeMode) {
		t.Fatalf("UpdateSettings in safe mode = %v, want ErrSafeMode", err)
	}

	// No scan ran, so no baseline was written.
	if _, err := os.Stat(env.config.BaselinePath()); !os.IsNotExist(err) {
		t.Error("safe mode must not write a baseline")
	}
}

func TestSafeMode_ReadAccessSurvives(t *testing.T) {
	env := newTestEnv(t)
	crashed := enterSafeMode(t, env)

	// The unlock restores the command channel and read access without
	// touching the protected set.
	if err := crashed.Unlock(context.Background(), testPasswordBytes()); err != nil {
		t.Fatalf("Unlock in safe mode: %v", err)
	}

	status := crashed.Status()
	if !status.SafeMode || !status.VaultUnlocked {
		t.Fatalf("status = %+v, want safe mode with unlocked vault", status)
	}
	if _, err := crashed.IPCSecret(); err != nil {
		t.Errorf("IPCSecret in safe mode: %v", err)
	}
	settings, err := crashed.Settings()
	if err != nil {
		t.Fatalf("Settings in safe mode: %v", err)
	}
	if len(settings.ProtectedPaths) == 0 {
		t.Error("settings should expose the protected set")
	}

	records, err := crashed.Events(context.Background(), eventlog.Filter{
		Kinds: []string{eventlog.KindVaultUnlocked},
	})
	if err != nil {
		t.Fatalf("Events in safe mode: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d vault_unlocked events, want 1", len(records))
	}

	if err := crashed.Lock(); err != nil {
		t.Errorf("Lock in safe mode: %v", err)
	}
}

func TestHeartbeat_SignedWithDeviceKey(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	message, err := env.guard.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	publicKey := env.guard.signer.PublicKey()
	if message.Body.DeviceID != hex.EncodeToString(publicKey) {
		t.Error("device id should be the hex device public key")
	}
	if !message.Body.VaultUnlocked || !message.Body.BaselineValid {
		t.Errorf("body = %+v, want unlocked with valid baseline", message.Body)
	}

	canonical, err := codec.Marshal(&message.Body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	if !ed25519.Verify(publicKey, canonical, message.Signature) {
		t.Error("heartbeat signature does not verify against the device key")
	}
}

func TestHeartbeat_WhileLocked(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.guard.Heartbeat(); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("Heartbeat while locked = %v, want ErrVaultLocked", err)
	}
}

func TestRemoteAction_LockVault(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	if err := env.guard.ExecuteRemoteAction(context.Background(), RemoteActionLockVault); err != nil {
		t.Fatalf("ExecuteRemoteAction: %v", err)
	}
	if env.guard.Status().VaultUnlocked {
		t.Error("remote lock_vault should lock the vault")
	}
	if len(env.eventsOfKind(t, eventlog.KindRemoteAction)) != 1 {
		t.Error("remote action should be committed to the audit log before execution")
	}
}

func TestRemoteAction_UnknownRejected(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	if err := env.guard.ExecuteRemoteAction(context.Background(), "wipe_disk"); err == nil {
		t.Fatal("unknown remote action should be rejected")
	}
	if len(env.eventsOfKind(t, eventlog.KindRemoteAction)) != 0 {
		t.Error("a rejected action must not reach the audit log")
	}
}

func TestUpdateSettings_ReplacesProtectedSet(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	other := filepath.Join(t.TempDir(), "other")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(other, "only.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	if err := env.guard.UpdateSettings([]string{other}, 120); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	settings, err := env.guard.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if len(settings.ProtectedPaths) != 1 || settings.ProtectedPaths[0] != other {
		t.Errorf("protected paths = %v, want [%s]", settings.ProtectedPaths, other)
	}
	if settings.ScanIntervalSeconds != 120 {
		t.Errorf("scan interval = %d, want 120", settings.ScanIntervalSeconds)
	}

	// The old baseline no longer matches; a scan over the new set
	// re-establishes validity.
	result, err := env.guard.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.FileCount != 1 {
		t.Errorf("new baseline covers %d files, want 1", result.FileCount)
	}
	if len(env.eventsOfKind(t, eventlog.KindSettingsUpdated)) != 1 {
		t.Error("settings change should be committed to the audit log")
	}
}

func TestRecordAuthEvent(t *testing.T) {
	env := newTestEnv(t)

	// While locked the outcome cannot join the signed chain; it must
	// not panic or error the caller.
	env.guard.RecordAuthEvent(false, "bad mac")

	env.unlock(t)
	env.guard.RecordAuthEvent(true, "session opened")
	env.guard.RecordAuthEvent(false, "bad mac")

	if got := len(env.eventsOfKind(t, eventlog.KindAuthSuccess)); got != 1 {
		t.Errorf("got %d auth_success events, want 1", got)
	}
	if got := len(env.eventsOfKind(t, eventlog.KindAuthFailure)); got != 1 {
		t.Errorf("got %d auth_failure events, want 1", got)
	}
}

func TestShutdown_CleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)

	env.guard.Shutdown()

	if _, err := os.Stat(env.config.RestartStatePath()); !os.IsNotExist(err) {
		t.Error("clean shutdown should clear the restart history")
	}
	if _, err := env.guard.IPCSecret(); !errors.Is(err, ErrNotUnlockedYet) {
		t.Error("IPC secret should be zeroed at shutdown")
	}
	if env.guard.Status().VaultUnlocked {
		t.Error("vault should be locked after shutdown")
	}
}

func TestAuditChain_VerifiesAfterLockCycle(t *testing.T) {
	env := newTestEnv(t)
	env.unlock(t)
	publicKey := env.guard.signer.PublicKey()

	if err := env.guard.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	env.unlock(t)

	env.guard.mu.Lock()
	log := env.guard.log
	env.guard.mu.Unlock()
	if err := log.Verify(context.Background(), publicKey, 0); err != nil {
		t.Fatalf("audit chain broken after lock cycle: %v", err)
	}
}
