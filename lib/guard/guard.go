// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/warden-security/warden/lib/baseline"
	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/config"
	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/secret"
	"github.com/warden-security/warden/lib/vault"
	"github.com/warden-security/warden/lib/version"
	"github.com/warden-security/warden/lib/watcher"
)

// Guard orchestrates the agent: it is the single owner of the vault's
// unlocked state, serializes every vault, baseline, and log mutation
// behind one mutex, and is the only component that appends to the
// audit log.
type Guard struct {
	config  *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	tracker *RestartTracker

	// signer fronts the vault's signing key for the event log and
	// baseline builds. It has its own lock; see deviceSigner.
	signer *deviceSigner

	mu sync.Mutex

	// vault is nil while locked. All secret material lives inside it.
	vault *vault.Unlocked

	// ipcSecret is a copy of the vault's shared IPC secret, retained
	// across Lock so an authenticated peer can still issue Unlock.
	// Zeroed only at shutdown. Nil before the first unlock.
	ipcSecret *secret.Buffer

	// log is opened at the first unlock (records are signed with the
	// device key, which does not exist in memory before then) and
	// stays open until shutdown.
	log *eventlog.Log

	baseline      *baseline.Baseline
	baselineValid bool
	lastScanAt    time.Time

	scanning   bool
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	watcherCancel context.CancelFunc
	watcherDone   chan struct{}

	safeMode bool

	// testHookScanStarted, when non-nil, runs after the scan_started
	// record is durable and before the walk begins. Lets tests hold a
	// scan in flight.
	testHookScanStarted func(context.Context)
}

// New creates a Guard. Call Start once, then Run.
func New(cfg *config.Config, logger *slog.Logger, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{
		config:  cfg,
		logger:  logger,
		clock:   clk,
		signer:  &deviceSigner{},
		tracker: NewRestartTracker(cfg.RestartStatePath(), 0, 0),
	}
}

// Start records the process start and decides on safe mode.
func (g *Guard) Start() error {
	safeMode, err := g.tracker.RecordStart(g.clock.Now())
	if err != nil {
		return err
	}
	if safeMode {
		g.logger.Error("repeated restarts detected, entering safe mode")
	}
	g.mu.Lock()
	g.safeMode = safeMode
	g.mu.Unlock()
	return nil
}

// Shutdown locks the vault if needed, closes the log, zeroes the
// retained IPC secret, and marks the shutdown as deliberate.
func (g *Guard) Shutdown() {
	g.mu.Lock()
	if g.vault != nil {
		g.appendLocked(eventlog.KindServiceStopped, nil)
	}
	g.mu.Unlock()

	if err := g.lock(); err != nil && err != ErrVaultLocked {
		g.logger.Error("locking vault at shutdown", "error", err)
	}

	g.mu.Lock()
	if g.log != nil {
		g.log.Close()
		g.log = nil
	}
	if g.ipcSecret != nil {
		g.ipcSecret.Close()
		g.ipcSecret = nil
	}
	g.mu.Unlock()

	if err := g.tracker.MarkCleanShutdown(); err != nil {
		g.logger.Warn("clearing restart history", "error", err)
	}
}

// IPCSecret provides the command channel's shared secret. Fails before
// the first unlock: the secret is stored inside the vault.
func (g *Guard) IPCSecret() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ipcSecret == nil {
		return nil, ErrNotUnlockedYet
	}
	return g.ipcSecret.Bytes(), nil
}

// Status returns the unauthenticated status snapshot.
func (g *Guard) Status() *ipc.StatusResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := &ipc.StatusResult{
		Running:       true,
		SafeMode:      g.safeMode,
		VaultUnlocked: g.vault != nil,
		BaselineValid: g.baselineValid,
		Version:       version.Short(),
	}
	if g.baseline != nil {
		result.BaselineFileCount = len(g.baseline.Entries)
	}
	if !g.lastScanAt.IsZero() {
		result.LastScanAt = g.lastScanAt.Unix()
	}
	return result
}

// Unlock opens the vault and brings the agent fully online: audit log,
// baseline, and watcher. In safe mode the unlock restores only the
// command channel and read access; the watcher stays down and no
// baseline is written until the operator leaves safe mode.
func (g *Guard) Unlock(ctx context.Context, password []byte) error {
	g.mu.Lock()
	if g.vault != nil {
		g.mu.Unlock()
		secret.Zero(password)
		return ErrAlreadyUnlocked
	}
	g.mu.Unlock()

	// Open outside the mutex: the KDF takes on the order of a second
	// and status queries must not stall behind it.
	unlocked, err := vault.Open(g.config.VaultPath(), password)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.vault != nil {
		g.mu.Unlock()
		unlocked.Lock()
		return ErrAlreadyUnlocked
	}

	if g.ipcSecret == nil {
		secretCopy, err := secret.NewFromBytes(append([]byte(nil), unlocked.IPCSecret().Bytes()...))
		if err != nil {
			g.mu.Unlock()
			unlocked.Lock()
			return fmt.Errorf("guard: retaining IPC secret: %w", err)
		}
		g.ipcSecret = secretCopy
	}

	g.vault = unlocked
	g.signer.attach(unlocked)

	if g.log == nil {
		log, err := eventlog.Open(g.config.EventLogDir(), g.signer, eventlog.Options{
			MaxSegmentBytes: g.config.EventLog.MaxSegmentBytes,
			MaxSegmentAge:   g.config.MaxSegmentAge(),
			Clock:           g.clock,
		})
		if err != nil {
			g.vault = nil
			g.signer.detach()
			g.mu.Unlock()
			unlocked.Lock()
			return err
		}
		g.log = log

		// The log could not record the process start earlier: records
		// are signed with the device key, which only exists now.
		if err := g.appendLocked(eventlog.KindServiceStarted, nil); err != nil {
			g.vault = nil
			g.signer.detach()
			g.mu.Unlock()
			unlocked.Lock()
			return err
		}
	}

	if err := g.appendLocked(eventlog.KindVaultUnlocked, nil); err != nil {
		g.vault = nil
		g.signer.detach()
		g.mu.Unlock()
		unlocked.Lock()
		return err
	}

	settings := unlocked.Settings()
	safeMode := g.safeMode
	g.mu.Unlock()

	if safeMode {
		// No watcher and no baseline writes: the stored baseline is
		// still verified so status and the audit log reflect reality,
		// but nothing on disk changes until safe mode is cleared.
		if err := g.verifyStoredBaseline(ctx, settings.ProtectedPaths); err != nil {
			return err
		}
		g.logger.Warn("vault unlocked in safe mode; watcher and scans stay disabled")
		return nil
	}

	if err := g.loadOrBuildBaseline(ctx, settings.ProtectedPaths); err != nil {
		return err
	}

	g.startWatcher(settings.ProtectedPaths)
	g.logger.Info("vault unlocked", "protected_paths", len(settings.ProtectedPaths))
	return nil
}

// loadOrBuildBaseline restores the stored baseline and verifies it, or
// builds the initial one if none exists yet.
func (g *Guard) loadOrBuildBaseline(ctx context.Context, protectedPaths []string) error {
	if _, err := os.Stat(g.config.BaselinePath()); os.IsNotExist(err) {
		_, err := g.Scan(ctx)
		return err
	}
	return g.verifyStoredBaseline(ctx, protectedPaths)
}

// verifyStoredBaseline checks the on-disk baseline against the
// protected set without writing anything. A missing baseline file is
// not an error here; the agent just has no baseline yet.
func (g *Guard) verifyStoredBaseline(ctx context.Context, protectedPaths []string) error {
	if _, err := os.Stat(g.config.BaselinePath()); os.IsNotExist(err) {
		return nil
	}

	stored, err := baseline.Load(g.config.BaselinePath())
	if err != nil {
		return err
	}

	report, err := baseline.Verify(ctx, stored, g.signer.PublicKey(), protectedPaths)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseline = stored
	g.baselineValid = report.Valid()
	if !report.Valid() {
		g.appendLocked(eventlog.KindIntegrityViolation, &violationPayload{
			Changed: report.Changed,
			Missing: report.Missing,
			Added:   report.Added,
		})
		g.logger.Warn("baseline divergence detected at unlock",
			"changed", len(report.Changed),
			"missing", len(report.Missing),
			"added", len(report.Added))
	}
	return nil
}

// Lock preempts any running scan, stops the watcher, and zeroes the
// vault's secret material. The retained IPC secret survives so an
// authenticated peer can unlock again.
func (g *Guard) Lock() error {
	return g.lock()
}

func (g *Guard) lock() error {
	g.mu.Lock()
	if g.vault == nil {
		g.mu.Unlock()
		return ErrVaultLocked
	}

	// Preempt the scan and remember its completion channel; the wait
	// happens after the state lock is released.
	if g.scanCancel != nil {
		g.scanCancel()
	}
	scanDone := g.scanDone
	watcherCancel := g.watcherCancel
	watcherDone := g.watcherDone
	g.watcherCancel = nil
	g.watcherDone = nil

	// The lock event must be appended while the signing key still
	// exists.
	g.appendLocked(eventlog.KindVaultLocked, nil)

	unlocked := g.vault
	g.vault = nil
	g.baseline = nil
	g.baselineValid = false
	g.mu.Unlock()

	if watcherCancel != nil {
		watcherCancel()
		<-watcherDone
	}
	if scanDone != nil {
		<-scanDone
	}

	// Only now, with no signer users left, is it safe to zero the
	// key material.
	g.signer.detach()
	unlocked.Lock()
	g.logger.Info("vault locked")
	return nil
}

// append commits one audit record. Callers treat failure as fatal to
// the operation that produced the event.
func (g *Guard) append(kind string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.appendLocked(kind, payload)
}

func (g *Guard) appendLocked(kind string, payload any) error {
	if g.vault == nil || g.log == nil {
		return ErrVaultLocked
	}
	if _, err := g.log.Append(kind, payload); err != nil {
		g.logger.Error("audit log append failed", "kind", kind, "error", err)
		return err
	}
	return nil
}

// RecordAuthEvent commits a command-channel handshake outcome to the
// audit log. While the vault is locked the outcome is still visible in
// the process log, it just cannot be added to the signed chain.
func (g *Guard) RecordAuthEvent(success bool, detail string) {
	kind := eventlog.KindAuthSuccess
	if !success {
		kind = eventlog.KindAuthFailure
	}
	if err := g.append(kind, &authPayload{Detail: detail}); err != nil && err != ErrVaultLocked {
		g.logger.Error("recording auth event", "error", err)
	}
}

type authPayload struct {
	Detail string `cbor:"detail"`
}

type violationPayload struct {
	Path    string   `cbor:"path,omitempty"`
	Op      string   `cbor:"op,omitempty"`
	Changed []string `cbor:"changed,omitempty"`
	Missing []string `cbor:"missing,omitempty"`
	Added   []string `cbor:"added,omitempty"`
}

// startWatcher launches the filesystem watcher feeding the integrity
// fast path. Watcher startup failure is not fatal: the periodic scan
// still covers the protected set, just without real-time alerts.
func (g *Guard) startWatcher(protectedPaths []string) {
	w, err := watcher.New(protectedPaths, watcher.Options{
		Debounce: g.config.Debounce(),
		Clock:    g.clock,
		Logger:   g.logger,
	})
	if err != nil {
		g.logger.Error("starting filesystem watcher", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	g.mu.Lock()
	g.watcherCancel = cancel
	g.watcherDone = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		go w.Run(ctx)
		for event := range w.Events() {
			g.handleWatcherEvent(event)
		}
	}()
}

// handleWatcherEvent re-checks a single changed path against the
// baseline and commits a violation event on divergence. The baseline
// stays invalid until an explicit rescan; nothing auto-heals.
func (g *Guard) handleWatcherEvent(event watcher.Event) {
	g.mu.Lock()
	current := g.baseline
	g.mu.Unlock()
	if current == nil {
		return
	}

	status, err := current.CheckPath(event.Path)
	if err != nil {
		g.logger.Warn("re-hashing changed path", "path", event.Path, "error", err)
		return
	}
	if status == baseline.StatusUnchanged {
		return
	}

	g.mu.Lock()
	g.baselineValid = false
	appendErr := g.appendLocked(eventlog.KindIntegrityViolation, &violationPayload{
		Path: event.Path,
		Op:   status.String(),
	})
	g.mu.Unlock()

	// Even when the event cannot be committed, the in-memory state is
	// already marked invalid: detection fails closed.
	if appendErr != nil && appendErr != ErrVaultLocked {
		g.logger.Error("recording integrity violation", "path", event.Path, "error", appendErr)
	}
	g.logger.Warn("integrity violation detected", "path", event.Path, "status", status.String())
}

// restartWatcher replaces the running watcher after a protected path
// change.
func (g *Guard) restartWatcher(protectedPaths []string) {
	g.mu.Lock()
	watcherCancel := g.watcherCancel
	watcherDone := g.watcherDone
	g.watcherCancel = nil
	g.watcherDone = nil
	g.mu.Unlock()

	if watcherCancel != nil {
		watcherCancel()
		<-watcherDone
	}
	g.startWatcher(protectedPaths)
}
