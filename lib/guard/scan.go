// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"

	"github.com/warden-security/warden/lib/baseline"
	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/vault"
)

type scanStartedPayload struct {
	PathCount int `cbor:"path_count"`
}

type scanFailedPayload struct {
	Reason string `cbor:"reason"`
}

type scanCompletedPayload struct {
	FileCount int  `cbor:"file_count"`
	Valid     bool `cbor:"valid"`
}

// Scan walks the protected set, builds and signs a fresh baseline,
// stores it atomically, and replaces the in-memory baseline. Only one
// scan runs at a time; Lock preempts it via context cancellation.
//
// Success is reported only after the completion event is durable in
// the audit log. If that append fails, the scan returns an error and
// the agent's state stays marked invalid even though a newer baseline
// file may already be on disk — the next successful scan reconverges.
func (g *Guard) Scan(ctx context.Context) (*ipc.ScanResult, error) {
	g.mu.Lock()
	if g.safeMode {
		g.mu.Unlock()
		return nil, ErrSafeMode
	}
	if g.vault == nil {
		g.mu.Unlock()
		return nil, ErrVaultLocked
	}
	if g.scanning {
		g.mu.Unlock()
		return nil, ErrScanInProgress
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.scanning = true
	g.scanCancel = cancel
	g.scanDone = done

	protectedPaths := g.vault.Settings().ProtectedPaths

	if err := g.appendLocked(eventlog.KindScanStarted, &scanStartedPayload{PathCount: len(protectedPaths)}); err != nil {
		g.clearScanStateLocked()
		close(done)
		g.mu.Unlock()
		cancel()
		return nil, err
	}
	hook := g.testHookScanStarted
	g.mu.Unlock()

	if hook != nil {
		hook(scanCtx)
	}

	defer func() {
		g.mu.Lock()
		g.clearScanStateLocked()
		g.mu.Unlock()
		close(done)
		cancel()
	}()

	fresh, err := baseline.Build(scanCtx, protectedPaths, g.signer, g.clock.Now())
	if err != nil {
		g.recordScanFailure(scanCtx, err)
		return nil, err
	}

	if err := fresh.Store(g.config.BaselinePath()); err != nil {
		g.recordScanFailure(scanCtx, err)
		return nil, err
	}

	now := g.clock.Now()
	if err := g.append(eventlog.KindScanCompleted, &scanCompletedPayload{
		FileCount: len(fresh.Entries),
		Valid:     true,
	}); err != nil {
		// The completion event could not be logged, so the scan must
		// not be reported as successful.
		g.mu.Lock()
		g.baselineValid = false
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	g.baseline = fresh
	g.baselineValid = true
	g.lastScanAt = now
	g.mu.Unlock()

	return &ipc.ScanResult{
		Valid:     true,
		FileCount: len(fresh.Entries),
		ScannedAt: now.Unix(),
	}, nil
}

func (g *Guard) clearScanStateLocked() {
	g.scanning = false
	g.scanCancel = nil
	g.scanDone = nil
}

// recordScanFailure appends a scan_failed event. Best effort: when the
// scan failed because Lock preempted it, the vault may already be
// locked and the event unloggable.
func (g *Guard) recordScanFailure(ctx context.Context, cause error) {
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		g.logger.Info("scan preempted", "reason", cause)
	} else {
		g.logger.Error("scan failed", "error", cause)
	}
	if err := g.append(eventlog.KindScanFailed, &scanFailedPayload{Reason: cause.Error()}); err != nil && err != ErrVaultLocked {
		g.logger.Error("recording scan failure", "error", err)
	}
}

// RunScheduler runs the periodic full scan until ctx is canceled.
// Ticks while locked, scanning, or in safe mode are skipped silently;
// the next tick retries.
func (g *Guard) RunScheduler(ctx context.Context) {
	ticker := g.clock.NewTicker(g.config.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := g.Scan(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrVaultLocked), errors.Is(err, ErrScanInProgress), errors.Is(err, ErrSafeMode):
			default:
				g.logger.Error("scheduled scan failed", "error", err)
			}
		}
	}
}

// Settings returns the vault's stored settings.
func (g *Guard) Settings() (vaultSettings, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vault == nil {
		return vaultSettings{}, ErrVaultLocked
	}
	stored := g.vault.Settings()
	return vaultSettings{
		ProtectedPaths:      stored.ProtectedPaths,
		ScanIntervalSeconds: stored.ScanIntervalSeconds,
	}, nil
}

// vaultSettings mirrors the vault's settings without exposing the
// vault package to IPC handlers.
type vaultSettings struct {
	ProtectedPaths      []string
	ScanIntervalSeconds int
}

// UpdateSettings persists new settings to the vault, commits the
// change to the audit log, and restarts the watcher over the new path
// set. The existing baseline no longer matches the path set, so the
// caller follows up with a scan.
func (g *Guard) UpdateSettings(protectedPaths []string, scanIntervalSeconds int) error {
	g.mu.Lock()
	if g.safeMode {
		g.mu.Unlock()
		return ErrSafeMode
	}
	if g.vault == nil {
		g.mu.Unlock()
		return ErrVaultLocked
	}

	err := g.vault.UpdateSettings(vault.Settings{
		ProtectedPaths:      protectedPaths,
		ScanIntervalSeconds: scanIntervalSeconds,
	})
	if err != nil {
		g.mu.Unlock()
		return err
	}

	g.appendLocked(eventlog.KindSettingsUpdated, &settingsPayload{
		PathCount:           len(protectedPaths),
		ScanIntervalSeconds: scanIntervalSeconds,
	})
	g.baselineValid = false
	g.mu.Unlock()

	g.restartWatcher(protectedPaths)
	return nil
}

type settingsPayload struct {
	PathCount           int `cbor:"path_count"`
	ScanIntervalSeconds int `cbor:"scan_interval_seconds"`
}

// Events reads audit records matching the filter. Served while locked
// too: reading the log needs no key material. Before the first unlock
// records persisted by previous runs are read directly from disk.
func (g *Guard) Events(ctx context.Context, filter eventlog.Filter) ([]eventlog.Record, error) {
	g.mu.Lock()
	log := g.log
	g.mu.Unlock()
	if log == nil {
		return eventlog.NewReader(g.config.EventLogDir()).Records(ctx, filter)
	}
	return log.Records(ctx, filter)
}

// Baseline returns the current in-memory baseline, or nil while
// locked.
func (g *Guard) Baseline() *baseline.Baseline {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseline
}
