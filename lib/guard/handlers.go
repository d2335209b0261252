// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"

	"github.com/warden-security/warden/lib/baseline"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/ipcserver"
	"github.com/warden-security/warden/lib/secret"
	"github.com/warden-security/warden/lib/vault"
)

// RegisterHandlers wires every command verb onto the command server.
func (g *Guard) RegisterHandlers(server *ipcserver.CommandServer) {
	server.Handle(ipc.ActionGetSettings, g.handleGetSettings)
	server.Handle(ipc.ActionUpdateSettings, g.handleUpdateSettings)
	server.Handle(ipc.ActionTriggerScan, g.handleTriggerScan)
	server.Handle(ipc.ActionGetEvents, g.handleGetEvents)
	server.Handle(ipc.ActionGetBaseline, g.handleGetBaseline)
	server.Handle(ipc.ActionLock, g.handleLock)
	server.Handle(ipc.ActionUnlock, g.handleUnlock)
	server.Handle(ipc.ActionLinkDevice, g.handleLinkDevice)
	server.Handle(ipc.ActionExportBundle, g.handleExportBundle)
}

// failure maps guard and crypto errors onto wire error kinds. Internal
// error text is passed through for state and crypto errors, which are
// already phrased for operators; everything else is classified as I/O.
func failure(err error) error {
	switch {
	case errors.Is(err, ErrVaultLocked),
		errors.Is(err, ErrAlreadyUnlocked),
		errors.Is(err, ErrScanInProgress),
		errors.Is(err, ErrNotUnlockedYet),
		errors.Is(err, ErrNoLinkedDevice),
		errors.Is(err, ErrSafeMode):
		return ipcserver.Failf(ipc.KindStateError, "%s", err)
	case errors.Is(err, vault.ErrInvalidCredentialsOrCorrupt):
		return ipcserver.Failf(ipc.KindCryptoError, "%s", err)
	case errors.Is(err, baseline.ErrBadSignature):
		return ipcserver.Failf(ipc.KindCryptoError, "%s", err)
	default:
		return ipcserver.Failf(ipc.KindIOError, "operation failed")
	}
}

func (g *Guard) handleGetSettings(ctx context.Context, raw []byte) (any, error) {
	settings, err := g.Settings()
	if err != nil {
		return nil, failure(err)
	}
	return &ipc.SettingsResult{
		ProtectedPaths:      settings.ProtectedPaths,
		ScanIntervalSeconds: settings.ScanIntervalSeconds,
	}, nil
}

func (g *Guard) handleUpdateSettings(ctx context.Context, raw []byte) (any, error) {
	var request ipc.UpdateSettingsRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "invalid request: %v", err)
	}
	if len(request.ProtectedPaths) == 0 {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "protected path set must not be empty")
	}
	if request.ScanIntervalSeconds <= 0 {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "scan interval must be positive")
	}

	if err := g.UpdateSettings(request.ProtectedPaths, request.ScanIntervalSeconds); err != nil {
		return nil, failure(err)
	}

	// The old baseline no longer matches the new path set; rebuild it
	// before reporting success.
	if _, err := g.Scan(ctx); err != nil {
		return nil, failure(err)
	}
	return nil, nil
}

func (g *Guard) handleTriggerScan(ctx context.Context, raw []byte) (any, error) {
	result, err := g.Scan(ctx)
	if err != nil {
		return nil, failure(err)
	}
	return result, nil
}

// maxEventBatch bounds a GetEvents reply.
const maxEventBatch = 1000

func (g *Guard) handleGetEvents(ctx context.Context, raw []byte) (any, error) {
	var request ipc.GetEventsRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "invalid request: %v", err)
	}

	limit := request.Limit
	if limit <= 0 || limit > maxEventBatch {
		limit = maxEventBatch
	}

	records := make([]ipc.EventRecord, 0, 64)
	err := g.readEvents(ctx, eventlog.Filter{
		Kinds: request.Kinds,
		Since: request.Since,
		Until: request.Until,
	}, limit, &records)
	if err != nil {
		return nil, failure(err)
	}
	return &ipc.EventsResult{Events: records}, nil
}

func (g *Guard) readEvents(ctx context.Context, filter eventlog.Filter, limit int, out *[]ipc.EventRecord) error {
	g.mu.Lock()
	log := g.log
	g.mu.Unlock()

	collect := func(r *eventlog.Record) error {
		*out = append(*out, ipc.EventRecord{
			Sequence:  r.Sequence,
			Timestamp: r.Timestamp,
			Kind:      r.Kind,
			Payload:   r.Payload,
		})
		if len(*out) >= limit {
			return eventlog.ErrStop
		}
		return nil
	}

	// Before the first unlock the log is not open, but records
	// persisted by previous runs are still readable: no key material
	// is involved in reading.
	if log == nil {
		return eventlog.NewReader(g.config.EventLogDir()).Read(ctx, filter, collect)
	}
	return log.Read(ctx, filter, collect)
}

func (g *Guard) handleGetBaseline(ctx context.Context, raw []byte) (any, error) {
	current := g.Baseline()
	if current == nil {
		return nil, failure(ErrVaultLocked)
	}

	entries := make([]ipc.BaselineEntry, len(current.Entries))
	for i, entry := range current.Entries {
		entries[i] = ipc.BaselineEntry{
			Path:        entry.Path,
			ContentHash: entry.ContentHash,
			Size:        entry.Size,
		}
	}
	return &ipc.BaselineResult{
		CreatedAt: current.CreatedAt,
		FileCount: len(entries),
		Entries:   entries,
	}, nil
}

func (g *Guard) handleLock(ctx context.Context, raw []byte) (any, error) {
	if err := g.Lock(); err != nil {
		return nil, failure(err)
	}
	return nil, nil
}

func (g *Guard) handleUnlock(ctx context.Context, raw []byte) (any, error) {
	var request ipc.UnlockRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "invalid request: %v", err)
	}
	if len(request.Password) == 0 {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "password is empty")
	}

	// Unlock consumes and zeroes the password bytes.
	if err := g.Unlock(ctx, request.Password); err != nil {
		secret.Zero(request.Password)
		return nil, failure(err)
	}
	return nil, nil
}

func (g *Guard) handleLinkDevice(ctx context.Context, raw []byte) (any, error) {
	var request ipc.LinkDeviceRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, ipcserver.Failf(ipc.KindBadRequest, "invalid request: %v", err)
	}
	if err := g.LinkDevice(request.DeviceID, request.RecipientKey); err != nil {
		if errors.Is(err, ErrSafeMode) || errors.Is(err, ErrVaultLocked) {
			return nil, failure(err)
		}
		return nil, ipcserver.Failf(ipc.KindBadRequest, "%s", err)
	}
	return nil, nil
}

func (g *Guard) handleExportBundle(ctx context.Context, raw []byte) (any, error) {
	result, err := g.ExportBundle()
	if err != nil {
		return nil, failure(err)
	}
	return result, nil
}
