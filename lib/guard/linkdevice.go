// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"fmt"

	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/sealed"
	"github.com/warden-security/warden/lib/vault"
)

// ErrNoLinkedDevice is returned by ExportBundle before a device has
// been linked.
var ErrNoLinkedDevice = errors.New("guard: no linked device")

// LinkDevice registers a trusted device's public key in the vault for
// encrypted bundle export. The key is validated before it is stored.
func (g *Guard) LinkDevice(deviceID, recipientKey string) error {
	if deviceID == "" {
		return fmt.Errorf("guard: device id is empty")
	}
	if err := sealed.ParsePublicKey(recipientKey); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.safeMode {
		return ErrSafeMode
	}
	if g.vault == nil {
		return ErrVaultLocked
	}

	err := g.vault.SetLinkedDevice(vault.LinkedDevice{
		DeviceID:     deviceID,
		RecipientKey: recipientKey,
		LinkedAt:     g.clock.Now().Unix(),
	})
	if err != nil {
		return err
	}

	return g.appendLocked(eventlog.KindDeviceLinked, &linkPayload{DeviceID: deviceID})
}

type linkPayload struct {
	DeviceID string `cbor:"device_id"`
}

// ExportBundle encrypts the vault payload to the linked device's key.
// The plaintext payload is zeroed by the export; only the sealed form
// leaves this function.
func (g *Guard) ExportBundle() (*ipc.ExportBundleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.safeMode {
		return nil, ErrSafeMode
	}
	if g.vault == nil {
		return nil, ErrVaultLocked
	}

	device := g.vault.LinkedDevice()
	if device == nil {
		return nil, ErrNoLinkedDevice
	}

	payload, err := g.vault.PayloadBytes()
	if err != nil {
		return nil, err
	}
	bundle, err := sealed.Export(payload, device.RecipientKey)
	if err != nil {
		return nil, err
	}

	if err := g.appendLocked(eventlog.KindBundleExported, &linkPayload{DeviceID: device.DeviceID}); err != nil {
		return nil, err
	}
	return &ipc.ExportBundleResult{DeviceID: device.DeviceID, Bundle: bundle}, nil
}
