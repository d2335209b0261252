// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package vault

// Payload is the decrypted content of the vault: everything Warden
// persists that must never touch disk in plaintext. Serialized as
// deterministic CBOR before encryption.
type Payload struct {
	// DeviceKeySeed is the 32-byte Ed25519 seed of the device signing
	// keypair. Baselines, event records, and heartbeats are signed
	// with this key; its private half never leaves the vault except as
	// in-memory protected material while unlocked.
	DeviceKeySeed []byte `cbor:"device_key_seed"`

	// IPCSecret is the 32-byte shared secret for the IPC command
	// channel's challenge/response handshake.
	IPCSecret []byte `cbor:"ipc_secret"`

	// Settings are the runtime settings served by GetSettings and
	// mutated by UpdateSettings.
	Settings Settings `cbor:"settings"`

	// LinkedDevice identifies an optional linked recovery device.
	// Nil until LinkDevice is executed.
	LinkedDevice *LinkedDevice `cbor:"linked_device,omitempty"`
}

// Settings are the operator-adjustable runtime settings stored inside
// the vault. The daemon's YAML config seeds these at vault creation;
// afterwards the vault copy is authoritative and changes go through
// the authenticated UpdateSettings command.
type Settings struct {
	// ProtectedPaths is the file set covered by the integrity
	// baseline. Must be non-empty.
	ProtectedPaths []string `cbor:"protected_paths"`

	// ScanIntervalSeconds is the period of the background full scan.
	ScanIntervalSeconds int `cbor:"scan_interval_seconds"`
}

// LinkedDevice describes a device authorized to receive sealed vault
// exports (recovery / device-linking).
type LinkedDevice struct {
	// DeviceID is the operator-assigned identifier of the linked
	// device.
	DeviceID string `cbor:"device_id"`

	// RecipientKey is the linked device's age public key (age1...).
	// Vault exports are encrypted to this key.
	RecipientKey string `cbor:"recipient_key"`

	// LinkedAt is a Unix timestamp (seconds) of when the link was
	// established.
	LinkedAt int64 `cbor:"linked_at"`
}
