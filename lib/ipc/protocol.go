// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"github.com/warden-security/warden/lib/codec"
)

// Socket file names inside the agent's socket directory.
const (
	StatusSocketName  = "status.sock"
	CommandSocketName = "command.sock"
)

// Actions accepted over the status channel. Status is the only one:
// the status socket never executes commands.
const (
	ActionStatus = "status"
)

// Handshake actions on the command channel. A connection must complete
// the challenge/response exchange before any command is accepted.
const (
	ActionAuth         = "auth"
	ActionAuthResponse = "auth_response"
)

// Command actions, accepted only on an authenticated connection.
const (
	ActionGetSettings    = "get_settings"
	ActionUpdateSettings = "update_settings"
	ActionTriggerScan    = "trigger_scan"
	ActionGetEvents      = "get_events"
	ActionGetBaseline    = "get_baseline"
	ActionLock           = "lock"
	ActionUnlock         = "unlock"
	ActionLinkDevice     = "link_device"
	ActionExportBundle   = "export_bundle"
)

// ErrorKind classifies a failure response. Peers receive a structured
// kind, never raw internal error text alone.
type ErrorKind string

const (
	// KindCryptoError is a tag or signature verification failure.
	// Never retried.
	KindCryptoError ErrorKind = "crypto_error"

	// KindIOError is a filesystem or socket failure.
	KindIOError ErrorKind = "io_error"

	// KindAuthError is a failed handshake, bad token, or expired
	// session. The server closes the connection after sending it.
	KindAuthError ErrorKind = "auth_error"

	// KindStateError is a command issued in the wrong state, such as
	// a scan while the vault is locked. Rejected, never queued.
	KindStateError ErrorKind = "state_error"

	// KindIntegrityViolation is a baseline mismatch. Never
	// auto-corrected; clearing it requires an explicit rescan.
	KindIntegrityViolation ErrorKind = "integrity_violation"

	// KindBadRequest is a malformed or unknown request.
	KindBadRequest ErrorKind = "bad_request"
)

// Response is the wire envelope for every reply on both channels.
type Response struct {
	OK    bool             `cbor:"ok"`
	Kind  ErrorKind        `cbor:"kind,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Header is the routing portion of every request. Handlers decode
// their action-specific fields from the full raw request.
type Header struct {
	Action string `cbor:"action"`

	// Token authenticates a command request. Issued by the handshake,
	// valid only on the connection that performed it.
	Token string `cbor:"token,omitempty"`
}

// ChallengeSize is the size of a handshake challenge.
const ChallengeSize = 32

// AuthChallenge is the server's reply to Auth: a fresh random
// challenge, never reused across sessions.
type AuthChallenge struct {
	Challenge []byte `cbor:"challenge"`
}

// AuthResponseRequest carries the client's MAC over the challenge.
type AuthResponseRequest struct {
	Action string `cbor:"action"`
	MAC    []byte `cbor:"mac"`
}

// AuthResult is the server's reply to a valid MAC.
type AuthResult struct {
	Token string `cbor:"token"`

	// ExpiresAt is the session expiry as Unix seconds. Commands after
	// this instant are rejected with an auth error.
	ExpiresAt int64 `cbor:"expires_at"`
}

// StatusResult is the unauthenticated status snapshot.
type StatusResult struct {
	Running           bool   `cbor:"running"`
	SafeMode          bool   `cbor:"safe_mode"`
	VaultUnlocked     bool   `cbor:"vault_unlocked"`
	BaselineValid     bool   `cbor:"baseline_valid"`
	BaselineFileCount int    `cbor:"baseline_file_count"`
	LastScanAt        int64  `cbor:"last_scan_at"`
	Version           string `cbor:"version,omitempty"`
}

// SettingsResult mirrors the vault's stored settings.
type SettingsResult struct {
	ProtectedPaths      []string `cbor:"protected_paths"`
	ScanIntervalSeconds int      `cbor:"scan_interval_seconds"`
}

// UpdateSettingsRequest replaces the stored settings.
type UpdateSettingsRequest struct {
	Action              string   `cbor:"action"`
	Token               string   `cbor:"token"`
	ProtectedPaths      []string `cbor:"protected_paths"`
	ScanIntervalSeconds int      `cbor:"scan_interval_seconds"`
}

// ScanResult reports one completed integrity scan.
type ScanResult struct {
	Valid     bool     `cbor:"valid"`
	Changed   []string `cbor:"changed,omitempty"`
	Missing   []string `cbor:"missing,omitempty"`
	Added     []string `cbor:"added,omitempty"`
	FileCount int      `cbor:"file_count"`
	ScannedAt int64    `cbor:"scanned_at"`
}

// GetEventsRequest filters the audit log.
type GetEventsRequest struct {
	Action string   `cbor:"action"`
	Token  string   `cbor:"token"`
	Kinds  []string `cbor:"kinds,omitempty"`
	Since  int64    `cbor:"since,omitempty"`
	Until  int64    `cbor:"until,omitempty"`
	Limit  int      `cbor:"limit,omitempty"`
}

// EventRecord is one audit record as returned over IPC.
type EventRecord struct {
	Sequence  uint64           `cbor:"sequence"`
	Timestamp int64            `cbor:"timestamp"`
	Kind      string           `cbor:"kind"`
	Payload   codec.RawMessage `cbor:"payload,omitempty"`
}

// EventsResult is the reply to GetEvents.
type EventsResult struct {
	Events []EventRecord `cbor:"events"`
}

// BaselineResult is the reply to GetBaseline.
type BaselineResult struct {
	CreatedAt int64           `cbor:"created_at"`
	FileCount int             `cbor:"file_count"`
	Entries   []BaselineEntry `cbor:"entries"`
}

// BaselineEntry is one protected file's expected state.
type BaselineEntry struct {
	Path        string `cbor:"path"`
	ContentHash []byte `cbor:"content_hash"`
	Size        int64  `cbor:"size"`
}

// UnlockRequest opens the vault. The password travels only over the
// local socket, never the network.
type UnlockRequest struct {
	Action   string `cbor:"action"`
	Token    string `cbor:"token"`
	Password []byte `cbor:"password"`
}

// LinkDeviceRequest registers a trusted device public key for
// encrypted bundle export.
type LinkDeviceRequest struct {
	Action       string `cbor:"action"`
	Token        string `cbor:"token"`
	DeviceID     string `cbor:"device_id"`
	RecipientKey string `cbor:"recipient_key"`
}

// ExportBundleResult carries the vault payload encrypted to the linked
// device's key. Opaque to the transport.
type ExportBundleResult struct {
	DeviceID string `cbor:"device_id"`
	Bundle   string `cbor:"bundle"`
}
