// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/warden-security/warden/lib/codec"
)

// Event kinds appended by the agent. The log itself accepts any kind
// string; these are the ones the rest of the system produces.
const (
	KindServiceStarted     = "service_started"
	KindServiceStopped     = "service_stopped"
	KindVaultCreated       = "vault_created"
	KindVaultUnlocked      = "vault_unlocked"
	KindVaultLocked        = "vault_locked"
	KindPasswordRotated    = "password_rotated"
	KindScanStarted        = "scan_started"
	KindScanCompleted      = "scan_completed"
	KindScanFailed         = "scan_failed"
	KindIntegrityViolation = "integrity_violation"
	KindAuthSuccess        = "auth_success"
	KindAuthFailure        = "auth_failure"
	KindSettingsUpdated    = "settings_updated"
	KindRemoteAction       = "remote_action"
	KindDeviceLinked       = "device_linked"
	KindBundleExported     = "bundle_exported"
	KindSafeModeEntered    = "safe_mode_entered"
	KindSegmentSealed      = "segment_sealed"
)

// HashSize is the size of a chain hash.
const HashSize = 32

// chainDomainKey is the 32-byte BLAKE3 key for chain hashing. Distinct
// from the baseline file-hash domain so the two hash families can never
// collide over identical input bytes.
var chainDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'e', 'v', 'e', 'n', 't', 'l', 'o', 'g', '.',
	'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// genesisSeed is the fixed prev_hash of the very first record in a
// fresh log. Readable ASCII, zero-padded to hash size.
var genesisSeed = [HashSize]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'e', 'v', 'e', 'n', 't', 'l', 'o', 'g', '.',
	'g', 'e', 'n', 'e', 's', 'i', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Record is one entry in the audit chain. RecordHash binds the record
// to its predecessor; Signature binds the hash to the device key.
// Existing records are never rewritten.
type Record struct {
	// Sequence numbers start at 1 and are monotonic across segment
	// rotations.
	Sequence uint64 `cbor:"sequence"`

	// Timestamp is Unix nanoseconds at append time.
	Timestamp int64 `cbor:"timestamp"`

	// Kind classifies the event, one of the Kind* constants.
	Kind string `cbor:"kind"`

	// Payload is the event body as deterministic CBOR. May be empty.
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	// PrevHash is the RecordHash of the previous record, or the
	// genesis seed for sequence 1.
	PrevHash []byte `cbor:"prev_hash"`

	// RecordHash is the keyed BLAKE3 hash over PrevHash and the
	// canonical encoding of the chained fields.
	RecordHash []byte `cbor:"record_hash"`

	// Signature is the device key's Ed25519 signature over RecordHash.
	Signature []byte `cbor:"signature"`
}

// chainedFields is the hashed portion of a record. PrevHash is fed to
// the hasher separately, ahead of these bytes.
type chainedFields struct {
	Sequence  uint64           `cbor:"sequence"`
	Timestamp int64            `cbor:"timestamp"`
	Kind      string           `cbor:"kind"`
	Payload   codec.RawMessage `cbor:"payload,omitempty"`
}

// chainHash computes the record hash linking a record to prevHash.
func chainHash(prevHash []byte, sequence uint64, timestamp int64, kind string, payload codec.RawMessage) ([]byte, error) {
	canonical, err := codec.Marshal(&chainedFields{
		Sequence:  sequence,
		Timestamp: timestamp,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: encoding chained fields: %w", err)
	}

	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("eventlog: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(prevHash)
	hasher.Write(canonical)
	return hasher.Sum(nil), nil
}

// verifyRecord recomputes the record's chain hash against prevHash and
// checks its signature. Returns false on any mismatch.
func verifyRecord(r *Record, prevHash []byte, publicKey ed25519.PublicKey) bool {
	hash, err := chainHash(prevHash, r.Sequence, r.Timestamp, r.Kind, r.Payload)
	if err != nil {
		return false
	}
	if !bytes.Equal(hash, r.RecordHash) {
		return false
	}
	if !bytes.Equal(prevHash, r.PrevHash) {
		return false
	}
	return ed25519.Verify(publicKey, r.RecordHash, r.Signature)
}
