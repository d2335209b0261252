// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog implements the append-only audit trail: a hash
// chain of signed records stored in rotating segment files.
//
// Each record's hash covers the previous record's hash, so silently
// altering history invalidates the entire suffix from the alteration
// point forward. Records are additionally signed with the device key;
// an attacker who can rewrite the files and recompute the chain still
// cannot produce valid signatures without the vault's private key.
//
// Sealed segments are zstd-compressed. The chain spans segment
// boundaries: a new segment's first record carries the sealed
// segment's terminal record hash as its prev_hash.
package eventlog
