// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package baseline implements the signed file-integrity baseline: a
// snapshot of content hashes over the protected file set, signed by
// the vault's device key.
//
// Signing — not just hashing — is the point. An attacker who can write
// to disk could tamper with protected files and then regenerate a
// "clean" hash list; forging the signature additionally requires the
// device private key, which exists only inside the locked vault. The
// trust anchor is the key, not the file.
package baseline
