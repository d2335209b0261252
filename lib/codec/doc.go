// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR serialization.
//
// All durable artifacts (vault payload, baseline, event records) and
// both IPC protocols use this package. Encoding is RFC 8949 Core
// Deterministic Encoding, so the bytes fed to Ed25519 signatures are
// canonical: re-encoding the same logical value always reproduces the
// signed bytes exactly.
package codec
