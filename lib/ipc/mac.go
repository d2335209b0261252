// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// macDomain separates handshake MACs from every other keyed-hash use
// of the shared secret.
var macDomain = []byte("warden.ipc.challenge")

// ComputeMAC computes the keyed BLAKE3 MAC a client must return for a
// handshake challenge. The secret is the vault's 32-byte IPC shared
// secret; proving knowledge of it is what authenticates the peer.
func ComputeMAC(secret, challenge []byte) []byte {
	hasher, err := blake3.NewKeyed(secret)
	if err != nil {
		panic("ipc: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(macDomain)
	hasher.Write(challenge)
	return hasher.Sum(nil)
}

// VerifyMAC compares a received MAC in constant time.
func VerifyMAC(secret, challenge, mac []byte) bool {
	expected := ComputeMAC(secret, challenge)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}
