// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package kdf derives the vault's symmetric key from the master
// password using Argon2id, a memory-hard password hash. The memory
// cost makes offline brute force expensive even on GPU farms: each
// guess must touch 64 MiB of memory across 3 passes.
package kdf

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/warden-security/warden/lib/secret"
)

// Argon2id parameters. These are fixed per vault format version —
// changing them changes every derived key, so a new set requires a
// format version bump and a password-rotation migration.
const (
	// MemoryKiB is the memory cost: 64 MiB.
	MemoryKiB = 64 * 1024

	// Passes is the time cost (iterations over the memory region).
	Passes = 3

	// Parallelism is the number of independent lanes.
	Parallelism = 4

	// SaltSize is the size of the per-vault random salt.
	SaltSize = 16

	// KeySize is the size of the derived symmetric key.
	KeySize = 32
)

// Derive computes the 32-byte vault key from a master password and a
// 16-byte salt. Deterministic: identical inputs always produce the
// identical key. The password slice is zeroed before returning, and
// the derived key is moved into protected memory.
//
// The caller must Close the returned buffer when the key is no longer
// needed (on vault lock or process shutdown).
func Derive(password []byte, salt []byte) (*secret.Buffer, error) {
	if len(salt) != SaltSize {
		secret.Zero(password)
		return nil, fmt.Errorf("kdf: salt is %d bytes, want %d", len(salt), SaltSize)
	}

	derived := argon2.IDKey(password, salt, Passes, MemoryKiB, Parallelism, KeySize)
	secret.Zero(password)

	// NewFromBytes copies into mmap-backed memory and zeros the heap
	// slice argon2 returned.
	key, err := secret.NewFromBytes(derived)
	if err != nil {
		return nil, fmt.Errorf("kdf: protecting derived key: %w", err)
	}
	return key, nil
}

// NewSalt returns a fresh 16-byte random salt. Each vault gets its own
// salt at creation, and password rotation draws a new one, so the same
// password never derives the same key twice across vault files.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("kdf: generating salt: %w", err)
	}
	return salt, nil
}
