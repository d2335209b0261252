// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"crypto/ed25519"
	"sync"

	"github.com/warden-security/warden/lib/vault"
)

// deviceSigner fronts the unlocked vault's signing operation behind
// its own mutex, so audit appends and baseline builds can sign without
// touching the guard's state lock. The guard installs the vault handle
// at unlock and detaches it during Lock — after the final signed event
// and after any in-flight scan has drained, but before the vault's key
// material is zeroed.
type deviceSigner struct {
	mu       sync.Mutex
	unlocked *vault.Unlocked
	public   ed25519.PublicKey
}

func (s *deviceSigner) attach(unlocked *vault.Unlocked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = unlocked
	s.public = unlocked.PublicKey()
}

// detach disconnects the vault handle. Signing afterwards is a bug in
// the guard's ordering, not a recoverable condition.
func (s *deviceSigner) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = nil
}

func (s *deviceSigner) Sign(message []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlocked == nil {
		panic("guard: signing attempted while vault is locked")
	}
	return s.unlocked.Sign(message)
}

// PublicKey returns the device verification key. Public material, kept
// available across lock cycles.
func (s *deviceSigner) PublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public
}
