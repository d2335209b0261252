// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/warden-security/warden/lib/atomicfile"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/kdf"
	"github.com/warden-security/warden/lib/secret"
)

// ErrVaultExists is returned by Create when a vault file is already
// present at the target path. Create never silently overwrites.
var ErrVaultExists = errors.New("vault: a vault already exists at this path")

// ErrInvalidCredentialsOrCorrupt is returned by Open for a wrong
// password, a truncated or tampered file, a bad header — every failure
// mode. The cases are indistinguishable to the caller: distinguishing
// them would give an attacker with disk access a password-guessing
// oracle.
var ErrInvalidCredentialsOrCorrupt = errors.New("vault: invalid credentials or corrupt vault file")

// ipcSecretSize is the size of the generated IPC shared secret.
const ipcSecretSize = 32

// Unlocked is a vault whose payload is decrypted in memory. All secret
// material (derived key, device signing key, IPC secret) lives in
// mmap-backed secret.Buffers and is zeroed by Lock.
//
// Exactly one Unlocked exists per vault file at a time; GuardCore owns
// it and serializes all mutations. Methods are additionally guarded by
// an internal mutex so a misuse cannot interleave a persist with a
// rotation.
type Unlocked struct {
	mu sync.Mutex

	path string
	salt []byte

	// key is the Argon2id-derived symmetric key currently protecting
	// the file. Retained while unlocked so settings updates and
	// rotation can re-encrypt without prompting for the password.
	key *secret.Buffer

	// signingKey is the 64-byte Ed25519 private key expanded from the
	// payload's seed.
	signingKey *secret.Buffer

	ipcSecret *secret.Buffer

	publicKey    ed25519.PublicKey
	settings     Settings
	linkedDevice *LinkedDevice
}

// Create generates a fresh device signing keypair and IPC shared
// secret, encrypts them with a key derived from password, and writes a
// new vault file at path. Fails with ErrVaultExists if a file is
// already present. The password slice is zeroed.
func Create(path string, password []byte, settings Settings) (*Unlocked, error) {
	if _, err := os.Stat(path); err == nil {
		secret.Zero(password)
		return nil, ErrVaultExists
	} else if !os.IsNotExist(err) {
		secret.Zero(password)
		return nil, fmt.Errorf("vault: checking %s: %w", path, err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		secret.Zero(password)
		return nil, fmt.Errorf("vault: generating device key seed: %w", err)
	}
	ipcSecret := make([]byte, ipcSecretSize)
	if _, err := io.ReadFull(rand.Reader, ipcSecret); err != nil {
		secret.Zero(password)
		secret.Zero(seed)
		return nil, fmt.Errorf("vault: generating IPC secret: %w", err)
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		secret.Zero(password)
		secret.Zero(seed)
		secret.Zero(ipcSecret)
		return nil, err
	}

	key, err := kdf.Derive(password, salt)
	if err != nil {
		secret.Zero(seed)
		secret.Zero(ipcSecret)
		return nil, err
	}

	payload := &Payload{
		DeviceKeySeed: seed,
		IPCSecret:     ipcSecret,
		Settings:      settings,
	}

	unlocked, err := fromPayload(path, salt, key, payload)
	// fromPayload zeroed seed and ipcSecret via the payload.
	if err != nil {
		key.Close()
		return nil, err
	}

	if err := unlocked.persist(); err != nil {
		unlocked.Lock()
		return nil, err
	}
	return unlocked, nil
}

// Open re-derives the key from the stored salt, decrypts, and verifies
// the authentication tag. Any failure — wrong password, tampered
// ciphertext, malformed header — yields ErrInvalidCredentialsOrCorrupt.
// The password slice is zeroed.
func Open(path string, password []byte) (*Unlocked, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		secret.Zero(password)
		return nil, fmt.Errorf("vault: reading %s: %w", path, err)
	}

	salt, err := parseHeader(file)
	if err != nil {
		secret.Zero(password)
		return nil, ErrInvalidCredentialsOrCorrupt
	}

	key, err := kdf.Derive(password, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := openFile(key, file)
	if err != nil {
		key.Close()
		return nil, ErrInvalidCredentialsOrCorrupt
	}

	var payload Payload
	if err := codec.Unmarshal(plaintext, &payload); err != nil {
		secret.Zero(plaintext)
		key.Close()
		return nil, ErrInvalidCredentialsOrCorrupt
	}
	secret.Zero(plaintext)

	if len(payload.DeviceKeySeed) != ed25519.SeedSize || len(payload.IPCSecret) != ipcSecretSize {
		secret.Zero(payload.DeviceKeySeed)
		secret.Zero(payload.IPCSecret)
		key.Close()
		return nil, ErrInvalidCredentialsOrCorrupt
	}

	unlocked, err := fromPayload(path, append([]byte(nil), salt...), key, &payload)
	if err != nil {
		key.Close()
		return nil, err
	}
	return unlocked, nil
}

// fromPayload builds an Unlocked from a decrypted payload, moving the
// secret fields into protected memory. The payload's seed and IPC
// secret slices are zeroed.
func fromPayload(path string, salt []byte, key *secret.Buffer, payload *Payload) (*Unlocked, error) {
	privateKey := ed25519.NewKeyFromSeed(payload.DeviceKeySeed)
	secret.Zero(payload.DeviceKeySeed)
	publicKey := append(ed25519.PublicKey(nil), privateKey.Public().(ed25519.PublicKey)...)

	signingKey, err := secret.NewFromBytes(privateKey)
	if err != nil {
		return nil, fmt.Errorf("vault: protecting signing key: %w", err)
	}

	ipcSecret, err := secret.NewFromBytes(payload.IPCSecret)
	if err != nil {
		signingKey.Close()
		return nil, fmt.Errorf("vault: protecting IPC secret: %w", err)
	}

	return &Unlocked{
		path:         path,
		salt:         salt,
		key:          key,
		signingKey:   signingKey,
		ipcSecret:    ipcSecret,
		publicKey:    publicKey,
		settings:     payload.Settings,
		linkedDevice: payload.LinkedDevice,
	}, nil
}

// persist re-encrypts the current payload and atomically replaces the
// vault file. A fresh nonce is drawn inside sealFile on every call.
// Must be called with u.mu held or during construction.
func (u *Unlocked) persist() error {
	payload := &Payload{
		DeviceKeySeed: append([]byte(nil), u.signingKey.Bytes()[:ed25519.SeedSize]...),
		IPCSecret:     append([]byte(nil), u.ipcSecret.Bytes()...),
		Settings:      u.settings,
		LinkedDevice:  u.linkedDevice,
	}

	plaintext, err := codec.Marshal(payload)
	secret.Zero(payload.DeviceKeySeed)
	secret.Zero(payload.IPCSecret)
	if err != nil {
		return fmt.Errorf("vault: encoding payload: %w", err)
	}

	file, err := sealFile(u.key, u.salt, plaintext)
	secret.Zero(plaintext)
	if err != nil {
		return err
	}

	if err := atomicfile.WriteFile(u.path, file, 0o600); err != nil {
		return fmt.Errorf("vault: writing %s: %w", u.path, err)
	}
	return nil
}

// Sign signs message with the device private key.
func (u *Unlocked) Sign(message []byte) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return ed25519.Sign(ed25519.PrivateKey(u.signingKey.Bytes()), message)
}

// PublicKey returns the device public key. Safe to publish.
func (u *Unlocked) PublicKey() ed25519.PublicKey {
	return u.publicKey
}

// IPCSecret returns the IPC shared secret buffer. The buffer is
// borrowed — the vault retains ownership and zeroes it on Lock.
func (u *Unlocked) IPCSecret() *secret.Buffer {
	return u.ipcSecret
}

// Settings returns a copy of the current settings.
func (u *Unlocked) Settings() Settings {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Settings{
		ProtectedPaths:      append([]string(nil), u.settings.ProtectedPaths...),
		ScanIntervalSeconds: u.settings.ScanIntervalSeconds,
	}
}

// UpdateSettings replaces the stored settings and persists the vault.
// On persist failure the in-memory settings are rolled back so memory
// and disk never disagree.
func (u *Unlocked) UpdateSettings(settings Settings) error {
	if len(settings.ProtectedPaths) == 0 {
		return fmt.Errorf("vault: protected path set must not be empty")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	previous := u.settings
	u.settings = settings
	if err := u.persist(); err != nil {
		u.settings = previous
		return err
	}
	return nil
}

// LinkedDevice returns the linked device record, or nil.
func (u *Unlocked) LinkedDevice() *LinkedDevice {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.linkedDevice == nil {
		return nil
	}
	linked := *u.linkedDevice
	return &linked
}

// SetLinkedDevice records a linked recovery device and persists the
// vault. Rolls back on persist failure.
func (u *Unlocked) SetLinkedDevice(device LinkedDevice) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	previous := u.linkedDevice
	u.linkedDevice = &device
	if err := u.persist(); err != nil {
		u.linkedDevice = previous
		return err
	}
	return nil
}

// PayloadBytes returns the deterministic CBOR encoding of the current
// payload, for sealed export to a linked device. The returned slice
// contains secret material — the caller must zero it as soon as the
// export is sealed.
func (u *Unlocked) PayloadBytes() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	payload := &Payload{
		DeviceKeySeed: append([]byte(nil), u.signingKey.Bytes()[:ed25519.SeedSize]...),
		IPCSecret:     append([]byte(nil), u.ipcSecret.Bytes()...),
		Settings:      u.settings,
		LinkedDevice:  u.linkedDevice,
	}
	encoded, err := codec.Marshal(payload)
	secret.Zero(payload.DeviceKeySeed)
	secret.Zero(payload.IPCSecret)
	if err != nil {
		return nil, fmt.Errorf("vault: encoding payload for export: %w", err)
	}
	return encoded, nil
}

// RotatePassword re-derives with a fresh salt from the new password,
// re-encrypts the same payload, and atomically replaces the file. If
// any step fails the original file and the in-memory key are
// untouched. Both password slices are zeroed.
func (u *Unlocked) RotatePassword(oldPassword, newPassword []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	// Verify the old password by re-deriving against the current salt
	// and comparing to the live key in constant time.
	oldKey, err := kdf.Derive(oldPassword, u.salt)
	if err != nil {
		secret.Zero(newPassword)
		return err
	}
	matches := u.key.Equal(oldKey.Bytes())
	oldKey.Close()
	if !matches {
		secret.Zero(newPassword)
		return ErrInvalidCredentialsOrCorrupt
	}

	newSalt, err := kdf.NewSalt()
	if err != nil {
		secret.Zero(newPassword)
		return err
	}
	newKey, err := kdf.Derive(newPassword, newSalt)
	if err != nil {
		return err
	}

	// Swap in the new key material, attempt the write, and roll back
	// on failure so the in-memory state always matches the file that
	// is actually on disk.
	previousKey, previousSalt := u.key, u.salt
	u.key, u.salt = newKey, newSalt
	if err := u.persist(); err != nil {
		u.key, u.salt = previousKey, previousSalt
		newKey.Close()
		return err
	}
	previousKey.Close()
	return nil
}

// Lock zeroes all in-memory secret material. Subsequent use of the
// vault requires Open again; subsequent access to the closed buffers
// panics.
func (u *Unlocked) Lock() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.key.Close()
	u.signingKey.Close()
	u.ipcSecret.Close()
}
