// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault implements the encrypted-at-rest credential container:
// the only place the device signing key, the IPC shared secret, and
// the runtime settings persist.
//
// The file format is a fixed positional layout (7-byte magic, version,
// 16-byte Argon2id salt, 24-byte nonce, XChaCha20-Poly1305 ciphertext
// and tag). Ciphertext is never read without a valid authentication
// tag, and every write draws a fresh nonce and replaces the file
// atomically. A wrong password and a corrupted file produce the same
// error on purpose — no password-guessing oracle.
package vault
