// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/warden-security/warden/lib/kdf"
	"github.com/warden-security/warden/lib/secret"
)

// On-disk layout, positionally fixed:
//
//	[Magic: 7 bytes "WGUARD1"] [Version: 1 byte] [Salt: 16 bytes]
//	[Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The trailing 16 bytes of the AEAD output are the Poly1305
// authentication tag. Magic and version are additional authenticated
// data, so tampering with either fails decryption rather than being
// silently accepted.

// Magic identifies a Warden vault file. Exactly 7 bytes.
var Magic = [7]byte{'W', 'G', 'U', 'A', 'R', 'D', '1'}

// Version is the current vault format version. A version bump means
// the payload schema or the KDF parameters changed.
const Version byte = 0x02

// headerSize is magic + version + salt + nonce.
const headerSize = 7 + 1 + kdf.SaltSize + chacha20poly1305.NonceSizeX

// minFileSize is the smallest well-formed vault file: a full header
// plus the 16-byte tag of an empty ciphertext.
const minFileSize = headerSize + chacha20poly1305.Overhead

// sealFile encrypts plaintext under key with a fresh random nonce and
// returns the complete file image. A new nonce is drawn on every call
// — this function is the only encryption path, so nonce reuse under a
// given key cannot happen structurally.
func sealFile(key *secret.Buffer, salt []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	file := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	copy(file[0:7], Magic[:])
	file[7] = Version
	copy(file[8:8+kdf.SaltSize], salt)
	copy(file[8+kdf.SaltSize:], nonce[:])

	// AAD is the magic and version bytes: the first 8 bytes of the file.
	return aead.Seal(file, nonce[:], plaintext, file[0:8]), nil
}

// openFile authenticates and decrypts a vault file image with key,
// returning the plaintext payload bytes. Callers map any error to
// ErrInvalidCredentialsOrCorrupt; the reasons are deliberately not
// distinguishable.
func openFile(key *secret.Buffer, file []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := file[8+kdf.SaltSize : headerSize]
	ciphertext := file[headerSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, file[0:8])
	if err != nil {
		return nil, fmt.Errorf("vault: AEAD authentication failed: %w", err)
	}
	return plaintext, nil
}

// parseHeader validates the fixed portion of a vault file and returns
// the salt. Fails on short files, wrong magic, or unknown version.
func parseHeader(file []byte) (salt []byte, err error) {
	if len(file) < minFileSize {
		return nil, fmt.Errorf("vault: file is %d bytes, minimum is %d", len(file), minFileSize)
	}
	for i := range Magic {
		if file[i] != Magic[i] {
			return nil, fmt.Errorf("vault: bad magic")
		}
	}
	if file[7] != Version {
		return nil, fmt.Errorf("vault: unsupported version %d", file[7])
	}
	return file[8 : 8+kdf.SaltSize], nil
}
