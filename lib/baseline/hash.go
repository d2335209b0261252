// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a file content hash.
const HashSize = 32

// fileDomainKey is the 32-byte BLAKE3 key for file content hashing.
// Domain separation keeps baseline hashes from ever colliding with
// event-log chain hashes computed over the same bytes. The value is
// the ASCII domain name zero-padded to 32 bytes — readable in hex
// dumps without weakening the keyed mode.
var fileDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'b', 'a', 's', 'e', 'l', 'i', 'n', 'e', '.',
	'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashFile computes the BLAKE3 keyed content hash of the file at path,
// streaming so multi-gigabyte protected files never need to fit in
// memory.
func HashFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hasher, err := blake3.NewKeyed(fileDomainKey[:])
	if err != nil {
		panic("baseline: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hasher.Sum(nil), nil
}
