// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/warden-security/warden/lib/atomicfile"
	"github.com/warden-security/warden/lib/codec"
)

// Entry records the expected state of one protected file.
type Entry struct {
	// Path is the absolute file path.
	Path string `cbor:"path"`

	// ContentHash is the BLAKE3 keyed hash of the file content.
	ContentHash []byte `cbor:"content_hash"`

	// Size is the file size in bytes.
	Size int64 `cbor:"size"`

	// Mode is the Unix permission bits.
	Mode uint32 `cbor:"mode"`

	// ModTime is the modification time as Unix nanoseconds. Carried
	// for forensics; verification compares content hashes, not
	// timestamps (mtime is trivially forgeable).
	ModTime int64 `cbor:"mtime"`
}

// Baseline is a signed snapshot of the protected file set. The
// signature covers the deterministic CBOR encoding of every field
// except the signature itself, so a single-byte change anywhere —
// an entry, the timestamp, the signer key — invalidates it.
type Baseline struct {
	// Entries is sorted by Path. Sorting is part of the canonical
	// form: the signature would not be reproducible otherwise.
	Entries []Entry `cbor:"entries"`

	// CreatedAt is a Unix timestamp (seconds) of when the snapshot
	// was taken.
	CreatedAt int64 `cbor:"created_at"`

	// SignerPublicKey is the Ed25519 public half of the device key
	// that signed this baseline.
	SignerPublicKey []byte `cbor:"signer_pubkey"`

	// Signature is the Ed25519 signature over the canonical encoding.
	Signature []byte `cbor:"signature,omitempty"`
}

// Signer signs canonical baseline bytes with the device private key.
// The vault's unlocked handle satisfies this; the private key itself
// never reaches this package.
type Signer interface {
	Sign(message []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Build walks the protected path set, hashes every regular file, and
// returns a signed baseline. Directories are walked recursively;
// entries are sorted by path for canonical serialization.
//
// Build honors ctx between files so a large scan can be preempted by a
// Lock command. A missing protected path is an error at build time —
// the operator just asked to protect it.
func Build(ctx context.Context, protectedPaths []string, signer Signer, now time.Time) (*Baseline, error) {
	if len(protectedPaths) == 0 {
		return nil, fmt.Errorf("baseline: protected path set is empty")
	}

	files, err := collectFiles(protectedPaths)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := hashEntry(path)
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		entries = append(entries, entry)
	}

	b := &Baseline{
		Entries:         entries,
		CreatedAt:       now.Unix(),
		SignerPublicKey: append([]byte(nil), signer.PublicKey()...),
	}

	canonical, err := b.canonicalBytes()
	if err != nil {
		return nil, err
	}
	b.Signature = signer.Sign(canonical)
	return b, nil
}

// hashEntry stats and hashes a single file.
func hashEntry(path string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	hash, err := HashFile(path)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Path:        path,
		ContentHash: hash,
		Size:        info.Size(),
		Mode:        uint32(info.Mode().Perm()),
		ModTime:     info.ModTime().UnixNano(),
	}, nil
}

// collectFiles expands the protected path set into a sorted list of
// regular files. Each configured path may be a single file or a
// directory walked recursively.
func collectFiles(protectedPaths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	for _, root := range protectedPaths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("baseline: protected path %s: %w", root, err)
		}

		if !info.IsDir() {
			if _, duplicate := seen[root]; !duplicate {
				seen[root] = struct{}{}
				files = append(files, root)
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if _, duplicate := seen[path]; !duplicate {
				seen[path] = struct{}{}
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("baseline: walking %s: %w", root, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// canonicalBytes returns the deterministic CBOR encoding with the
// signature field absent. This is the exact byte sequence that is
// signed and verified.
func (b *Baseline) canonicalBytes() ([]byte, error) {
	unsigned := Baseline{
		Entries:         b.Entries,
		CreatedAt:       b.CreatedAt,
		SignerPublicKey: b.SignerPublicKey,
	}
	canonical, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("baseline: encoding canonical form: %w", err)
	}
	return canonical, nil
}

// Entry returns the entry for path, or nil if the path is not covered
// by this baseline.
func (b *Baseline) Entry(path string) *Entry {
	index := sort.Search(len(b.Entries), func(i int) bool {
		return b.Entries[i].Path >= path
	})
	if index < len(b.Entries) && b.Entries[index].Path == path {
		return &b.Entries[index]
	}
	return nil
}

// Store atomically writes the baseline to path as CBOR. The previous
// baseline file, if any, remains intact until the rename — there is no
// window where neither baseline is on disk.
func (b *Baseline) Store(path string) error {
	data, err := codec.Marshal(b)
	if err != nil {
		return fmt.Errorf("baseline: encoding: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("baseline: writing %s: %w", path, err)
	}
	return nil
}

// Load reads a baseline file written by Store. The signature is not
// checked here — callers follow Load with Verify.
func Load(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("baseline: reading %s: %w", path, err)
	}
	var b Baseline
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("baseline: decoding %s: %w", path, err)
	}
	return &b, nil
}
