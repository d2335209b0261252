// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package baseline

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"sort"
)

// ErrBadSignature is returned by Verify when the baseline's Ed25519
// signature does not verify. A baseline with a bad signature carries
// no trust at all — its per-file results are never reported.
var ErrBadSignature = errors.New("baseline: signature verification failed")

// PathStatus is the verification outcome for a single path.
type PathStatus int

const (
	// StatusUnchanged means the file matches its baseline entry.
	StatusUnchanged PathStatus = iota

	// StatusChanged means the file exists but its content hash
	// diverges from the baseline.
	StatusChanged

	// StatusMissing means the baseline covers the file but it no
	// longer exists.
	StatusMissing

	// StatusAdded means the file exists under a protected path but
	// the baseline does not cover it.
	StatusAdded
)

// String returns the wire/log name of the status.
func (s PathStatus) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusChanged:
		return "changed"
	case StatusMissing:
		return "missing"
	case StatusAdded:
		return "added"
	default:
		return "unknown"
	}
}

// Report is the result of verifying a baseline against the current
// filesystem state. The three divergence classes are kept separate so
// consumers can alert appropriately: a changed binary and a new
// untracked file are different incidents.
type Report struct {
	Changed []string
	Missing []string
	Added   []string
}

// Valid reports whether no divergence was found.
func (r *Report) Valid() bool {
	return len(r.Changed) == 0 && len(r.Missing) == 0 && len(r.Added) == 0
}

// Verify checks the baseline signature, then recomputes every entry's
// content hash and compares the current file set under protectedPaths
// against the entry set.
//
// The signature is checked first: per-file results from an unsigned or
// tampered baseline would be attacker-controlled. Signature failure is
// returned as ErrBadSignature with a nil report.
func Verify(ctx context.Context, b *Baseline, publicKey ed25519.PublicKey, protectedPaths []string) (*Report, error) {
	canonical, err := b.canonicalBytes()
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(publicKey, canonical, b.Signature) {
		return nil, ErrBadSignature
	}

	report := &Report{}

	for i := range b.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := &b.Entries[i]
		switch status, err := checkEntry(entry); {
		case err != nil:
			return nil, err
		case status == StatusChanged:
			report.Changed = append(report.Changed, entry.Path)
		case status == StatusMissing:
			report.Missing = append(report.Missing, entry.Path)
		}
	}

	// Files present under the protected paths but absent from the
	// baseline are "added" — reported separately, never conflated
	// with "changed".
	current, err := collectFiles(protectedPaths)
	if err != nil {
		return nil, err
	}
	for _, path := range current {
		if b.Entry(path) == nil {
			report.Added = append(report.Added, path)
		}
	}

	sort.Strings(report.Changed)
	sort.Strings(report.Missing)
	sort.Strings(report.Added)
	return report, nil
}

// CheckPath verifies a single path against the baseline. Used by the
// watcher fast path: one file changed, so only that file is re-hashed.
func (b *Baseline) CheckPath(path string) (PathStatus, error) {
	entry := b.Entry(path)
	if entry == nil {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				// Untracked and gone: nothing to report.
				return StatusUnchanged, nil
			}
			return StatusUnchanged, err
		}
		return StatusAdded, nil
	}
	return checkEntry(entry)
}

// checkEntry recomputes one entry's hash. I/O errors other than
// not-exist are surfaced — a file the agent cannot read is not a file
// it can vouch for.
func checkEntry(entry *Entry) (PathStatus, error) {
	hash, err := HashFile(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusMissing, nil
		}
		return StatusUnchanged, err
	}
	if !bytes.Equal(hash, entry.ContentHash) {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}
