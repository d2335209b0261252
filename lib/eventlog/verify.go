// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"crypto/ed25519"
	"fmt"
)

// BrokenError reports the first record at which the chain fails to
// verify. Every record after that point is untrusted as well: its
// prev_hash descends from the broken link.
type BrokenError struct {
	Sequence uint64
	Reason   string
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("eventlog: chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// Verify recomputes every record's chain hash and signature up to
// sequence `to` (zero means the whole log) and confirms linkage,
// including across segment boundaries. Returns nil if the chain is
// intact, or a *BrokenError naming the first bad sequence.
//
// There is no way to start later than genesis: the validity of any
// record depends transitively on every record before it, so a break
// anywhere before `to` is always reported.
func (l *Log) Verify(ctx context.Context, publicKey ed25519.PublicKey, to uint64) error {
	// Holding the writer lock keeps the active segment's tail stable
	// while it is decoded.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	segments, err := listSegments(l.directory)
	if err != nil {
		return err
	}

	prevHash := genesisSeed[:]
	expected := uint64(1)

	for _, s := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := readSegment(l.directory, s, func(r *Record) error {
			if r.Sequence != expected {
				return &BrokenError{Sequence: expected, Reason: fmt.Sprintf("expected sequence %d, found %d", expected, r.Sequence)}
			}
			if !verifyRecord(r, prevHash, publicKey) {
				return &BrokenError{Sequence: r.Sequence, Reason: "hash or signature mismatch"}
			}
			prevHash = r.RecordHash
			expected = r.Sequence + 1
			return nil
		})
		if err != nil {
			return err
		}
		if to != 0 && expected > to {
			return nil
		}
	}
	return nil
}
