// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"io/fs"
)

// ErrStop is returned by a Read callback to end iteration early
// without reporting an error.
var ErrStop = errors.New("eventlog: stop iteration")

// Filter selects records for Read. Zero values leave a dimension
// unconstrained.
type Filter struct {
	// Kinds restricts results to these event kinds.
	Kinds []string

	// Since and Until bound Timestamp (Unix nanoseconds, inclusive).
	Since int64
	Until int64

	// FromSequence and ToSequence bound Sequence (inclusive).
	FromSequence uint64
	ToSequence   uint64
}

func (f *Filter) matches(r *Record) bool {
	if f.FromSequence != 0 && r.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence != 0 && r.Sequence > f.ToSequence {
		return false
	}
	if f.Since != 0 && r.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && r.Timestamp > f.Until {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, kind := range f.Kinds {
			if r.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// scanRecords streams matching records of every segment through fn in
// sequence order without loading whole segments into memory.
func scanRecords(ctx context.Context, directory string, filter Filter, fn func(*Record) error) error {
	segments, err := listSegments(directory)
	if err != nil {
		return err
	}

	for _, s := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := readSegment(directory, s, func(r *Record) error {
			if filter.ToSequence != 0 && r.Sequence > filter.ToSequence {
				return ErrStop
			}
			if !filter.matches(r) {
				return nil
			}
			return fn(r)
		})
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Read streams matching records through fn in sequence order. Read
// never mutates the chain. fn may return ErrStop to end early.
func (l *Log) Read(ctx context.Context, filter Filter, fn func(*Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return scanRecords(ctx, l.directory, filter, fn)
}

// Records collects matching records into a slice. Convenience wrapper
// over Read for IPC responses, which are bounded by the filter.
func (l *Log) Records(ctx context.Context, filter Filter) ([]Record, error) {
	var records []Record
	err := l.Read(ctx, filter, func(r *Record) error {
		records = append(records, *r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Reader provides read-only access to a log directory. No signing key
// is needed: the chain requires the device key only to grow, never to
// be read. A missing directory reads as an empty log.
//
// A Reader takes no lock, so it must not be used on a directory that a
// Log in the same process is appending to; it serves records persisted
// by previous runs before the log is first opened.
type Reader struct {
	directory string
}

// NewReader returns a Reader over directory.
func NewReader(directory string) *Reader {
	return &Reader{directory: directory}
}

// Read streams matching records through fn in sequence order. fn may
// return ErrStop to end early.
func (r *Reader) Read(ctx context.Context, filter Filter, fn func(*Record) error) error {
	err := scanRecords(ctx, r.directory, filter, fn)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Records collects matching records into a slice.
func (r *Reader) Records(ctx context.Context, filter Filter) ([]Record, error) {
	var records []Record
	err := r.Read(ctx, filter, func(rec *Record) error {
		records = append(records, *rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
