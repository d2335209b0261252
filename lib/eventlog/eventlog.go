// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/codec"
)

const (
	segmentPrefix = "events-"
	segmentSuffix = ".cbor"
	sealedSuffix  = ".cbor.zst"

	// DefaultMaxSegmentBytes is the rotation threshold when the
	// caller does not configure one.
	DefaultMaxSegmentBytes = 4 << 20
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("eventlog: log is closed")

// Signer signs record hashes with the device private key.
type Signer interface {
	Sign(message []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Options configures a Log.
type Options struct {
	// MaxSegmentBytes rotates the active segment once it grows past
	// this size. Zero means DefaultMaxSegmentBytes.
	MaxSegmentBytes int64

	// MaxSegmentAge rotates the active segment once its oldest record
	// reaches this age, so a quiet agent still produces bounded,
	// sealable segments. Zero disables age-based rotation.
	MaxSegmentAge time.Duration

	// Clock supplies record timestamps. Nil means the real clock.
	Clock clock.Clock
}

// Log is the append-only, hash-chained audit trail. It exclusively
// owns the chain: all appends go through it, under a single writer
// lock. Records live in numbered segment files; sealed segments are
// zstd-compressed and never touched again.
type Log struct {
	directory       string
	signer          Signer
	clock           clock.Clock
	maxSegmentBytes int64
	maxSegmentAge   time.Duration

	mu           sync.Mutex
	file         *os.File
	segmentIndex uint64
	segmentBytes int64

	// segmentStart is the timestamp of the active segment's oldest
	// record, zero while the segment is empty.
	segmentStart time.Time

	nextSequence uint64
	lastHash     []byte
	closed       bool
}

// Open opens (or initializes) the log in directory. On a fresh
// directory the chain starts at sequence 1 from the genesis seed; on
// an existing one the tail of the newest segment is replayed to resume
// the chain exactly where the previous process left it.
func Open(directory string, signer Signer, options Options) (*Log, error) {
	if options.MaxSegmentBytes <= 0 {
		options.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("eventlog: creating %s: %w", directory, err)
	}

	l := &Log{
		directory:       directory,
		signer:          signer,
		clock:           options.Clock,
		maxSegmentBytes: options.MaxSegmentBytes,
		maxSegmentAge:   options.MaxSegmentAge,
		nextSequence:    1,
		lastHash:        genesisSeed[:],
	}

	segments, err := listSegments(directory)
	if err != nil {
		return nil, err
	}

	l.segmentIndex = 1
	if len(segments) > 0 {
		// Resume: replay the newest segments until a record is
		// found. The active segment may be empty if the previous
		// process died right after a rotation.
		last := segments[len(segments)-1]
		if last.sealed {
			// Every segment is sealed; the previous process
			// never created the follow-on active segment.
			l.segmentIndex = last.index + 1
		} else {
			l.segmentIndex = last.index
		}
		for i := len(segments) - 1; i >= 0; i-- {
			first, tail, count, err := headTail(directory, segments[i])
			if err != nil {
				return nil, err
			}
			if count == 0 {
				continue
			}
			// Age-based rotation measures from the active segment's
			// oldest record; the age survives a restart.
			if !segments[i].sealed && segments[i].index == l.segmentIndex {
				l.segmentStart = time.Unix(0, first.Timestamp)
			}
			l.nextSequence = tail.Sequence + 1
			l.lastHash = tail.RecordHash
			break
		}
	}

	file, size, err := openSegment(segmentPath(directory, l.segmentIndex))
	if err != nil {
		return nil, err
	}
	l.file = file
	l.segmentBytes = size
	return l, nil
}

// Append signs and durably writes one record. The payload is encoded
// as deterministic CBOR; a nil payload is allowed. A write or sync
// failure is fatal to the append: the caller must treat the event as
// unlogged and halt the operation that produced it.
func (l *Log) Append(kind string, payload any) (*Record, error) {
	var encoded codec.RawMessage
	if payload != nil {
		data, err := codec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: encoding payload: %w", err)
		}
		encoded = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	record, err := l.appendLocked(kind, encoded)
	if err != nil {
		return nil, err
	}

	if l.segmentBytes >= l.maxSegmentBytes || l.segmentAgeExceeded() {
		if err := l.rotateLocked(); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// segmentAgeExceeded reports whether the active segment's oldest
// record has passed the age threshold. Called with l.mu held.
func (l *Log) segmentAgeExceeded() bool {
	if l.maxSegmentAge <= 0 || l.segmentStart.IsZero() {
		return false
	}
	return l.clock.Now().Sub(l.segmentStart) >= l.maxSegmentAge
}

// appendLocked builds, signs, and writes one record. Chain state
// advances only after the record is synced to disk.
func (l *Log) appendLocked(kind string, payload codec.RawMessage) (*Record, error) {
	sequence := l.nextSequence
	timestamp := l.clock.Now().UnixNano()

	hash, err := chainHash(l.lastHash, sequence, timestamp, kind, payload)
	if err != nil {
		return nil, err
	}

	record := &Record{
		Sequence:   sequence,
		Timestamp:  timestamp,
		Kind:       kind,
		Payload:    payload,
		PrevHash:   append([]byte(nil), l.lastHash...),
		RecordHash: hash,
		Signature:  l.signer.Sign(hash),
	}

	data, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encoding record: %w", err)
	}
	if _, err := l.file.Write(data); err != nil {
		return nil, fmt.Errorf("eventlog: writing record %d: %w", sequence, err)
	}
	if err := l.file.Sync(); err != nil {
		return nil, fmt.Errorf("eventlog: syncing record %d: %w", sequence, err)
	}

	l.segmentBytes += int64(len(data))
	if l.segmentStart.IsZero() {
		l.segmentStart = time.Unix(0, timestamp)
	}
	l.nextSequence = sequence + 1
	l.lastHash = record.RecordHash
	return record, nil
}

// Rotate seals the active segment and starts the next one. The sealed
// segment ends with a terminal marker record, and the new segment's
// first record will carry that marker's hash as its prev_hash, so the
// chain spans segments without a gap.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.rotateLocked()
}

type sealedMarker struct {
	Segment     uint64 `cbor:"segment"`
	NextSegment uint64 `cbor:"next_segment"`
}

func (l *Log) rotateLocked() error {
	sealed := l.segmentIndex
	marker, err := codec.Marshal(&sealedMarker{Segment: sealed, NextSegment: sealed + 1})
	if err != nil {
		return fmt.Errorf("eventlog: encoding seal marker: %w", err)
	}
	if _, err := l.appendLocked(KindSegmentSealed, marker); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("eventlog: closing segment %d: %w", sealed, err)
	}

	file, size, err := openSegment(segmentPath(l.directory, sealed+1))
	if err != nil {
		return err
	}
	l.file = file
	l.segmentBytes = size
	l.segmentIndex = sealed + 1
	l.segmentStart = time.Time{}

	// Compress the sealed segment. Records inside it are already
	// durable; compression failing leaves the plain segment in place,
	// which readers handle fine.
	if err := l.compressSegment(sealed); err != nil {
		return err
	}
	return nil
}

// compressSegment rewrites a sealed plain segment as zstd and removes
// the original.
func (l *Log) compressSegment(index uint64) error {
	plainPath := segmentPath(l.directory, index)
	source, err := os.Open(plainPath)
	if err != nil {
		return fmt.Errorf("eventlog: opening sealed segment %d: %w", index, err)
	}
	defer source.Close()

	compressedPath := sealedPath(l.directory, index)
	destination, err := os.OpenFile(compressedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("eventlog: creating %s: %w", compressedPath, err)
	}

	encoder, err := zstd.NewWriter(destination)
	if err != nil {
		destination.Close()
		return fmt.Errorf("eventlog: zstd writer: %w", err)
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		destination.Close()
		os.Remove(compressedPath)
		return fmt.Errorf("eventlog: compressing segment %d: %w", index, err)
	}
	if err := encoder.Close(); err != nil {
		destination.Close()
		os.Remove(compressedPath)
		return fmt.Errorf("eventlog: finishing segment %d: %w", index, err)
	}
	if err := destination.Sync(); err != nil {
		destination.Close()
		return fmt.Errorf("eventlog: syncing %s: %w", compressedPath, err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("eventlog: closing %s: %w", compressedPath, err)
	}
	if err := os.Remove(plainPath); err != nil {
		return fmt.Errorf("eventlog: removing %s: %w", plainPath, err)
	}
	return nil
}

// NextSequence returns the sequence number the next append will use.
func (l *Log) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSequence
}

// Close closes the active segment. Appends after Close fail with
// ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// segment identifies one on-disk segment file.
type segment struct {
	index  uint64
	sealed bool
}

// listSegments lists a log directory's segments in index order.
func listSegments(directory string) ([]segment, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("eventlog: reading %s: %w", directory, err)
	}

	var segments []segment
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		sealed := strings.HasSuffix(name, sealedSuffix)
		suffix := segmentSuffix
		if sealed {
			suffix = sealedSuffix
		} else if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		index, err := strconv.ParseUint(name[len(segmentPrefix):len(name)-len(suffix)], 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{index: index, sealed: sealed})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })
	return segments, nil
}

func segmentPath(directory string, index uint64) string {
	return filepath.Join(directory, fmt.Sprintf("%s%08d%s", segmentPrefix, index, segmentSuffix))
}

func sealedPath(directory string, index uint64) string {
	return filepath.Join(directory, fmt.Sprintf("%s%08d%s", segmentPrefix, index, sealedSuffix))
}

// headTail returns the first and last records of a segment and the
// record count.
func headTail(directory string, s segment) (*Record, *Record, int, error) {
	var first, tail *Record
	count := 0
	err := readSegment(directory, s, func(r *Record) error {
		record := *r
		if first == nil {
			first = &record
		}
		tail = &record
		count++
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return first, tail, count, nil
}

// readSegment streams every record of one segment through fn.
func readSegment(directory string, s segment, fn func(*Record) error) error {
	var path string
	if s.sealed {
		path = sealedPath(directory, s.index)
	} else {
		path = segmentPath(directory, s.index)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: opening segment %d: %w", s.index, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if s.sealed {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("eventlog: zstd reader for segment %d: %w", s.index, err)
		}
		defer decoder.Close()
		reader = decoder
	}

	stream := codec.NewDecoder(reader)
	for {
		var record Record
		if err := stream.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("eventlog: decoding segment %d: %w", s.index, err)
		}
		if err := fn(&record); err != nil {
			return err
		}
	}
}

// openSegment opens a segment file for appending, creating it if
// needed, and returns its current size.
func openSegment(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("eventlog: opening %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("eventlog: stat %s: %w", path, err)
	}
	return file, info.Size(), nil
}
