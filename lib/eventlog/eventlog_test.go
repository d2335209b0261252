// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/codec"
)

type testSigner struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return &testSigner{private: private, public: public}
}

func (s *testSigner) Sign(message []byte) []byte   { return ed25519.Sign(s.private, message) }
func (s *testSigner) PublicKey() ed25519.PublicKey { return s.public }

func openTestLog(t *testing.T, directory string, signer *testSigner, maxSegmentBytes int64) *Log {
	t.Helper()
	log, err := Open(directory, signer, Options{
		MaxSegmentBytes: maxSegmentBytes,
		Clock:           clock.Fake(time.Unix(1700000000, 0)),
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

type scanPayload struct {
	Path string `cbor:"path"`
}

func TestAppendAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	log := openTestLog(t, t.TempDir(), signer, 0)

	for i := 0; i < 10; i++ {
		record, err := log.Append(KindScanCompleted, &scanPayload{Path: "/etc/warden"})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if record.Sequence != uint64(i+1) {
			t.Errorf("record %d has sequence %d, want %d", i, record.Sequence, i+1)
		}
	}

	if err := log.Verify(context.Background(), signer.PublicKey(), 0); err != nil {
		t.Errorf("Verify() over intact chain: %v", err)
	}
	if got := log.NextSequence(); got != 11 {
		t.Errorf("NextSequence() = %d, want 11", got)
	}
}

func TestGenesisLinkage(t *testing.T) {
	signer := newTestSigner(t)
	log := openTestLog(t, t.TempDir(), signer, 0)

	record, err := log.Append(KindServiceStarted, nil)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if string(record.PrevHash) != string(genesisSeed[:]) {
		t.Error("first record's prev_hash is not the genesis seed")
	}
}

// rewriteActiveSegment decodes every record of the log's single plain
// segment, applies mutate, and writes the records back.
func rewriteActiveSegment(t *testing.T, directory string, mutate func([]Record)) {
	t.Helper()
	path := filepath.Join(directory, "events-00000001.cbor")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var records []Record
	decoder := codec.NewDecoder(bytes.NewReader(data))
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			break
		}
		records = append(records, record)
	}

	mutate(records)

	var out []byte
	for i := range records {
		encoded, err := codec.Marshal(&records[i])
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}
		out = append(out, encoded...)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
}

func TestVerify_MutatedPayloadBreaksAtK(t *testing.T) {
	signer := newTestSigner(t)
	directory := t.TempDir()
	log := openTestLog(t, directory, signer, 0)

	for i := 0; i < 8; i++ {
		if _, err := log.Append(KindScanCompleted, &scanPayload{Path: "/etc"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	log.Close()

	// Tamper with record 5's payload bytes.
	rewriteActiveSegment(t, directory, func(records []Record) {
		records[4].Payload[len(records[4].Payload)-1] ^= 0x01
	})

	reopened, err := Open(directory, signer, Options{Clock: clock.Fake(time.Unix(1700000000, 0))})
	if err != nil {
		t.Fatalf("Open() after tamper error: %v", err)
	}
	defer reopened.Close()

	err = reopened.Verify(context.Background(), signer.PublicKey(), 0)
	var broken *BrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("Verify(tampered) = %v, want *BrokenError", err)
	}
	if broken.Sequence != 5 {
		t.Errorf("broken at sequence %d, want 5", broken.Sequence)
	}
}

func TestVerify_RecomputedHashStillFailsSignature(t *testing.T) {
	// An attacker who rewrites a record AND fixes up its chain hash
	// still cannot sign it without the device private key.
	signer := newTestSigner(t)
	directory := t.TempDir()
	log := openTestLog(t, directory, signer, 0)

	for i := 0; i < 4; i++ {
		if _, err := log.Append(KindScanCompleted, &scanPayload{Path: "/etc"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	log.Close()

	rewriteActiveSegment(t, directory, func(records []Record) {
		target := &records[1]
		target.Kind = KindScanFailed
		hash, err := chainHash(target.PrevHash, target.Sequence, target.Timestamp, target.Kind, target.Payload)
		if err != nil {
			t.Fatalf("chainHash() error: %v", err)
		}
		target.RecordHash = hash
		// Signature left as-is: the attacker has no signing key.
	})

	reopened, err := Open(directory, signer, Options{Clock: clock.Fake(time.Unix(1700000000, 0))})
	if err != nil {
		t.Fatalf("Open() after tamper error: %v", err)
	}
	defer reopened.Close()

	err = reopened.Verify(context.Background(), signer.PublicKey(), 0)
	var broken *BrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("Verify(tampered) = %v, want *BrokenError", err)
	}
	if broken.Sequence != 2 {
		t.Errorf("broken at sequence %d, want 2", broken.Sequence)
	}
}

func TestRotation_ChainSpansSegments(t *testing.T) {
	signer := newTestSigner(t)
	directory := t.TempDir()
	// Tiny threshold so every append rotates.
	log := openTestLog(t, directory, signer, 64)

	for i := 0; i < 5; i++ {
		if _, err := log.Append(KindScanCompleted, &scanPayload{Path: "/etc/warden/config"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	// Sealed segments must be compressed and their plain files gone.
	if _, err := os.Stat(filepath.Join(directory, "events-00000001.cbor.zst")); err != nil {
		t.Errorf("sealed segment 1 not compressed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(directory, "events-00000001.cbor")); !os.IsNotExist(err) {
		t.Error("plain file for sealed segment 1 still present")
	}

	if err := log.Verify(context.Background(), signer.PublicKey(), 0); err != nil {
		t.Errorf("Verify() across segments: %v", err)
	}

	// Each rotation appends a terminal marker record.
	sealed, err := log.Records(context.Background(), Filter{Kinds: []string{KindSegmentSealed}})
	if err != nil {
		t.Fatalf("Records() error: %v", err)
	}
	if len(sealed) == 0 {
		t.Error("no segment_sealed marker records found after rotation")
	}
}

func TestReopen_ResumesChain(t *testing.T) {
	signer := newTestSigner(t)
	directory := t.TempDir()

	log := openTestLog(t, directory, signer, 0)
	for i := 0; i < 3; i++ {
		if _, err := log.Append(KindVaultUnlocked, nil); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	log.Close()

	reopened, err := Open(directory, signer, Options{Clock: clock.Fake(time.Unix(1700000100, 0))})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer reopened.Close()

	record, err := reopened.Append(KindVaultLocked, nil)
	if err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}
	if record.Sequence != 4 {
		t.Errorf("sequence after reopen = %d, want 4", record.Sequence)
	}
	if err := reopened.Verify(context.Background(), signer.PublicKey(), 0); err != nil {
		t.Errorf("Verify() after reopen: %v", err)
	}
}

func TestRead_Filters(t *testing.T) {
	signer := newTestSigner(t)
	log := openTestLog(t, t.TempDir(), signer, 0)

	kinds := []string{KindScanStarted, KindScanCompleted, KindAuthFailure, KindScanStarted, KindScanCompleted}
	for _, kind := range kinds {
		if _, err := log.Append(kind, nil); err != nil {
			t.Fatalf("Append(%s) error: %v", kind, err)
		}
	}

	scans, err := log.Records(context.Background(), Filter{Kinds: []string{KindScanCompleted}})
	if err != nil {
		t.Fatalf("Records() error: %v", err)
	}
	if len(scans) != 2 {
		t.Errorf("kind filter returned %d records, want 2", len(scans))
	}

	ranged, err := log.Records(context.Background(), Filter{FromSequence: 2, ToSequence: 4})
	if err != nil {
		t.Fatalf("Records() error: %v", err)
	}
	if len(ranged) != 3 {
		t.Fatalf("sequence filter returned %d records, want 3", len(ranged))
	}
	for i, record := range ranged {
		if record.Sequence != uint64(i+2) {
			t.Errorf("ranged[%d].Sequence = %d, want %d", i, record.Sequence, i+2)
		}
	}
}

func TestRead_EarlyStop(t *testing.T) {
	signer := newTestSigner(t)
	log := openTestLog(t, t.TempDir(), signer, 0)

	for i := 0; i < 5; i++ {
		if _, err := log.Append(KindScanCompleted, nil); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	seen := 0
	err := log.Read(context.Background(), Filter{}, func(r *Record) error {
		seen++
		if seen == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if seen != 2 {
		t.Errorf("callback ran %d times, want 2", seen)
	}
}

func TestClosedLog(t *testing.T) {
	signer := newTestSigner(t)
	log := openTestLog(t, t.TempDir(), signer, 0)
	log.Close()

	if _, err := log.Append(KindVaultLocked, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() on closed log = %v, want ErrClosed", err)
	}
	if err := log.Verify(context.Background(), signer.PublicKey(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Verify() on closed log = %v, want ErrClosed", err)
	}
}

func TestRotation_SegmentAge(t *testing.T) {
	signer := newTestSigner(t)
	directory := t.TempDir()
	clk := clock.Fake(time.Unix(1700000000, 0))
	log, err := Open(directory, signer, Options{
		MaxSegmentAge: time.Hour,
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	if _, err := log.Append(KindVaultUnlocked, nil); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(directory, "events-00000001.cbor.zst")); !os.IsNotExist(err) {
		t.Fatal("segment sealed before the age threshold")
	}

	clk.Advance(2 * time.Hour)
	if _, err := log.Append(KindVaultLocked, nil); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(directory, "events-00000001.cbor.zst")); err != nil {
		t.Errorf("aged segment not sealed: %v", err)
	}
	if err := log.Verify(context.Background(), signer.PublicKey(), 0); err != nil {
		t.Errorf("Verify() after age rotation: %v", err)
	}
}

func TestReader_ReadsWithoutSigner(t *testing.T) {
	signer := newTestSigner(t)
	directory := t.TempDir()

	// Tiny threshold so the records span sealed and active segments.
	log := openTestLog(t, directory, signer, 64)
	for i := 0; i < 5; i++ {
		if _, err := log.Append(KindScanCompleted, &scanPayload{Path: "/etc/warden/config"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	log.Close()

	records, err := NewReader(directory).Records(context.Background(), Filter{
		Kinds: []string{KindScanCompleted},
	})
	if err != nil {
		t.Fatalf("Records() error: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("Records() returned %d records, want 5", len(records))
	}
}

func TestReader_MissingDirectory(t *testing.T) {
	records, err := NewReader(filepath.Join(t.TempDir(), "absent")).Records(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Records() on a missing directory: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Records() returned %d records, want none", len(records))
	}
}
