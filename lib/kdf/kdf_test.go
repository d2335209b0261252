// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kdf

import (
	"bytes"
	"testing"
)

func TestDerive_Deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0xAB}, SaltSize)

	first, err := Derive([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	defer first.Close()

	second, err := Derive([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	defer second.Close()

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("identical password and salt derived different keys")
	}
	if first.Len() != KeySize {
		t.Errorf("derived key is %d bytes, want %d", first.Len(), KeySize)
	}
}

func TestDerive_SaltChangesKey(t *testing.T) {
	saltA := bytes.Repeat([]byte{0x01}, SaltSize)
	saltB := bytes.Repeat([]byte{0x02}, SaltSize)

	keyA, err := Derive([]byte("same-password"), saltA)
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	defer keyA.Close()

	keyB, err := Derive([]byte("same-password"), saltB)
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	defer keyB.Close()

	if bytes.Equal(keyA.Bytes(), keyB.Bytes()) {
		t.Error("different salts derived the same key")
	}
}

func TestDerive_ZerosPassword(t *testing.T) {
	password := []byte("wipe-me")
	salt := bytes.Repeat([]byte{0x00}, SaltSize)

	key, err := Derive(password, salt)
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	defer key.Close()

	for i, b := range password {
		if b != 0 {
			t.Fatalf("password[%d] = %d after Derive, want 0", i, b)
		}
	}
}

func TestDerive_BadSaltSize(t *testing.T) {
	if _, err := Derive([]byte("pw"), []byte("short")); err == nil {
		t.Error("Derive() with short salt should return error")
	}
}

func TestNewSalt_Unique(t *testing.T) {
	first, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error: %v", err)
	}
	second, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error: %v", err)
	}
	if len(first) != SaltSize {
		t.Errorf("salt is %d bytes, want %d", len(first), SaltSize)
	}
	if bytes.Equal(first, second) {
		t.Error("two generated salts are identical")
	}
}
