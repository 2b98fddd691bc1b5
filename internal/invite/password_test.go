// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rchat-net/rchat/internal/crypto"
)

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		password, err := GeneratePassword()
		if err != nil {
			t.Fatalf("generating: %v", err)
		}
		if len(password) != PasswordLength {
			t.Fatalf("length = %d, want %d", len(password), PasswordLength)
		}
		for _, c := range password {
			if !strings.ContainsRune(passwordPool, c) {
				t.Fatalf("character %q outside pool", c)
			}
		}
		if seen[password] {
			t.Fatalf("password %q repeated", password)
		}
		seen[password] = true
	}
}

func TestHarvestKey(t *testing.T) {
	password := "ABCD1234EFGH56"

	first, err := HarvestKey(password, "alice", "bob")
	if err != nil {
		t.Fatalf("harvesting: %v", err)
	}
	if len(first) != PasswordLength+len(passwordChunks) {
		t.Errorf("length = %d, want %d", len(first), PasswordLength+len(passwordChunks))
	}

	again, err := HarvestKey(password, "alice", "bob")
	if err != nil {
		t.Fatalf("harvesting again: %v", err)
	}
	if first != again {
		t.Error("harvest is not deterministic")
	}

	swapped, err := HarvestKey(password, "bob", "alice")
	if err != nil {
		t.Fatalf("harvesting swapped: %v", err)
	}
	if first == swapped {
		t.Error("swapping roles produced the same key")
	}

	// The password characters survive in order; only digest
	// characters are interleaved.
	stripped := first[0:4] + first[5:8] + first[9:13] + first[14:17]
	if stripped != password {
		t.Errorf("stripped harvest = %q, want %q", stripped, password)
	}
}

func TestHarvestKeyRejectsWrongLength(t *testing.T) {
	for _, password := range []string{"", "short", strings.Repeat("A", 15)} {
		if _, err := HarvestKey(password, "alice", "bob"); err == nil {
			t.Errorf("password %q accepted", password)
		}
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	harvested, err := HarvestKey("ABCD1234EFGH56", "alice", "bob")
	if err != nil {
		t.Fatalf("harvesting: %v", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	key, err := DeriveKey(harvested, salt)
	if err != nil {
		t.Fatalf("deriving: %v", err)
	}

	plaintext := []byte("sealed card")
	box, err := seal(key, plaintext)
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	out, err := open(key, box)
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Errorf("roundtrip = %q", out)
	}

	wrongHarvest, err := HarvestKey("XXXX9999YYYY00", "alice", "bob")
	if err != nil {
		t.Fatalf("harvesting wrong: %v", err)
	}
	wrongKey, err := DeriveKey(wrongHarvest, salt)
	if err != nil {
		t.Fatalf("deriving wrong: %v", err)
	}
	if _, err := open(wrongKey, box); err == nil {
		t.Error("wrong key opened the box")
	}

	if _, err := open(key, box[:crypto.NonceSize]); err == nil {
		t.Error("truncated box opened")
	}
}

func TestNewNonce(t *testing.T) {
	a, err := newNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	b, err := newNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("nonce length = %d", len(a))
	}
	if a == b {
		t.Error("nonces repeated")
	}
}
