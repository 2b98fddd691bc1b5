// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"testing"
)

var fastKDF = KDFParams{TimeCost: 1, MemoryKiB: 64, Parallelism: 1}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}

	first := DeriveKey([]byte("password"), salt, fastKDF)
	second := DeriveKey([]byte("password"), salt, fastKDF)
	if !bytes.Equal(first, second) {
		t.Error("same password and salt produced different keys")
	}

	other := DeriveKey([]byte("Password"), salt, fastKDF)
	if bytes.Equal(first, other) {
		t.Error("different passwords produced the same key")
	}
}

func TestDeriveKeySaltMatters(t *testing.T) {
	saltA, _ := NewSalt()
	saltB, _ := NewSalt()
	if bytes.Equal(saltA, saltB) {
		t.Fatal("two fresh salts are identical")
	}

	keyA := DeriveKey([]byte("password"), saltA, fastKDF)
	keyB := DeriveKey([]byte("password"), saltB, fastKDF)
	if bytes.Equal(keyA, keyB) {
		t.Error("different salts produced the same key")
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := DeriveKey([]byte("password"), make([]byte, SaltSize), fastKDF)
	plaintext := []byte("the secret bundle")

	nonce, ciphertext, err := Seal(key, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	recovered, err := Open(key, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("roundtrip mismatch: got %q, want %q", recovered, plaintext)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	key := DeriveKey([]byte("password"), make([]byte, SaltSize), fastKDF)
	nonce, ciphertext, err := Seal(key, []byte("data"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wrongKey := DeriveKey([]byte("other"), make([]byte, SaltSize), fastKDF)
	if _, err := Open(wrongKey, nonce, ciphertext, nil); err == nil {
		t.Error("Open succeeded with wrong key")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	key := DeriveKey([]byte("password"), make([]byte, SaltSize), fastKDF)
	nonce, ciphertext, err := Seal(key, []byte("data"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ciphertext[0] ^= 0x01
	if _, err := Open(key, nonce, ciphertext, nil); err == nil {
		t.Error("Open succeeded with tampered ciphertext")
	}
}

func TestSealAdditionalDataBinds(t *testing.T) {
	key := DeriveKey([]byte("password"), make([]byte, SaltSize), fastKDF)
	nonce, ciphertext, err := Seal(key, []byte("data"), []byte("context-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(key, nonce, ciphertext, []byte("context-b")); err == nil {
		t.Error("Open succeeded with wrong additional data")
	}
	if _, err := Open(key, nonce, ciphertext, []byte("context-a")); err != nil {
		t.Errorf("Open failed with correct additional data: %v", err)
	}
}

func TestExpandKeyInfoSeparation(t *testing.T) {
	base := []byte("shared secret material")

	inviteKey, err := ExpandKey(base, "rchat-invite-v1")
	if err != nil {
		t.Fatalf("ExpandKey: %v", err)
	}
	otherKey, err := ExpandKey(base, "rchat-session-v1")
	if err != nil {
		t.Fatalf("ExpandKey: %v", err)
	}

	if len(inviteKey) != KeySize {
		t.Fatalf("key length = %d, want %d", len(inviteKey), KeySize)
	}
	if bytes.Equal(inviteKey, otherKey) {
		t.Error("different info strings produced the same key")
	}

	again, err := ExpandKey(base, "rchat-invite-v1")
	if err != nil {
		t.Fatalf("ExpandKey: %v", err)
	}
	if !bytes.Equal(inviteKey, again) {
		t.Error("ExpandKey is not deterministic")
	}
}

func TestContentHasherMatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("abc123"), 4096)

	oneShot := HashContent(data)

	hasher := NewContentHasher()
	// Feed in uneven pieces to exercise incremental state.
	for offset := 0; offset < len(data); {
		end := offset + 1000
		if end > len(data) {
			end = len(data)
		}
		if _, err := hasher.Write(data[offset:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
		offset = end
	}

	if hasher.Sum() != oneShot {
		t.Error("incremental hash differs from one-shot hash")
	}
}
