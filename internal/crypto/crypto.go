// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto collects the primitives every other part of the node
// builds on: the memory-hard password KDF, the AEAD used for the vault
// and sealed invites, HKDF expansion for channel keys, and the content
// hash for file objects.
//
// All randomness comes from crypto/rand. Key material that outlives a
// single call should be held in a secret.Buffer by the caller.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KDFParams are the Argon2id cost parameters stored alongside every
// derived-key record so unlock works even after defaults change.
type KDFParams struct {
	TimeCost    uint32 `cbor:"t"`
	MemoryKiB   uint32 `cbor:"m"`
	Parallelism uint8  `cbor:"p"`
}

// DefaultKDFParams is the cost used for new vault records: 64 MiB,
// three passes, single lane.
var DefaultKDFParams = KDFParams{
	TimeCost:    3,
	MemoryKiB:   64 * 1024,
	Parallelism: 1,
}

// SaltSize is the size of KDF salts in bytes.
const SaltSize = 16

// KeySize is the size of all symmetric keys in bytes.
const KeySize = 32

// NonceSize is the XChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: reading salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs Argon2id over the password with the given salt and
// parameters, producing a 32-byte key. This is CPU- and memory-bound;
// callers on a latency-sensitive path should run it off the hot
// goroutine.
func DeriveKey(password, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(password, salt, params.TimeCost, params.MemoryKiB, params.Parallelism, KeySize)
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key. The
// returned nonce is fresh and must be stored with the ciphertext. The
// additional data is authenticated but not encrypted; pass nil when
// there is none.
func Seal(key, plaintext, additional []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: creating AEAD: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: reading nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, additional), nil
}

// Open decrypts an XChaCha20-Poly1305 ciphertext. Authentication
// failure returns an error without revealing whether the key or the
// ciphertext was wrong.
func Open(key, nonce, ciphertext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// ExpandKey derives a 32-byte subkey from secret using HKDF-SHA-256
// with the given info string. Used for the invite channel key and for
// binding session keys to protocol labels.
func ExpandKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return key, nil
}

// HashContent returns the BLAKE3-256 digest of data. File objects and
// chunks are addressed by this hash, hex-encoded.
func HashContent(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// ContentHasher is an incremental BLAKE3 hasher for streaming file
// transfer verification.
type ContentHasher struct {
	inner *blake3.Hasher
}

// NewContentHasher returns a hasher ready for incremental writes.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{inner: blake3.New()}
}

// Write adds data to the running hash. Never returns an error.
func (h *ContentHasher) Write(data []byte) (int, error) {
	return h.inner.Write(data)
}

// Sum returns the digest of everything written so far.
func (h *ContentHasher) Sum() [32]byte {
	var digest [32]byte
	copy(digest[:], h.inner.Sum(nil))
	return digest
}
