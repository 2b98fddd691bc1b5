// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package invite establishes trust between two peers from a shared
// password. The inviter seals an offer naming its identity and
// addresses under a key derived from the password; the invitee proves
// knowledge of the same password by sealing its own identity card
// back. Neither direction trusts the directory carrying the blobs.
package invite

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rchat-net/rchat/internal/crypto"
)

// PasswordLength is the size of a generated invite password. With a
// 64-symbol pool each character carries 6 bits, 84 bits total.
const PasswordLength = 14

// passwordPool has exactly 64 symbols so the harvest index arithmetic
// covers it uniformly.
const passwordPool = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// keyInfo labels the HKDF expansion of the invite channel key.
const keyInfo = "rchat-invite-v1"

// passwordChunks split the 14 characters for harvesting.
var passwordChunks = [4]int{4, 3, 4, 3}

// GeneratePassword returns a fresh 14-character invite password.
func GeneratePassword() (string, error) {
	raw := make([]byte, PasswordLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("invite: generating password: %w", err)
	}
	out := make([]byte, PasswordLength)
	for i, b := range raw {
		out[i] = passwordPool[int(b)%len(passwordPool)]
	}
	return string(out), nil
}

// HarvestKey stretches the shared password with material both sides
// can compute but a password thief cannot guess without knowing who
// is inviting whom: four characters harvested from the hex digest of
// the handle pair, interleaved after each password chunk.
func HarvestKey(password, inviterHandle, inviteeHandle string) (string, error) {
	if len(password) != PasswordLength {
		return "", fmt.Errorf("invite: password is %d characters, want %d", len(password), PasswordLength)
	}
	digest := hex.EncodeToString(hashHandles(inviterHandle, inviteeHandle))

	var out []byte
	offset := 0
	for _, size := range passwordChunks {
		chunk := password[offset : offset+size]
		offset += size

		sum := 0
		for _, c := range []byte(chunk) {
			sum += int(c)
		}
		out = append(out, chunk...)
		out = append(out, digest[sum%len(digest)])
	}
	return string(out), nil
}

func hashHandles(inviter, invitee string) []byte {
	h := sha256.Sum256([]byte(inviter + invitee))
	return h[:]
}

// DeriveKey turns a harvested key and salt into the AEAD key the
// offer and answer are sealed under.
func DeriveKey(harvested string, salt []byte) ([]byte, error) {
	stretched := crypto.DeriveKey([]byte(harvested), salt, crypto.DefaultKDFParams)
	key, err := crypto.ExpandKey(stretched, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("invite: expanding channel key: %w", err)
	}
	return key, nil
}

// seal packs an AEAD box as nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	nonce, ciphertext, err := crypto.Seal(key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// open reverses seal.
func open(key, box []byte) ([]byte, error) {
	if len(box) <= crypto.NonceSize {
		return nil, fmt.Errorf("invite: sealed box too short")
	}
	return crypto.Open(key, box[:crypto.NonceSize], box[crypto.NonceSize:], nil)
}

// newNonce returns a random invite identifier.
func newNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("invite: generating nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
