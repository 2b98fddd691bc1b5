// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the node's long-lived keypair and the
// PeerID derived from it. The Ed25519 public key, base64url-encoded
// without padding, IS the peer's identifier: proving control of the
// key during the transport handshake proves ownership of the PeerID.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PeerID is the canonical identifier of a node: its Ed25519 public key
// encoded with base64url, no padding. The zero value is invalid.
type PeerID string

// SelfChatID is the reserved chat identifier for the local user's
// notes-to-self conversation. It is not a valid PeerID.
const SelfChatID = "self"

// FromPublicKey derives the PeerID for an Ed25519 public key.
func FromPublicKey(publicKey ed25519.PublicKey) PeerID {
	return PeerID(base64.RawURLEncoding.EncodeToString(publicKey))
}

// ParsePeerID validates the encoding and length of a peer identifier.
func ParsePeerID(raw string) (PeerID, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("identity: peer id %q: %w", raw, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return "", fmt.Errorf("identity: peer id %q: decoded to %d bytes, want %d", raw, len(decoded), ed25519.PublicKeySize)
	}
	return PeerID(raw), nil
}

// PublicKey decodes the PeerID back into its Ed25519 public key.
func (p PeerID) PublicKey() (ed25519.PublicKey, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("identity: decoding peer id: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: peer id decoded to %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

// String returns the encoded form.
func (p PeerID) String() string { return string(p) }

// Identity is the node's secret key material: the Ed25519 signing key
// that anchors the PeerID, and the X25519 static key used as the Noise
// static for transport sessions.
//
// Identity lives in process memory only while the vault is unlocked.
// The vault owns the protected copy; this struct is the working form
// handed to the transport and invite engine.
type Identity struct {
	signingKey    ed25519.PrivateKey
	encryptionKey [32]byte
}

// Generate creates a fresh identity: a random Ed25519 keypair and an
// independent random X25519 static key.
func Generate() (*Identity, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating signing key: %w", err)
	}

	var encryptionKey [32]byte
	if _, err := rand.Read(encryptionKey[:]); err != nil {
		return nil, fmt.Errorf("identity: generating encryption key: %w", err)
	}

	return &Identity{signingKey: signingKey, encryptionKey: encryptionKey}, nil
}

// FromKeys reconstructs an identity from stored key material, as read
// out of the vault's secret bundle.
func FromKeys(signingKey ed25519.PrivateKey, encryptionKey [32]byte) (*Identity, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: signing key is %d bytes, want %d", len(signingKey), ed25519.PrivateKeySize)
	}
	return &Identity{signingKey: signingKey, encryptionKey: encryptionKey}, nil
}

// PeerID returns the node's identifier.
func (i *Identity) PeerID() PeerID {
	return FromPublicKey(i.signingKey.Public().(ed25519.PublicKey))
}

// Sign signs message with the Ed25519 signing key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.signingKey, message)
}

// SigningKey returns the raw Ed25519 private key for vault
// serialization. Callers must not retain the slice past the vault's
// lifetime.
func (i *Identity) SigningKey() ed25519.PrivateKey {
	return i.signingKey
}

// EncryptionKey returns the X25519 static secret for vault
// serialization and the Noise handshake.
func (i *Identity) EncryptionKey() [32]byte {
	return i.encryptionKey
}

// EncryptionPublicKey returns the X25519 public key corresponding to
// the static secret.
func (i *Identity) EncryptionPublicKey() ([32]byte, error) {
	var publicKey [32]byte
	derived, err := curve25519.X25519(i.encryptionKey[:], curve25519.Basepoint)
	if err != nil {
		return publicKey, fmt.Errorf("identity: deriving x25519 public key: %w", err)
	}
	copy(publicKey[:], derived)
	return publicKey, nil
}

// Verify checks an Ed25519 signature made by the holder of peer.
func Verify(peer PeerID, message, signature []byte) error {
	publicKey, err := peer.PublicKey()
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("identity: signature verification failed for peer %s", peer)
	}
	return nil
}
