// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"
)

func TestPeerIDRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	peer := id.PeerID()
	parsed, err := ParsePeerID(peer.String())
	if err != nil {
		t.Fatalf("ParsePeerID: %v", err)
	}
	if parsed != peer {
		t.Fatalf("round trip changed the id: %q != %q", parsed, peer)
	}

	key, err := parsed.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !key.Equal(id.SigningKey().Public()) {
		t.Fatal("recovered public key does not match the signing key")
	}
}

func TestParsePeerIDRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not base64 %%", "c2hvcnQ"} {
		if _, err := ParsePeerID(raw); err == nil {
			t.Errorf("ParsePeerID(%q) accepted invalid input", raw)
		}
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	message := []byte("presence record")
	signature := id.Sign(message)
	if err := Verify(id.PeerID(), message, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := Verify(id.PeerID(), []byte("tampered"), signature); err == nil {
		t.Fatal("Verify accepted a tampered message")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := Verify(other.PeerID(), message, signature); err == nil {
		t.Fatal("Verify accepted a signature from a different identity")
	}
}

func TestEncryptionPublicKeyIsStable(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	first, err := id.EncryptionPublicKey()
	if err != nil {
		t.Fatalf("EncryptionPublicKey: %v", err)
	}
	second, err := id.EncryptionPublicKey()
	if err != nil {
		t.Fatalf("EncryptionPublicKey: %v", err)
	}
	if first != second {
		t.Fatal("encryption public key changed between calls")
	}

	rebuilt, err := FromKeys(id.SigningKey(), id.EncryptionKey())
	if err != nil {
		t.Fatalf("FromKeys: %v", err)
	}
	if rebuilt.PeerID() != id.PeerID() {
		t.Fatal("FromKeys changed the peer id")
	}
}
