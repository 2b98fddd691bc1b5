// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/lib/codec"
)

// cipherSuite fixes the Noise algorithms for every rchat session.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// handshakePrologue separates rchat handshakes from any other Noise
// user and versions the handshake itself.
var handshakePrologue = []byte("rchat-handshake-v1")

// maxHandshakeMessage bounds a single handshake record. XX messages
// with a CBOR proof payload stay well under this.
const maxHandshakeMessage = 4096

// identityProof binds the Noise static key to a PeerID. The signature
// covers the prover's own X25519 static public key, so a proof cannot
// be transplanted onto a session keyed by a different static.
type identityProof struct {
	Peer      string `cbor:"peer"`
	Signature []byte `cbor:"sig"`
}

// makeProof signs the local static public key.
func makeProof(id *identity.Identity, staticPublic []byte) ([]byte, error) {
	proof := identityProof{
		Peer:      id.PeerID().String(),
		Signature: id.Sign(staticPublic),
	}
	encoded, err := codec.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding identity proof: %w", err)
	}
	return encoded, nil
}

// verifyProof checks a received proof against the remote's static key
// as observed inside the handshake.
func verifyProof(encoded, remoteStatic []byte) (identity.PeerID, error) {
	var proof identityProof
	if err := codec.Unmarshal(encoded, &proof); err != nil {
		return "", fmt.Errorf("transport: decoding identity proof: %w", err)
	}
	peer, err := identity.ParsePeerID(proof.Peer)
	if err != nil {
		return "", fmt.Errorf("transport: identity proof: %w", err)
	}
	if err := identity.Verify(peer, remoteStatic, proof.Signature); err != nil {
		return "", fmt.Errorf("transport: identity proof: %w", err)
	}
	return peer, nil
}

// newHandshakeState builds the XX handshake state with the node's
// X25519 static key.
func newHandshakeState(id *identity.Identity, initiator bool) (*noise.HandshakeState, error) {
	staticSecret := id.EncryptionKey()
	staticPublic, err := id.EncryptionPublicKey()
	if err != nil {
		return nil, err
	}
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		Prologue:    handshakePrologue,
		StaticKeypair: noise.DHKey{
			Private: staticSecret[:],
			Public:  staticPublic[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: creating handshake state: %w", err)
	}
	return state, nil
}

// writeRecord sends one length-prefixed handshake record.
func writeRecord(w io.Writer, record []byte) error {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(record)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// readRecord receives one length-prefixed handshake record.
func readRecord(r io.Reader) ([]byte, error) {
	var length [2]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(length[:])
	if size > maxHandshakeMessage {
		return nil, fmt.Errorf("transport: handshake record of %d bytes exceeds limit", size)
	}
	record := make([]byte, size)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, err
	}
	return record, nil
}

// initiatorHandshake runs the dialing side of the XX exchange over rw
// and returns the transport ciphers plus the proven remote identity.
func initiatorHandshake(rw io.ReadWriter, id *identity.Identity) (send, recv *noise.CipherState, remote identity.PeerID, err error) {
	state, err := newHandshakeState(id, true)
	if err != nil {
		return nil, nil, "", err
	}

	// -> e
	message, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 1: %w", err)
	}
	if err := writeRecord(rw, message); err != nil {
		return nil, nil, "", fmt.Errorf("transport: sending handshake message 1: %w", err)
	}

	// <- e, ee, s, es with the responder's proof.
	record, err := readRecord(rw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: reading handshake message 2: %w", err)
	}
	responderProof, _, _, err := state.ReadMessage(nil, record)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 2: %w", err)
	}
	remote, err = verifyProof(responderProof, state.PeerStatic())
	if err != nil {
		return nil, nil, "", err
	}

	// -> s, se with our proof.
	staticPublic, err := id.EncryptionPublicKey()
	if err != nil {
		return nil, nil, "", err
	}
	proof, err := makeProof(id, staticPublic[:])
	if err != nil {
		return nil, nil, "", err
	}
	message, sendCipher, recvCipher, err := state.WriteMessage(nil, proof)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 3: %w", err)
	}
	if err := writeRecord(rw, message); err != nil {
		return nil, nil, "", fmt.Errorf("transport: sending handshake message 3: %w", err)
	}

	return sendCipher, recvCipher, remote, nil
}

// responderHandshake runs the accepting side of the XX exchange.
func responderHandshake(rw io.ReadWriter, id *identity.Identity) (send, recv *noise.CipherState, remote identity.PeerID, err error) {
	state, err := newHandshakeState(id, false)
	if err != nil {
		return nil, nil, "", err
	}

	// <- e
	record, err := readRecord(rw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: reading handshake message 1: %w", err)
	}
	if _, _, _, err := state.ReadMessage(nil, record); err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 1: %w", err)
	}

	// -> e, ee, s, es with our proof.
	staticPublic, err := id.EncryptionPublicKey()
	if err != nil {
		return nil, nil, "", err
	}
	proof, err := makeProof(id, staticPublic[:])
	if err != nil {
		return nil, nil, "", err
	}
	message, _, _, err := state.WriteMessage(nil, proof)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 2: %w", err)
	}
	if err := writeRecord(rw, message); err != nil {
		return nil, nil, "", fmt.Errorf("transport: sending handshake message 2: %w", err)
	}

	// <- s, se with the initiator's proof. The second CipherState is
	// for initiator-to-responder traffic, so it is our receive side.
	record, err = readRecord(rw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: reading handshake message 3: %w", err)
	}
	initiatorProof, recvCipher, sendCipher, err := state.ReadMessage(nil, record)
	if err != nil {
		return nil, nil, "", fmt.Errorf("transport: handshake message 3: %w", err)
	}
	remote, err = verifyProof(initiatorProof, state.PeerStatic())
	if err != nil {
		return nil, nil, "", err
	}

	return sendCipher, recvCipher, remote, nil
}
