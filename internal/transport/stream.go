// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/wire"
)

// rawStream is the substrate under a Stream: a TCP connection or a
// QUIC bidirectional stream.
type rawStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// cipherOverhead is the Poly1305 tag appended to every transport
// message.
const cipherOverhead = 16

// Stream is an authenticated, encrypted message stream to a peer. Send
// is safe for concurrent use; Receive must be called from a single
// goroutine.
type Stream struct {
	raw    rawStream
	remote identity.PeerID

	sendMu sync.Mutex
	send   *noise.CipherState
	recv   *noise.CipherState

	closeOnce sync.Once
	closeErr  error
}

func newStream(raw rawStream, remote identity.PeerID, send, recv *noise.CipherState) *Stream {
	return &Stream{raw: raw, remote: remote, send: send, recv: recv}
}

// RemotePeer returns the identity the remote proved during the
// handshake.
func (s *Stream) RemotePeer() identity.PeerID { return s.remote }

// Send encrypts and writes one frame.
func (s *Stream) Send(frame wire.Frame) error {
	plaintext, err := wire.Marshal(frame)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("transport: encrypting frame: %w", err)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(ciphertext)))
	if _, err := s.raw.Write(length[:]); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	if _, err := s.raw.Write(ciphertext); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// Receive reads and decrypts the next frame. Returns io.EOF when the
// peer closed the stream cleanly.
func (s *Stream) Receive() (wire.Frame, error) {
	var length [4]byte
	if _, err := io.ReadFull(s.raw, length[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return wire.Frame{}, io.EOF
		}
		return wire.Frame{}, fmt.Errorf("transport: reading frame: %w", err)
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > wire.MaxFrameSize+cipherOverhead {
		return wire.Frame{}, fmt.Errorf("transport: frame of %d bytes exceeds limit", size)
	}

	ciphertext := make([]byte, size)
	if _, err := io.ReadFull(s.raw, ciphertext); err != nil {
		return wire.Frame{}, fmt.Errorf("transport: reading frame: %w", err)
	}

	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("transport: decrypting frame: %w", err)
	}
	return wire.Unmarshal(plaintext)
}

// SetReadDeadline bounds the next Receive.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.raw.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next Send.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.raw.SetWriteDeadline(t)
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.raw.Close()
	})
	return s.closeErr
}
