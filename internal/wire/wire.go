// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR frames exchanged between peers after
// the transport handshake. Every frame carries a per-direction
// sequence number; a receiver drops frames whose sequence does not
// advance, so a replayed or duplicated frame is never processed twice.
package wire

import (
	"fmt"

	"github.com/rchat-net/rchat/lib/codec"
)

// Protocol identifiers. The first frame on every stream is a hello
// naming the protocol the stream will speak.
const (
	ProtocolMsg    = "/rchat/msg/1"
	ProtocolFile   = "/rchat/file/1"
	ProtocolInvite = "/rchat/invite/1"
)

// Frame kinds.
const (
	KindHello = "hello"

	KindChat    = "chat"
	KindAck     = "ack"
	KindTyping  = "typing"
	KindProfile = "profile"

	KindFileRequest = "file-request"
	KindFileChunk   = "file-chunk"
	KindFileDone    = "file-done"
	KindFileFail    = "file-fail"

	KindInviteOffer  = "invite-offer"
	KindInviteAnswer = "invite-answer"
	KindInviteReject = "invite-reject"
)

// MaxFrameSize bounds a decoded frame. Chunk frames dominate; the cap
// leaves room for a maximal chunk plus envelope overhead.
const MaxFrameSize = 1 << 20

// Frame is the envelope for every message on a stream. Seq starts at
// 1 and increases by exactly 1 per frame per direction.
type Frame struct {
	Seq     uint64           `cbor:"seq"`
	Kind    string           `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// NewFrame builds a frame with the payload marshaled in place.
func NewFrame(seq uint64, kind string, payload any) (Frame, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encoding %s payload: %w", kind, err)
	}
	return Frame{Seq: seq, Kind: kind, Payload: raw}, nil
}

// Marshal encodes a frame for the transport layer to encrypt.
func Marshal(frame Frame) ([]byte, error) {
	data, err := codec.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", len(data))
	}
	return data, nil
}

// Unmarshal decodes a frame received from the transport layer.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame of %d bytes exceeds limit", len(data))
	}
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("wire: decoding frame: %w", err)
	}
	return frame, nil
}

// DecodePayload unpacks a frame's payload into out.
func DecodePayload(frame Frame, out any) error {
	if err := codec.Unmarshal(frame.Payload, out); err != nil {
		return fmt.Errorf("wire: decoding %s payload: %w", frame.Kind, err)
	}
	return nil
}

// Hello opens a stream and names the protocol it will speak.
type Hello struct {
	Protocol string `cbor:"protocol"`
}

// Chat carries one chat message. Exactly one of Text or the file
// fields is populated depending on ContentType. SenderAlias is a
// display hint shown until the sender's profile syncs.
type Chat struct {
	MsgID       string `cbor:"msg_id"`
	ContentType string `cbor:"content_type"`
	Text        string `cbor:"text,omitempty"`
	FileHash    string `cbor:"file_hash,omitempty"`
	FileName    string `cbor:"file_name,omitempty"`
	FileSize    int64  `cbor:"file_size,omitempty"`
	SenderAlias string `cbor:"sender_alias,omitempty"`
	SentAt      int64  `cbor:"sent_at"`
}

// Ack reports a delivery-state transition for a received message.
// Status is "delivered" or "read".
type Ack struct {
	MsgID  string `cbor:"msg_id"`
	Status string `cbor:"status"`
}

// Typing signals that the sender is composing a message. Informational
// and never persisted.
type Typing struct {
	Active bool `cbor:"active"`
}

// Profile announces the sender's display name and avatar so the
// receiving side can label the chat.
type Profile struct {
	DisplayName string `cbor:"display_name"`
	AvatarHash  string `cbor:"avatar_hash,omitempty"`
}

// FileRequest asks the peer to stream a blob starting at Offset, in
// chunks of ChunkSize bytes. Offset supports resuming a partial
// transfer. AcceptZstd offers per-chunk compression; the sender may
// decline by sending plain chunks.
type FileRequest struct {
	Hash       string `cbor:"hash"`
	Offset     int64  `cbor:"offset"`
	ChunkSize  int32  `cbor:"chunk_size"`
	AcceptZstd bool   `cbor:"accept_zstd,omitempty"`
}

// FileChunk carries one contiguous span of blob bytes. When Zstd is
// set, Data is a zstd frame and Offset/verification apply to the
// decompressed bytes.
type FileChunk struct {
	Hash   string `cbor:"hash"`
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
	Zstd   bool   `cbor:"zstd,omitempty"`
}

// FileDone signals that every chunk of the blob has been sent.
type FileDone struct {
	Hash string `cbor:"hash"`
}

// FileFail aborts a transfer.
type FileFail struct {
	Hash   string `cbor:"hash"`
	Reason string `cbor:"reason"`
}

// InviteOffer opens an invitation redemption. Sealed is the offer
// encrypted under the invite key; Salt is the KDF salt the redeemer
// needs to derive that key.
type InviteOffer struct {
	Nonce  string `cbor:"nonce"`
	Salt   []byte `cbor:"salt"`
	Sealed []byte `cbor:"sealed"`
}

// InviteAnswer completes a redemption: the redeemer proves knowledge
// of the invite key by sealing its own identity card under it.
type InviteAnswer struct {
	Nonce  string `cbor:"nonce"`
	Sealed []byte `cbor:"sealed"`
}

// InviteReject refuses a redemption attempt.
type InviteReject struct {
	Nonce  string `cbor:"nonce"`
	Reason string `cbor:"reason"`
}
