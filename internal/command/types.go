// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package command exposes the node over a Unix domain socket. Each
// connection carries one CBOR request/response cycle, except the
// event subscription which streams events until the client hangs up.
package command

import (
	"fmt"

	"github.com/rchat-net/rchat/lib/codec"
)

// SocketName is the command socket inside the data directory.
const SocketName = "rchat.sock"

// Request is one command from a client.
type Request struct {
	Action  string           `cbor:"action"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Response answers a request. Data is action-specific; Error is set
// only when OK is false.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error *Error           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Error is the taxonomy-coded failure a client can branch on.
type Error struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes. Clients match on these, never on message text.
const (
	CodeVaultNotSetUp   = "VaultNotSetUp"
	CodeVaultAlreadySet = "VaultAlreadySetUp"
	CodeVaultLocked     = "VaultLocked"
	CodeInvalidPassword = "InvalidPassword"

	CodeUnknownPeer      = "UnknownPeer"
	CodeNotTrusted       = "NotTrusted"
	CodeIdentityMismatch = "IdentityMismatch"

	CodeNoRoute         = "NoRoute"
	CodeDialFailed      = "DialFailed"
	CodeHandshakeFailed = "HandshakeFailed"
	CodeTimeout         = "Timeout"

	CodeMalformedFrame     = "MalformedFrame"
	CodeProtocolViolation  = "ProtocolViolation"
	CodeSequenceReplay     = "SequenceReplay"
	CodeUnsupportedVersion = "UnsupportedVersion"

	CodeBackpressureExceeded = "BackpressureExceeded"
	CodeStorageFull          = "StorageFull"
	CodeFileTooLarge         = "FileTooLarge"
	CodeQuotaExceeded        = "QuotaExceeded"

	CodeNotFound = "NotFound"
	CodeConflict = "Conflict"

	CodeInviteExpired  = "InviteExpired"
	CodeInviteMismatch = "InviteMismatch"

	CodeAuthPending = "AuthPending"
	CodeAuthDenied  = "AuthDenied"
	CodeAuthExpired = "AuthExpired"

	CodeBadRequest = "BadRequest"
	CodeInternal   = "Internal"
)
