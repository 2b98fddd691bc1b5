// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"errors"

	"github.com/rchat-net/rchat/internal/filestore"
	"github.com/rchat-net/rchat/internal/invite"
	"github.com/rchat-net/rchat/internal/msg"
	"github.com/rchat-net/rchat/internal/node"
	"github.com/rchat-net/rchat/internal/rendezvous"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/theme"
	"github.com/rchat-net/rchat/internal/transport"
	"github.com/rchat-net/rchat/internal/vault"
)

// errorFor maps an internal error onto the wire taxonomy. Unrecognized
// errors become Internal so clients never see raw Go error text as a
// code.
func errorFor(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}

	code := CodeInternal
	switch {
	case errors.Is(err, vault.ErrNotSetUp):
		code = CodeVaultNotSetUp
	case errors.Is(err, vault.ErrAlreadySetUp):
		code = CodeVaultAlreadySet
	case errors.Is(err, vault.ErrLocked):
		code = CodeVaultLocked
	case errors.Is(err, vault.ErrInvalidPassword):
		code = CodeInvalidPassword

	case errors.Is(err, msg.ErrUnknownChat):
		code = CodeUnknownPeer
	case errors.Is(err, session.ErrNotTrusted):
		code = CodeNotTrusted
	case errors.Is(err, transport.ErrIdentityMismatch),
		errors.Is(err, invite.ErrIdentityMismatch):
		code = CodeIdentityMismatch

	case errors.Is(err, session.ErrNoRoute),
		errors.Is(err, session.ErrOffline),
		errors.Is(err, node.ErrNoDirectory):
		code = CodeNoRoute
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout

	case errors.Is(err, session.ErrReplay):
		code = CodeSequenceReplay
	case errors.Is(err, session.ErrBackpressure):
		code = CodeBackpressureExceeded
	case errors.Is(err, filestore.ErrStickerTooLarge):
		code = CodeFileTooLarge

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, filestore.ErrNoBlob):
		code = CodeNotFound
	case errors.Is(err, store.ErrConflict):
		code = CodeConflict

	case errors.Is(err, invite.ErrExpired):
		code = CodeInviteExpired
	case errors.Is(err, invite.ErrMismatch),
		errors.Is(err, invite.ErrRejected):
		code = CodeInviteMismatch

	case errors.Is(err, rendezvous.ErrAuthPending):
		code = CodeAuthPending
	case errors.Is(err, rendezvous.ErrAuthDenied):
		code = CodeAuthDenied
	case errors.Is(err, rendezvous.ErrAuthExpired):
		code = CodeAuthExpired

	case errors.Is(err, msg.ErrEmptyMessage):
		code = CodeBadRequest
	}

	if code == CodeInternal {
		var unknown theme.ErrUnknownPreset
		if errors.As(err, &unknown) {
			code = CodeNotFound
		}
	}

	return &Error{Code: code, Message: err.Error()}
}

// badRequest builds a BadRequest error for malformed payloads.
func badRequest(message string) *Error {
	return &Error{Code: CodeBadRequest, Message: message}
}
