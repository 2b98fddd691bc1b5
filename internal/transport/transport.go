// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries encrypted peer streams over TCP and QUIC.
// Both substrates upgrade every raw connection with a Noise XX
// handshake bound to the node's Ed25519 identity, so a stream handed
// to the session layer is always authenticated, whichever transport it
// arrived on.
package transport

import (
	"context"
	"errors"

	"github.com/rchat-net/rchat/internal/identity"
)

var (
	// ErrIdentityMismatch reports that the remote completed the
	// handshake but proved a different identity than the one dialed.
	ErrIdentityMismatch = errors.New("transport: peer identity mismatch")

	// ErrClosed reports an operation on a closed listener or stream.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives each authenticated inbound stream. The handler owns
// the stream and must close it.
type Handler func(stream *Stream)

// Listener accepts inbound connections, upgrades them, and hands
// authenticated streams to a handler.
type Listener interface {
	// Serve accepts connections and dispatches to handler until ctx is
	// cancelled or Close is called. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address returns the listen address to publish in discovery
	// records, e.g. "192.168.1.10:7667".
	Address() string

	// Close shuts the listener down.
	Close() error
}

// Dialer opens authenticated streams to peers.
type Dialer interface {
	// Dial connects to address, runs the handshake, and verifies that
	// the remote proves the expected identity. Returns
	// ErrIdentityMismatch when it proves another.
	Dial(ctx context.Context, address string, expected identity.PeerID) (*Stream, error)
}
