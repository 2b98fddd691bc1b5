// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/identity"
)

// handshakeTimeout bounds the Noise exchange on a fresh connection.
const handshakeTimeout = 10 * time.Second

// TCPListener accepts TCP connections and upgrades each to an
// authenticated Stream.
type TCPListener struct {
	listener net.Listener
	identity *identity.Identity
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Listener = (*TCPListener)(nil)

// NewTCPListener binds to address ("host:port"; port 0 picks a free
// port). The identity must already be unlocked.
func NewTCPListener(address string, id *identity.Identity, logger *slog.Logger) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	return &TCPListener{
		listener: listener,
		identity: id,
		logger:   logger.With("component", "tcp-listener"),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.upgrade(conn, handler)
		}()
	}
}

// upgrade runs the responder handshake and hands the stream off.
func (l *TCPListener) upgrade(conn net.Conn, handler Handler) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	send, recv, remote, err := responderHandshake(conn, l.identity)
	if err != nil {
		l.logger.Debug("handshake failed",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	l.logger.Debug("inbound stream authenticated",
		"remote", conn.RemoteAddr().String(),
		"peer", remote.String(),
	)
	handler(newStream(conn, remote, send, recv))
}

// Address returns the bound address, with the concrete port when the
// listener was created with port 0.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting. In-flight handshakes and handlers finish on
// their own.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// TCPDialer opens authenticated streams over TCP.
type TCPDialer struct {
	identity *identity.Identity
	logger   *slog.Logger
}

var _ Dialer = (*TCPDialer)(nil)

// NewTCPDialer creates a dialer signing with the node identity.
func NewTCPDialer(id *identity.Identity, logger *slog.Logger) *TCPDialer {
	return &TCPDialer{
		identity: id,
		logger:   logger.With("component", "tcp-dialer"),
	}
}

// Dial connects, handshakes, and verifies the remote identity.
func (d *TCPDialer) Dial(ctx context.Context, address string, expected identity.PeerID) (*Stream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	send, recv, remote, err := initiatorHandshake(conn, d.identity)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	if expected != "" && remote != expected {
		conn.Close()
		return nil, fmt.Errorf("transport: dialed %s expecting %s, got %s: %w",
			address, expected, remote, ErrIdentityMismatch)
	}

	d.logger.Debug("outbound stream authenticated",
		"address", address,
		"peer", remote.String(),
	)
	return newStream(conn, remote, send, recv), nil
}
