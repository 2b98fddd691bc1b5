// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rchat-net/rchat/internal/identity"
)

// alpnProtocol tags rchat traffic during the QUIC TLS exchange. The
// TLS layer only moves datagrams; peer authentication is the Noise
// handshake run over the first bidirectional stream.
const alpnProtocol = "rchat/1"

// quicRaw adapts one bidirectional stream plus its owning connection
// to the rawStream contract. Closing the stream tears the whole
// connection down, since rchat uses exactly one stream per connection.
type quicRaw struct {
	*quic.Stream
	conn *quic.Conn
}

func (q *quicRaw) Close() error {
	q.Stream.CancelRead(0)
	q.Stream.Close()
	return q.conn.CloseWithError(0, "")
}

// selfSignedTLS builds an ephemeral certificate for the QUIC listener.
// Dialers skip verification; the certificate only keys the transport
// encryption underneath the Noise exchange.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generating tls key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("transport: creating tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

// QUICListener accepts QUIC connections and upgrades the first
// bidirectional stream of each to an authenticated Stream.
type QUICListener struct {
	listener *quic.Listener
	identity *identity.Identity
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Listener = (*QUICListener)(nil)

// NewQUICListener binds a UDP address ("host:port"; port 0 picks a
// free port).
func NewQUICListener(address string, id *identity.Identity, logger *slog.Logger) (*QUICListener, error) {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(address, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen on %s: %w", address, err)
	}
	return &QUICListener{
		listener: listener,
		identity: id,
		logger:   logger.With("component", "quic-listener"),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *QUICListener) Serve(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("transport: quic accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.upgrade(ctx, conn, handler)
		}()
	}
}

func (l *QUICListener) upgrade(ctx context.Context, conn *quic.Conn, handler Handler) {
	acceptCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		l.logger.Debug("no stream opened",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
		conn.CloseWithError(0, "")
		return
	}

	raw := &quicRaw{Stream: stream, conn: conn}
	raw.SetReadDeadline(time.Now().Add(handshakeTimeout))
	raw.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	send, recv, remote, err := responderHandshake(raw, l.identity)
	if err != nil {
		l.logger.Debug("handshake failed",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
		raw.Close()
		return
	}
	raw.SetReadDeadline(time.Time{})
	raw.SetWriteDeadline(time.Time{})

	l.logger.Debug("inbound stream authenticated",
		"remote", conn.RemoteAddr().String(),
		"peer", remote.String(),
	)
	handler(newStream(raw, remote, send, recv))
}

// Address returns the bound UDP address.
func (l *QUICListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// QUICDialer opens authenticated streams over QUIC.
type QUICDialer struct {
	identity *identity.Identity
	logger   *slog.Logger
}

var _ Dialer = (*QUICDialer)(nil)

// NewQUICDialer creates a dialer signing with the node identity.
func NewQUICDialer(id *identity.Identity, logger *slog.Logger) *QUICDialer {
	return &QUICDialer{
		identity: id,
		logger:   logger.With("component", "quic-dialer"),
	}
}

// Dial connects, opens the stream, handshakes, and verifies the remote
// identity.
func (d *QUICDialer) Dial(ctx context.Context, address string, expected identity.PeerID) (*Stream, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	conn, err := quic.DialAddr(ctx, address, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("transport: quic open stream: %w", err)
	}

	raw := &quicRaw{Stream: stream, conn: conn}
	raw.SetReadDeadline(time.Now().Add(handshakeTimeout))
	raw.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	send, recv, remote, err := initiatorHandshake(raw, d.identity)
	if err != nil {
		raw.Close()
		return nil, err
	}
	raw.SetReadDeadline(time.Time{})
	raw.SetWriteDeadline(time.Time{})

	if expected != "" && remote != expected {
		raw.Close()
		return nil, fmt.Errorf("transport: dialed %s expecting %s, got %s: %w",
			address, expected, remote, ErrIdentityMismatch)
	}

	d.logger.Debug("outbound stream authenticated",
		"address", address,
		"peer", remote.String(),
	)
	return newStream(raw, remote, send, recv), nil
}
