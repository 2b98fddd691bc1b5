// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/transport"
	"github.com/rchat-net/rchat/internal/wire"
)

// DialTimeout bounds one connection attempt including the handshake.
const DialTimeout = 15 * time.Second

var (
	// ErrNoRoute means no address for the peer could be found.
	ErrNoRoute = errors.New("session: no route to peer")

	// ErrNotTrusted means the peer has not completed an invitation.
	ErrNotTrusted = errors.New("session: peer not trusted")

	// ErrOffline means outbound connections are disabled.
	ErrOffline = errors.New("session: node is offline")
)

// Resolver finds current dial addresses for a peer, typically the LAN
// tracker first and the rendezvous directory as fallback.
type Resolver interface {
	Addrs(ctx context.Context, peer identity.PeerID) ([]string, error)
}

// TrustFunc reports whether chat traffic from a peer is accepted.
type TrustFunc func(ctx context.Context, peer identity.PeerID) (bool, error)

// Handler consumes an established protocol session. The manager runs
// the session loop; the handler is invoked per inbound frame.
type Handler interface {
	// HandleFrame processes one inbound frame in order.
	HandleFrame(ctx context.Context, s *Session, frame wire.Frame) error

	// SessionOpened is called before the first frame, on both the
	// dialing and accepting side.
	SessionOpened(ctx context.Context, s *Session)

	// SessionClosed is called after the session ends.
	SessionClosed(s *Session)
}

// Manager owns the peer session table. Chat sessions on the msg
// protocol are long-lived and deduplicated per peer; file and invite
// streams are transient and not tracked.
type Manager struct {
	dialers  []transport.Dialer
	resolver Resolver
	trusted  TrustFunc
	bus      *event.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	online   bool
	handlers map[string]Handler
	chats    map[identity.PeerID]*Session
	dialing  map[identity.PeerID]chan struct{}
}

// NewManager creates an empty session table. Dialers are tried in
// order against every resolved address.
func NewManager(dialers []transport.Dialer, resolver Resolver, trusted TrustFunc, bus *event.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		dialers:  dialers,
		resolver: resolver,
		trusted:  trusted,
		bus:      bus,
		logger:   logger.With("component", "sessions"),
		online:   true,
		handlers: make(map[string]Handler),
		chats:    make(map[identity.PeerID]*Session),
		dialing:  make(map[identity.PeerID]chan struct{}),
	}
}

// Register installs the handler for a protocol tag. Must be called
// before the listeners start serving.
func (m *Manager) Register(protocol string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocol] = handler
}

// SetOnline enables or disables outbound dialing. Going offline also
// tears down established chat sessions.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	var open []*Session
	if !online {
		for _, s := range m.chats {
			open = append(open, s)
		}
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

// Online reports whether outbound dialing is enabled.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// StreamHandler adapts the manager to the transport listener
// callback. ctx bounds the lifetime of every accepted session.
func (m *Manager) StreamHandler(ctx context.Context) transport.Handler {
	return func(stream *transport.Stream) {
		m.HandleStream(ctx, stream)
	}
}

// HandleStream handles one accepted connection: it reads the hello
// naming the protocol, applies the trust gate, and runs the protocol
// session.
func (m *Manager) HandleStream(ctx context.Context, stream *transport.Stream) {
	peer := stream.RemotePeer()

	frame, err := stream.Receive()
	if err != nil {
		stream.Close()
		return
	}
	if frame.Kind != wire.KindHello || frame.Seq != 1 {
		m.logger.Warn("first frame was not a hello", "peer", shortPeer(peer), "kind", frame.Kind)
		stream.Close()
		return
	}
	var hello wire.Hello
	if err := wire.DecodePayload(frame, &hello); err != nil {
		m.logger.Warn("undecodable hello", "peer", shortPeer(peer), "error", err)
		stream.Close()
		return
	}

	m.mu.Lock()
	handler, ok := m.handlers[hello.Protocol]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("hello named unknown protocol", "peer", shortPeer(peer), "protocol", hello.Protocol)
		stream.Close()
		return
	}

	// Invitation streams are how trust gets established, so they
	// pass the gate untrusted peers are stopped by.
	if hello.Protocol != wire.ProtocolInvite {
		ok, err := m.trusted(ctx, peer)
		if err != nil || !ok {
			m.logger.Info("rejecting stream from untrusted peer",
				"peer", shortPeer(peer),
				"protocol", hello.Protocol,
			)
			stream.Close()
			return
		}
	}

	s := New(stream, hello.Protocol, false, m.logger)
	m.runSession(ctx, s, handler)
}

// Open dials a transient stream for the given protocol and sends the
// hello. The caller runs and closes the returned session.
func (m *Manager) Open(ctx context.Context, peer identity.PeerID, protocol string) (*Session, error) {
	if !m.Online() {
		return nil, ErrOffline
	}
	addrs, err := m.resolver.Addrs(ctx, peer)
	if err != nil {
		return nil, err
	}
	return m.OpenDirect(ctx, peer, protocol, addrs)
}

// OpenDirect is Open with caller-supplied addresses, used when the
// peer's addresses arrived out of band, as in a decrypted invite
// offer, before any resolver knows the peer.
func (m *Manager) OpenDirect(ctx context.Context, peer identity.PeerID, protocol string, addrs []string) (*Session, error) {
	if !m.Online() {
		return nil, ErrOffline
	}
	stream, err := m.dialAddrs(ctx, peer, addrs)
	if err != nil {
		return nil, err
	}
	hello, err := wire.NewFrame(1, wire.KindHello, wire.Hello{Protocol: protocol})
	if err != nil {
		stream.Close()
		return nil, err
	}
	if err := stream.Send(hello); err != nil {
		stream.Close()
		return nil, fmt.Errorf("session: sending hello: %w", err)
	}
	return New(stream, protocol, true, m.logger), nil
}

// Chat returns the established chat session for a peer, if any.
func (m *Manager) Chat(peer identity.PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[peer]
	return s, ok
}

// ConnectChat returns the peer's chat session, dialing one if none is
// established. Concurrent callers share a single dial attempt.
func (m *Manager) ConnectChat(ctx context.Context, peer identity.PeerID) (*Session, error) {
	for {
		m.mu.Lock()
		if s, ok := m.chats[peer]; ok {
			m.mu.Unlock()
			return s, nil
		}
		if wait, inFlight := m.dialing[peer]; inFlight {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		m.dialing[peer] = wait
		m.mu.Unlock()

		s, err := m.openChat(ctx, peer)

		m.mu.Lock()
		delete(m.dialing, peer)
		close(wait)
		m.mu.Unlock()
		return s, err
	}
}

func (m *Manager) openChat(ctx context.Context, peer identity.PeerID) (*Session, error) {
	if ok, err := m.trusted(ctx, peer); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTrusted, shortPeer(peer))
	}

	s, err := m.Open(ctx, peer, wire.ProtocolMsg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	handler, ok := m.handlers[wire.ProtocolMsg]
	m.mu.Unlock()
	if !ok {
		s.Close()
		return nil, fmt.Errorf("session: no chat handler registered")
	}

	go m.runSession(context.WithoutCancel(ctx), s, handler)
	return s, nil
}

// runSession tracks chat sessions in the table, emits the peer
// connectivity events, and runs the frame loop to completion.
func (m *Manager) runSession(ctx context.Context, s *Session, handler Handler) {
	isChat := s.Protocol() == wire.ProtocolMsg
	if isChat {
		m.mu.Lock()
		if existing, ok := m.chats[s.Peer()]; ok {
			// Keep one chat session per peer; the newer one wins
			// so a reconnect displaces a half-dead stream.
			existing.Close()
		}
		m.chats[s.Peer()] = s
		m.mu.Unlock()
		m.bus.Publish(event.PeerConnected{PeerID: s.Peer().String()})
	}

	handler.SessionOpened(ctx, s)
	err := s.Run(ctx, handler.HandleFrame)
	handler.SessionClosed(s)

	if isChat {
		m.mu.Lock()
		if m.chats[s.Peer()] == s {
			delete(m.chats, s.Peer())
		}
		m.mu.Unlock()
		m.bus.Publish(event.PeerDisconnected{PeerID: s.Peer().String()})
	}

	if err != nil {
		m.logger.Warn("session ended",
			"peer", shortPeer(s.Peer()),
			"protocol", s.Protocol(),
			"error", err,
		)
	}
}

// dialAddrs tries every address across the configured dialers.
func (m *Manager) dialAddrs(ctx context.Context, peer identity.PeerID, addrs []string) (*transport.Stream, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, shortPeer(peer))
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var lastErr error
	for _, dialer := range m.dialers {
		for _, addr := range addrs {
			stream, err := dialer.Dial(dialCtx, addr, peer)
			if err == nil {
				return stream, nil
			}
			lastErr = err
			if errors.Is(err, transport.ErrIdentityMismatch) {
				return nil, err
			}
			if dialCtx.Err() != nil {
				return nil, fmt.Errorf("session: dialing %s: %w", shortPeer(peer), lastErr)
			}
		}
	}
	return nil, fmt.Errorf("session: dialing %s: %w", shortPeer(peer), lastErr)
}

// Close tears down every tracked session.
func (m *Manager) Close() {
	m.mu.Lock()
	var open []*Session
	for _, s := range m.chats {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}
