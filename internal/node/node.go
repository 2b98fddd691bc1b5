// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles the running system. A Node owns the vault,
// the event bus, and (while unlocked) the runtime: store, transports,
// session manager, discovery, messaging, file transfer, and invites.
// Commands are methods on the Node so the dispatcher stays thin.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/config"
	"github.com/rchat-net/rchat/internal/discovery"
	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/filestore"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/invite"
	"github.com/rchat-net/rchat/internal/msg"
	"github.com/rchat-net/rchat/internal/rendezvous"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/transport"
	"github.com/rchat-net/rchat/internal/vault"
	"github.com/rchat-net/rchat/internal/wire"
)

// fastDiscoveryWindow bounds how long the 15-second publish cadence
// runs before reverting to the normal interval.
const fastDiscoveryWindow = 5 * time.Minute

// settingSelfHandle is the store key for the directory handle this
// node publishes under.
const settingSelfHandle = "self_handle"

var (
	// ErrLocked reports a command that needs the unlocked runtime.
	ErrLocked = vault.ErrLocked

	// ErrNoDirectory reports an operation that needs the rendezvous
	// directory before an API token was saved.
	ErrNoDirectory = errors.New("node: rendezvous directory not configured")
)

// Node is the top-level handle. One is constructed per process.
type Node struct {
	dataDir string
	logger  *slog.Logger
	vault   *vault.Vault
	bus     *event.Bus

	mu        sync.Mutex
	cfg       config.Config
	rt        *runtime
	flow      *rendezvous.DeviceFlow
	fastTimer *time.Timer
}

// runtime is everything that only exists while the vault is unlocked.
type runtime struct {
	id       *identity.Identity
	store    *store.Store
	blobs    *filestore.Blobs
	files    *filestore.Service
	msgs     *msg.Service
	sessions *session.Manager
	tracker  *discovery.Tracker
	tcp      transport.Listener
	quic     transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	// directory-backed pieces, nil until an API token is saved
	directory rendezvous.Directory
	publisher *rendezvous.Publisher
	invites   *invite.Engine
	handle    string

	pubMu     sync.Mutex
	pubCancel context.CancelFunc
	engCancel context.CancelFunc
}

// New prepares a Node over dataDir. The vault stays locked until
// Unlock or Setup; the event bus is live immediately so clients can
// subscribe before authenticating.
func New(dataDir string, cfg config.Config, logger *slog.Logger) *Node {
	return &Node{
		dataDir: dataDir,
		logger:  logger,
		cfg:     cfg,
		vault:   vault.New(dataDir, logger.With("component", "vault")),
		bus:     event.NewBus(logger.With("component", "bus")),
	}
}

// Bus exposes the event stream for command-socket subscribers.
func (n *Node) Bus() *event.Bus { return n.bus }

// Status reports the auth triple the UI polls on startup.
func (n *Node) Status() event.AuthStatus {
	vs := n.vault.Status()
	n.mu.Lock()
	online := n.rt != nil && n.rt.sessions.Online()
	n.mu.Unlock()
	return event.AuthStatus{IsSetUp: vs.IsSetUp, IsUnlocked: vs.IsUnlocked, IsOnline: online}
}

// InitVault creates the vault with password and starts the runtime.
func (n *Node) InitVault(ctx context.Context, password []byte) error {
	if err := n.vault.Setup(password); err != nil {
		return err
	}
	return n.start(ctx)
}

// UnlockVault opens an existing vault and starts the runtime.
func (n *Node) UnlockVault(ctx context.Context, password []byte) error {
	if err := n.vault.Unlock(password); err != nil {
		return err
	}
	return n.start(ctx)
}

// ResetVault tears the runtime down, destroys the vault, and wipes
// chat data and blobs. The node returns to the not-set-up state.
func (n *Node) ResetVault() error {
	n.mu.Lock()
	rt := n.rt
	n.rt = nil
	n.mu.Unlock()
	if rt != nil {
		rt.stop()
	}
	if err := n.vault.Reset(); err != nil && !errors.Is(err, vault.ErrNotSetUp) {
		return err
	}
	for _, name := range []string{
		store.FileName, store.FileName + "-wal", store.FileName + "-shm",
	} {
		if err := os.Remove(filepath.Join(n.dataDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("node: removing %s: %w", name, err)
		}
	}
	for _, dir := range []string{"files", "stickers", "partial"} {
		if err := os.RemoveAll(filepath.Join(n.dataDir, dir)); err != nil {
			return fmt.Errorf("node: removing %s: %w", dir, err)
		}
	}
	n.publishAuthStatus()
	return nil
}

// Close stops the runtime and the event bus.
func (n *Node) Close() {
	n.mu.Lock()
	rt := n.rt
	n.rt = nil
	if n.fastTimer != nil {
		n.fastTimer.Stop()
		n.fastTimer = nil
	}
	n.mu.Unlock()
	if rt != nil {
		rt.stop()
	}
	n.vault.Lock()
	n.bus.Close()
}

// runtime returns the unlocked runtime or ErrLocked.
func (n *Node) runtime() (*runtime, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rt == nil {
		return nil, ErrLocked
	}
	return n.rt, nil
}

func (n *Node) publishAuthStatus() {
	n.bus.Publish(n.Status())
}

// start brings the runtime up after the vault opens. Any failure
// rolls back everything already started.
func (n *Node) start(_ context.Context) error {
	n.mu.Lock()
	if n.rt != nil {
		n.mu.Unlock()
		return nil
	}
	cfg := n.cfg
	n.mu.Unlock()

	id, err := n.vault.Identity()
	if err != nil {
		return err
	}

	rt := &runtime{id: id}
	ctx, cancel := context.WithCancel(context.Background())
	rt.ctx, rt.cancel = ctx, cancel
	ok := false
	defer func() {
		if !ok {
			rt.stop()
		}
	}()

	rt.store, err = store.Open(filepath.Join(n.dataDir, store.FileName), n.logger.With("component", "store"))
	if err != nil {
		return err
	}
	rt.blobs, err = filestore.NewBlobs(n.dataDir)
	if err != nil {
		return err
	}

	rt.tracker = discovery.NewTracker(n.bus, id.PeerID(), discovery.DefaultFreshness)

	trust := func(ctx context.Context, peer identity.PeerID) (bool, error) {
		return rt.store.IsTrusted(ctx, peer.String())
	}
	dialers := []transport.Dialer{
		transport.NewTCPDialer(id, n.logger.With("component", "tcp")),
		transport.NewQUICDialer(id, n.logger.With("component", "quic")),
	}
	rt.sessions = session.NewManager(dialers, &resolver{rt: rt}, trust, n.bus, n.logger.With("component", "session"))

	rt.msgs = msg.NewService(id, rt.store, rt.sessions, n.bus, n.logger.With("component", "msg"))
	rt.sessions.Register(wire.ProtocolMsg, rt.msgs)

	rt.files, err = filestore.NewService(rt.blobs, rt.store, rt.sessions, n.bus, n.logger.With("component", "filestore"))
	if err != nil {
		return err
	}
	rt.sessions.Register(wire.ProtocolFile, rt.files)

	files := rt.files
	rt.msgs.OnFileAnnounce(func(peer identity.PeerID, hash, _ string, _ int64) {
		go func() {
			if err := files.Fetch(ctx, peer, hash); err != nil {
				n.logger.Warn("fetching announced file", "hash", hash, "error", err)
			}
		}()
	})

	rt.tcp, err = transport.NewTCPListener(cfg.ListenTCP, id, n.logger.With("component", "tcp"))
	if err != nil {
		return err
	}
	rt.quic, err = transport.NewQUICListener(cfg.ListenQUIC, id, n.logger.With("component", "quic"))
	if err != nil {
		return err
	}
	go rt.tcp.Serve(ctx, rt.sessions.StreamHandler(ctx))
	go rt.quic.Serve(ctx, rt.sessions.StreamHandler(ctx))

	mdns := discovery.NewMDNS(
		id.PeerID(), addrPort(rt.tcp.Address()), addrPort(rt.quic.Address()),
		rt.tracker, n.logger.With("component", "mdns"),
	)
	go func() {
		if err := mdns.Run(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("mdns stopped", "error", err)
		}
	}()
	go rt.sweepLoop(ctx)

	if err := rt.msgs.Start(ctx); err != nil {
		return err
	}
	rt.sessions.SetOnline(cfg.Online)

	if err := n.configureDirectory(rt); err != nil {
		// A bad or missing token never blocks local operation; the
		// node keeps working over mDNS.
		n.logger.Info("rendezvous directory not configured", "error", err)
	}
	if cfg.Online {
		rt.startPublisher(n.logger)
	}

	n.mu.Lock()
	if n.rt != nil {
		n.mu.Unlock()
		ok = true
		rt.stop()
		return nil
	}
	ok = true
	n.rt = rt
	n.mu.Unlock()
	n.publishAuthStatus()
	return nil
}

func (rt *runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(discovery.DefaultFreshness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rt.tracker.Sweep(now)
		}
	}
}

func (rt *runtime) stop() {
	rt.stopPublisher()
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.tcp != nil {
		rt.tcp.Close()
	}
	if rt.quic != nil {
		rt.quic.Close()
	}
	if rt.sessions != nil {
		rt.sessions.Close()
	}
	if rt.msgs != nil {
		rt.msgs.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// addrs lists the listener addresses peers can dial, for presence
// records and invite offers.
func (rt *runtime) addrs() []string {
	var out []string
	for _, l := range []transport.Listener{rt.tcp, rt.quic} {
		if l != nil {
			if addr := l.Address(); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func addrPort(address string) int {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// resolver finds dialable addresses: the LAN tracker first, then the
// rendezvous directory through the peer's stored handle. A directory
// record proving a different PeerID is ignored.
type resolver struct {
	rt *runtime
}

func (r *resolver) Addrs(ctx context.Context, peer identity.PeerID) ([]string, error) {
	if addrs, ok := r.rt.tracker.Addrs(peer); ok {
		return addrs, nil
	}

	r.rt.pubMu.Lock()
	dir := r.rt.directory
	r.rt.pubMu.Unlock()
	if dir == nil {
		return nil, nil
	}
	p, err := r.rt.store.GetPeer(ctx, peer.String())
	if err != nil || p.Handle == "" {
		return nil, nil
	}
	rec, err := rendezvous.Resolve(ctx, dir, p.Handle, time.Now())
	if err != nil {
		return nil, nil
	}
	if rec.PeerID != peer.String() {
		return nil, nil
	}
	return rec.Addrs, nil
}

// SetOnline switches presence mode: session acceptance, the presence
// publisher, and the persisted default all follow it.
func (n *Node) SetOnline(enabled bool) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	rt.sessions.SetOnline(enabled)
	if enabled {
		rt.startPublisher(n.logger)
	} else {
		rt.stopPublisher()
	}

	n.mu.Lock()
	n.cfg.Online = enabled
	cfg := n.cfg
	n.mu.Unlock()
	if err := config.Save(n.dataDir, cfg); err != nil {
		n.logger.Warn("persisting online mode", "error", err)
	}
	n.publishAuthStatus()
	return nil
}

// SetFastDiscovery switches the presence publisher to the short
// cadence. Fast mode reverts on its own after a bounded window.
func (n *Node) SetFastDiscovery(enabled bool) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	rt.pubMu.Lock()
	pub := rt.publisher
	rt.pubMu.Unlock()
	if pub == nil {
		return ErrNoDirectory
	}
	pub.SetFast(enabled)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fastTimer != nil {
		n.fastTimer.Stop()
		n.fastTimer = nil
	}
	if enabled {
		n.fastTimer = time.AfterFunc(fastDiscoveryWindow, func() { pub.SetFast(false) })
	}
	return nil
}

// RequestConnection dials the peer's chat session immediately instead
// of waiting for the outbox to need one.
func (n *Node) RequestConnection(ctx context.Context, peer identity.PeerID) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	_, err = rt.sessions.ConnectChat(ctx, peer)
	return err
}

// startPublisher begins the presence publish loop if the directory is
// configured and the loop is not already running.
func (rt *runtime) startPublisher(logger *slog.Logger) {
	rt.pubMu.Lock()
	defer rt.pubMu.Unlock()
	if rt.publisher == nil || rt.pubCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(rt.ctx)
	rt.pubCancel = cancel
	pub := rt.publisher
	go func() {
		if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("presence publisher stopped", "error", err)
		}
	}()
}

func (rt *runtime) stopPublisher() {
	rt.pubMu.Lock()
	defer rt.pubMu.Unlock()
	if rt.pubCancel != nil {
		rt.pubCancel()
		rt.pubCancel = nil
	}
}
