// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/rchat-net/rchat/internal/identity"
)

const (
	serviceType   = "_rchat._udp"
	serviceDomain = "local."
)

// MDNS announces this node on the LAN and feeds sightings of other
// nodes into a Tracker.
type MDNS struct {
	self     identity.PeerID
	tcpPort  int
	quicPort int
	tracker  *Tracker
	logger   *slog.Logger
}

// NewMDNS creates the announcer/browser pair. Ports are the node's
// listen ports; quicPort may be zero when QUIC is disabled.
func NewMDNS(self identity.PeerID, tcpPort, quicPort int, tracker *Tracker, logger *slog.Logger) *MDNS {
	return &MDNS{
		self:     self,
		tcpPort:  tcpPort,
		quicPort: quicPort,
		tracker:  tracker,
		logger:   logger.With("component", "mdns"),
	}
}

// Run registers the service, browses for peers, and sweeps stale
// sightings until ctx is cancelled.
func (m *MDNS) Run(ctx context.Context) error {
	txt := []string{
		"id=" + m.self.String(),
		"tcp=" + strconv.Itoa(m.tcpPort),
	}
	if m.quicPort > 0 {
		txt = append(txt, "quic="+strconv.Itoa(m.quicPort))
	}

	// Instance names are capped at 63 bytes; the full peer id rides in
	// the TXT record instead.
	instance := "rchat-" + shortID(m.self)
	server, err := zeroconf.Register(instance, serviceType, serviceDomain, m.tcpPort, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: registering mdns service: %w", err)
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: creating mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return fmt.Errorf("discovery: browsing: %w", err)
	}

	m.logger.Info("mdns discovery started",
		"instance", instance,
		"tcp_port", m.tcpPort,
		"quic_port", m.quicPort,
	)

	sweep := time.NewTicker(m.tracker.freshness / 3)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			m.tracker.Sweep(now)
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			m.observe(entry)
		}
	}
}

// observe translates one service entry into a tracker sighting.
func (m *MDNS) observe(entry *zeroconf.ServiceEntry) {
	peer, tcpPort := parseTXT(entry.Text)
	if peer == "" {
		return
	}
	parsed, err := identity.ParsePeerID(peer)
	if err != nil {
		m.logger.Debug("ignoring announcement with bad peer id",
			"instance", entry.Instance,
			"error", err,
		)
		return
	}
	if tcpPort == 0 {
		tcpPort = entry.Port
	}

	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(tcpPort)))
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(tcpPort)))
	}
	m.tracker.Observe(parsed, addrs, time.Now())
}

// parseTXT pulls the peer id and TCP port out of a TXT record set.
func parseTXT(txt []string) (peer string, tcpPort int) {
	for _, item := range txt {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			peer = value
		case "tcp":
			if port, err := strconv.Atoi(value); err == nil {
				tcpPort = port
			}
		}
	}
	return peer, tcpPort
}

// shortID gives a human-scannable instance suffix.
func shortID(peer identity.PeerID) string {
	s := peer.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
