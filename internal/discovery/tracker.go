// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds peers on the local network. A zeroconf
// responder announces this node under _rchat._udp.local. and a browser
// collects sightings of other nodes; the tracker ages sightings out
// when their announcements stop.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
)

// DefaultFreshness is how long a sighting stays valid without being
// re-announced.
const DefaultFreshness = 30 * time.Second

type sighting struct {
	addrs    []string
	lastSeen time.Time
}

// Tracker keeps the set of currently visible LAN peers and emits
// discovery and expiry events as that set changes.
type Tracker struct {
	bus       *event.Bus
	freshness time.Duration
	self      identity.PeerID

	mu        sync.Mutex
	sightings map[identity.PeerID]*sighting
}

// NewTracker creates a tracker. Sightings of self are ignored, since a
// browser always hears its own responder.
func NewTracker(bus *event.Bus, self identity.PeerID, freshness time.Duration) *Tracker {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Tracker{
		bus:       bus,
		freshness: freshness,
		self:      self,
		sightings: make(map[identity.PeerID]*sighting),
	}
}

// Observe records an announcement from peer at the given addresses.
// The first sighting of a peer emits LocalPeerDiscovered; repeats just
// refresh the clock.
func (t *Tracker) Observe(peer identity.PeerID, addrs []string, now time.Time) {
	if peer == t.self || len(addrs) == 0 {
		return
	}
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)

	t.mu.Lock()
	existing, known := t.sightings[peer]
	if known {
		existing.addrs = sorted
		existing.lastSeen = now
	} else {
		t.sightings[peer] = &sighting{addrs: sorted, lastSeen: now}
	}
	t.mu.Unlock()

	if !known {
		t.bus.Publish(event.LocalPeerDiscovered{
			PeerID: peer.String(),
			Addrs:  sorted,
		})
	}
}

// Sweep expires sightings older than the freshness window, emitting
// LocalPeerExpired for each.
func (t *Tracker) Sweep(now time.Time) {
	var expired []identity.PeerID

	t.mu.Lock()
	for peer, s := range t.sightings {
		if now.Sub(s.lastSeen) > t.freshness {
			delete(t.sightings, peer)
			expired = append(expired, peer)
		}
	}
	t.mu.Unlock()

	for _, peer := range expired {
		t.bus.Publish(event.LocalPeerExpired{PeerID: peer.String()})
	}
}

// Addrs returns the current addresses for a visible peer.
func (t *Tracker) Addrs(peer identity.PeerID) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sightings[peer]
	if !ok {
		return nil, false
	}
	return append([]string(nil), s.addrs...), true
}

// Visible returns every peer with a fresh sighting.
func (t *Tracker) Visible() []identity.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(t.sightings))
	for peer := range t.sightings {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
