// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package event carries typed notifications from the node core to the
// UI process. Producers never block: each subscriber owns a bounded
// buffer and a slow subscriber loses the oldest events rather than
// stalling the network or storage paths.
package event

import (
	"log/slog"
	"sync"
)

// Event is implemented by every notification the core emits. The type
// tag is the stable name the UI switches on.
type Event interface {
	EventType() string
}

// AuthStatus reports vault lifecycle changes.
type AuthStatus struct {
	IsSetUp    bool `json:"is_setup"`
	IsUnlocked bool `json:"is_unlocked"`
	IsOnline   bool `json:"is_online"`
}

func (AuthStatus) EventType() string { return "auth-status" }

// LocalPeerDiscovered reports an mDNS sighting of a peer on the LAN.
type LocalPeerDiscovered struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

func (LocalPeerDiscovered) EventType() string { return "local-peer-discovered" }

// LocalPeerExpired reports that a previously discovered peer's mDNS
// entry aged out.
type LocalPeerExpired struct {
	PeerID string `json:"peer_id"`
}

func (LocalPeerExpired) EventType() string { return "local-peer-expired" }

// PeerConnected reports an established authenticated session.
type PeerConnected struct {
	PeerID string `json:"peer_id"`
}

func (PeerConnected) EventType() string { return "peer-connected" }

// PeerDisconnected reports a closed session.
type PeerDisconnected struct {
	PeerID string `json:"peer_id"`
}

func (PeerDisconnected) EventType() string { return "peer-disconnected" }

// MessageReceived reports a newly persisted inbound message. The
// payload mirrors the stored message row.
type MessageReceived struct {
	MsgID       string `json:"msg_id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

func (MessageReceived) EventType() string { return "message-received" }

// MessageStatusUpdated reports a delivery-state transition for a sent
// message.
type MessageStatusUpdated struct {
	MsgID  string `json:"msg_id"`
	ChatID string `json:"chat_id"`
	Status string `json:"status"`
}

func (MessageStatusUpdated) EventType() string { return "message-status-updated" }

// TypingIndicator reports that a peer started or stopped composing.
// Not persisted; the UI times the indicator out on its own.
type TypingIndicator struct {
	PeerID string `json:"peer_id"`
	Active bool   `json:"active"`
}

func (TypingIndicator) EventType() string { return "typing-indicator" }

// PeerProfileUpdated reports a fresh display name or avatar received
// from a peer.
type PeerProfileUpdated struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	AvatarHash  string `json:"avatar_hash,omitempty"`
}

func (PeerProfileUpdated) EventType() string { return "peer-profile-updated" }

// FileTransferProgress reports bytes received for an in-flight
// transfer. Emitted at most ten times per second per file.
type FileTransferProgress struct {
	FileHash  string `json:"file_hash"`
	BytesDone int64  `json:"bytes_done"`
	Total     int64  `json:"total"`
}

func (FileTransferProgress) EventType() string { return "file-transfer-progress" }

// FileTransferComplete reports a verified, fully stored file.
type FileTransferComplete struct {
	FileHash string `json:"file_hash"`
}

func (FileTransferComplete) EventType() string { return "file-transfer-complete" }

// FileTransferFailed reports an aborted or hash-mismatched transfer.
type FileTransferFailed struct {
	FileHash string `json:"file_hash"`
	Reason   string `json:"reason"`
}

func (FileTransferFailed) EventType() string { return "file-transfer-failed" }

// subscriber is one bounded delivery queue.
type subscriber struct {
	events chan Event
}

// Bus fans events out to any number of subscribers. Publish never
// blocks: when a subscriber's buffer is full the oldest queued event
// is dropped to make room.
//
// Ordering is preserved per subscriber in publish order; a drop
// removes the oldest event but never reorders the rest.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// DefaultBufferSize is each subscriber's queue depth.
const DefaultBufferSize = 256

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:      logger.With("component", "eventbus"),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its receive channel
// plus a cancel function. The channel is closed on cancel or bus
// Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{events: make(chan Event, DefaultBufferSize)}
	if b.closed {
		close(sub.events)
		return sub.events, func() {}
	}
	b.subscribers[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[sub]; ok {
				delete(b.subscribers, sub)
				close(sub.events)
			}
		})
	}
	return sub.events, cancel
}

// Publish delivers evt to every subscriber without blocking. A full
// subscriber queue sheds its oldest event.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subscribers {
		for {
			select {
			case sub.events <- evt:
			default:
				// Queue full: shed the oldest and retry.
				select {
				case dropped := <-sub.events:
					b.logger.Debug("event dropped for slow subscriber",
						"type", dropped.EventType(),
					)
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.events)
	}
	b.subscribers = nil
}
