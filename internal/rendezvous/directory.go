// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/identity"
)

// ErrNoRecord is returned by lookups when the directory holds nothing
// for the requested handle or topic.
var ErrNoRecord = errors.New("rendezvous: no record")

// Directory is the untrusted blob store presence records and topic
// messages travel through. The gist client is the production
// implementation; Memory serves tests and offline operation.
type Directory interface {
	// PublishPresence stores the caller's presence blob under its
	// own handle, replacing any previous one.
	PublishPresence(ctx context.Context, body string) error

	// LookupPresence fetches the presence blob a handle last
	// published.
	LookupPresence(ctx context.Context, handle string) (string, error)

	// PublishTopic appends a message blob to a topic under the
	// caller's handle.
	PublishTopic(ctx context.Context, topic, body string) error

	// PollTopic fetches the message blobs a handle has published on
	// a topic, oldest first.
	PollTopic(ctx context.Context, handle, topic string) ([]string, error)
}

// Resolve looks up a handle's presence and verifies the record.
func Resolve(ctx context.Context, dir Directory, handle string, now time.Time) (PresenceRecord, error) {
	body, err := dir.LookupPresence(ctx, handle)
	if err != nil {
		return PresenceRecord{}, err
	}
	record, err := DecodeRecord(body, now)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("rendezvous: handle %q: %w", handle, err)
	}
	return record, nil
}

// Publisher periodically writes this node's signed presence record to
// the directory while online mode is enabled.
type Publisher struct {
	dir    Directory
	id     *identity.Identity
	addrs  func() []string
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	kick     chan struct{}
}

// NewPublisher creates a publisher. addrs is consulted on every
// publish so listener addresses observed later still make it into the
// record.
func NewPublisher(dir Directory, id *identity.Identity, addrs func() []string, logger *slog.Logger) *Publisher {
	return &Publisher{
		dir:      dir,
		id:       id,
		addrs:    addrs,
		logger:   logger.With("component", "rendezvous"),
		interval: PublishInterval,
		kick:     make(chan struct{}, 1),
	}
}

// SetFast switches between the steady and fast publish cadence. Going
// fast also triggers an immediate publish.
func (p *Publisher) SetFast(fast bool) {
	p.mu.Lock()
	if fast {
		p.interval = FastPublishInterval
	} else {
		p.interval = PublishInterval
	}
	p.mu.Unlock()

	if fast {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

func (p *Publisher) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Run publishes immediately and then on the configured cadence until
// ctx is cancelled. Publish failures are logged and retried on the
// next tick.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		p.publishOnce(ctx)

		timer := time.NewTimer(p.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) {
	addrs := p.addrs()
	if len(addrs) == 0 {
		p.logger.Debug("skipping presence publish, no listen addresses yet")
		return
	}
	body, err := EncodeRecord(p.id, addrs, time.Now())
	if err != nil {
		p.logger.Warn("encoding presence record failed", "error", err)
		return
	}
	if err := p.dir.PublishPresence(ctx, body); err != nil {
		p.logger.Warn("presence publish failed", "error", err)
		return
	}
	p.logger.Debug("presence published", "addrs", addrs)
}

// memoryStore is the shared state behind Memory directories, so two
// Memory handles in a test see each other's publishes.
type memoryStore struct {
	mu       sync.Mutex
	presence map[string]string
	topics   map[string]map[string][]string
}

// Memory is an in-process Directory. Each Memory publishes under one
// handle; Share derives a second handle over the same storage.
type Memory struct {
	store  *memoryStore
	handle string
}

// NewMemory creates an empty in-memory directory publishing under the
// given handle.
func NewMemory(handle string) *Memory {
	return &Memory{
		store: &memoryStore{
			presence: make(map[string]string),
			topics:   make(map[string]map[string][]string),
		},
		handle: handle,
	}
}

var _ Directory = (*Memory)(nil)

// Share returns a directory over the same storage publishing under a
// different handle.
func (m *Memory) Share(handle string) *Memory {
	return &Memory{store: m.store, handle: handle}
}

// PublishPresence implements Directory.
func (m *Memory) PublishPresence(_ context.Context, body string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.presence[m.handle] = body
	return nil
}

// LookupPresence implements Directory.
func (m *Memory) LookupPresence(_ context.Context, handle string) (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	body, ok := m.store.presence[handle]
	if !ok {
		return "", ErrNoRecord
	}
	return body, nil
}

// PublishTopic implements Directory.
func (m *Memory) PublishTopic(_ context.Context, topic, body string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	byTopic, ok := m.store.topics[m.handle]
	if !ok {
		byTopic = make(map[string][]string)
		m.store.topics[m.handle] = byTopic
	}
	byTopic[topic] = append(byTopic[topic], body)
	return nil
}

// PollTopic implements Directory.
func (m *Memory) PollTopic(_ context.Context, handle, topic string) ([]string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	byTopic, ok := m.store.topics[handle]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), byTopic[topic]...), nil
}

// Handles lists every handle with a presence record, for test
// assertions.
func (m *Memory) Handles() []string {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	handles := make([]string, 0, len(m.store.presence))
	for handle := range m.store.presence {
		handles = append(handles, handle)
	}
	sort.Strings(handles)
	return handles
}
