// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rchat-net/rchat/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return id
}

func TestRecordRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	now := time.Now()

	body, err := EncodeRecord(id, []string{"192.0.2.1:7667", "[2001:db8::1]:7667"}, now)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	record, err := DecodeRecord(body, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if record.PeerID != id.PeerID().String() {
		t.Errorf("peer = %q, want %q", record.PeerID, id.PeerID())
	}
	if len(record.Addrs) != 2 || record.Addrs[0] != "192.0.2.1:7667" {
		t.Errorf("addrs = %v", record.Addrs)
	}
}

func TestDecodeRecordRejectsStale(t *testing.T) {
	id := newTestIdentity(t)
	now := time.Now()

	body, err := EncodeRecord(id, []string{"192.0.2.1:7667"}, now)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if _, err := DecodeRecord(body, now.Add(Freshness+time.Minute)); err == nil {
		t.Fatal("stale record accepted")
	}
	if _, err := DecodeRecord(body, now.Add(Freshness-time.Minute)); err != nil {
		t.Fatalf("fresh record rejected: %v", err)
	}
}

func TestDecodeRecordRejectsFuture(t *testing.T) {
	id := newTestIdentity(t)
	now := time.Now()

	body, err := EncodeRecord(id, []string{"192.0.2.1:7667"}, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if _, err := DecodeRecord(body, now); err == nil {
		t.Fatal("future-dated record accepted")
	}
}

func TestDecodeRecordRejectsTampering(t *testing.T) {
	id := newTestIdentity(t)
	now := time.Now()

	body, err := EncodeRecord(id, []string{"192.0.2.1:7667"}, now)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	// Corrupt one character of the base64 body.
	corrupted := []byte(body)
	middle := len(corrupted) / 2
	if corrupted[middle] == 'A' {
		corrupted[middle] = 'B'
	} else {
		corrupted[middle] = 'A'
	}
	if _, err := DecodeRecord(string(corrupted), now); err == nil {
		t.Fatal("tampered record accepted")
	}
}

func TestTopicMessageBindsTopic(t *testing.T) {
	id := newTestIdentity(t)
	now := time.Now()

	body, err := EncodeTopicMessage(id, "invite/a,b", []byte("sealed"), now)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	message, err := DecodeTopicMessage(body, "invite/a,b", now)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if string(message.Payload) != "sealed" || message.Sender != id.PeerID().String() {
		t.Errorf("message = %+v", message)
	}

	if _, err := DecodeTopicMessage(body, "invite/a,c", now); err == nil {
		t.Fatal("message accepted under a different topic")
	}
}

func TestPairTopicIsOrderIndependent(t *testing.T) {
	if PairTopic("zeta", "alpha") != PairTopic("alpha", "zeta") {
		t.Fatal("pair topic depends on argument order")
	}
	if got := PairTopic("alpha", "zeta"); got != "invite/alpha,zeta" {
		t.Errorf("topic = %q", got)
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	alice := NewMemory("alice")
	bob := alice.Share("bob")

	if err := alice.PublishPresence(ctx, "alice-record"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	body, err := bob.LookupPresence(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if body != "alice-record" {
		t.Errorf("body = %q", body)
	}

	if _, err := bob.LookupPresence(ctx, "carol"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("missing handle error = %v, want ErrNoRecord", err)
	}

	if err := bob.PublishTopic(ctx, "invite/a,b", "offer-1"); err != nil {
		t.Fatalf("publish topic: %v", err)
	}
	if err := bob.PublishTopic(ctx, "invite/a,b", "offer-2"); err != nil {
		t.Fatalf("publish topic: %v", err)
	}
	bodies, err := alice.PollTopic(ctx, "bob", "invite/a,b")
	if err != nil {
		t.Fatalf("poll topic: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != "offer-1" {
		t.Errorf("bodies = %v", bodies)
	}
}

func TestResolveVerifiesRecord(t *testing.T) {
	ctx := context.Background()
	id := newTestIdentity(t)
	dir := NewMemory("alice")

	body, err := EncodeRecord(id, []string{"192.0.2.1:7667"}, time.Now())
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if err := dir.PublishPresence(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	record, err := Resolve(ctx, dir, "alice", time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if record.PeerID != id.PeerID().String() {
		t.Errorf("peer = %q", record.PeerID)
	}

	if err := dir.PublishPresence(ctx, "not base64 cbor"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := Resolve(ctx, dir, "alice", time.Now()); err == nil {
		t.Fatal("garbage record resolved")
	}
}

func TestPublisherWritesPresence(t *testing.T) {
	id := newTestIdentity(t)
	dir := NewMemory("alice")
	publisher := NewPublisher(dir, id, func() []string {
		return []string{"192.0.2.1:7667"}
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		publisher.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if handles := dir.Handles(); len(handles) == 1 && handles[0] == "alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("publisher never wrote a record")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	record, err := Resolve(context.Background(), dir, "alice", time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(strings.Join(record.Addrs, " "), "192.0.2.1:7667") {
		t.Errorf("addrs = %v", record.Addrs)
	}
}

func TestPublisherSkipsWithoutAddrs(t *testing.T) {
	id := newTestIdentity(t)
	dir := NewMemory("alice")
	publisher := NewPublisher(dir, id, func() []string { return nil }, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		publisher.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if handles := dir.Handles(); len(handles) != 0 {
		t.Errorf("published without addresses: %v", handles)
	}
}
