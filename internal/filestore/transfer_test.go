// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/transport"
	"github.com/rchat-net/rchat/internal/wire"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type staticResolver struct {
	mu    sync.Mutex
	addrs map[identity.PeerID][]string
}

func (r *staticResolver) Addrs(_ context.Context, peer identity.PeerID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[peer], nil
}

func (r *staticResolver) set(peer identity.PeerID, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[peer] = addrs
}

type fileNode struct {
	id      *identity.Identity
	store   *store.Store
	blobs   *Blobs
	service *Service
	events  <-chan event.Event
}

func newFileNode(t *testing.T, resolver *staticResolver) *fileNode {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "rchat.db"), discard())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs, err := NewBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	bus := event.NewBus(discard())
	t.Cleanup(bus.Close)
	events, cancelSub := bus.Subscribe()
	t.Cleanup(cancelSub)

	trust := func(ctx context.Context, peer identity.PeerID) (bool, error) {
		return st.IsTrusted(ctx, peer.String())
	}
	manager := session.NewManager(
		[]transport.Dialer{transport.NewTCPDialer(id, discard())},
		resolver, trust, bus, discard(),
	)
	service, err := NewService(blobs, st, manager, bus, discard())
	if err != nil {
		t.Fatalf("creating transfer service: %v", err)
	}
	manager.Register(wire.ProtocolFile, service)

	listener, err := transport.NewTCPListener("127.0.0.1:0", id, discard())
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go listener.Serve(ctx, manager.StreamHandler(ctx))
	t.Cleanup(func() { listener.Close() })
	resolver.set(id.PeerID(), []string{listener.Address()})

	return &fileNode{id: id, store: st, blobs: blobs, service: service, events: events}
}

func newFilePair(t *testing.T) (*fileNode, *fileNode) {
	t.Helper()
	resolver := &staticResolver{addrs: make(map[identity.PeerID][]string)}
	alice := newFileNode(t, resolver)
	bob := newFileNode(t, resolver)
	ctx := context.Background()
	now := time.Now().Unix()
	if err := alice.store.AddPeer(ctx, store.Peer{ID: bob.id.PeerID().String(), AddedAt: now}); err != nil {
		t.Fatalf("adding peer: %v", err)
	}
	if err := bob.store.AddPeer(ctx, store.Peer{ID: alice.id.PeerID().String(), AddedAt: now}); err != nil {
		t.Fatalf("adding peer: %v", err)
	}
	return alice, bob
}

// shareFile puts content into the node's blob store and records it so
// the transfer service will serve it.
func shareFile(t *testing.T, n *fileNode, content []byte) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "shared.bin")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	rec, err := n.service.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	return rec.Hash
}

// chunkedPayload is compressible and spans several chunks.
func chunkedPayload() []byte {
	return bytes.Repeat([]byte("rchat blob payload "), 12_000)
}

func TestFetchRoundTrip(t *testing.T) {
	alice, bob := newFilePair(t)
	ctx := context.Background()
	content := chunkedPayload()
	hash := shareFile(t, alice, content)

	if err := bob.service.Fetch(ctx, alice.id.PeerID(), hash); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got, err := bob.blobs.Read(hash)
	if err != nil {
		t.Fatalf("reading fetched blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("fetched bytes differ")
	}
	rec, err := bob.store.GetFile(ctx, hash)
	if err != nil {
		t.Fatalf("loading record: %v", err)
	}
	if !rec.IsComplete || rec.Quarantined {
		t.Errorf("record = %+v", rec)
	}
	if rec.SizeBytes != int64(len(content)) {
		t.Errorf("size = %d, want %d", rec.SizeBytes, len(content))
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-bob.events:
			if done, ok := evt.(event.FileTransferComplete); ok {
				if done.FileHash != hash {
					t.Errorf("completed hash = %q", done.FileHash)
				}
				return
			}
		case <-deadline:
			t.Fatal("transfer completion never announced")
		}
	}
}

func TestFetchResumesPartial(t *testing.T) {
	alice, bob := newFilePair(t)
	ctx := context.Background()
	content := chunkedPayload()
	hash := shareFile(t, alice, content)

	// Half the blob already arrived in a previous run.
	half := len(content) / 2
	if err := os.WriteFile(bob.blobs.PartialPath(hash), content[:half], 0o600); err != nil {
		t.Fatalf("seeding partial: %v", err)
	}

	if err := bob.service.Fetch(ctx, alice.id.PeerID(), hash); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := bob.blobs.Read(hash)
	if err != nil {
		t.Fatalf("reading fetched blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed bytes differ")
	}
}

func TestTamperedBlobQuarantined(t *testing.T) {
	alice, bob := newFilePair(t)
	ctx := context.Background()
	content := chunkedPayload()
	hash := shareFile(t, alice, content)

	// Corrupt the bytes on disk after the hash was recorded.
	tampered := bytes.Clone(content)
	tampered[len(tampered)/2] ^= 0xff
	if err := os.WriteFile(alice.blobs.Path(hash), tampered, 0o600); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	// The receiver knows the file from the chat announcement.
	if err := bob.store.UpsertFile(ctx, store.FileRecord{
		Hash:      hash,
		SizeBytes: int64(len(content)),
		FirstSeen: time.Now().Unix(),
		Origin:    store.OriginRemote,
	}); err != nil {
		t.Fatalf("recording announcement: %v", err)
	}

	err := bob.service.Fetch(ctx, alice.id.PeerID(), hash)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("fetch err = %v, want ErrTransferFailed", err)
	}

	rec, err := bob.store.GetFile(ctx, hash)
	if err != nil {
		t.Fatalf("loading record: %v", err)
	}
	if !rec.Quarantined || rec.IsComplete {
		t.Errorf("record = %+v, want quarantined", rec)
	}
	if size := bob.blobs.PartialSize(hash); size != 0 {
		t.Errorf("partial size = %d, want 0", size)
	}
	if _, err := bob.blobs.Read(hash); !errors.Is(err, ErrNoBlob) {
		t.Errorf("read = %v, want ErrNoBlob", err)
	}

	// A quarantined hash is never fetched again.
	if err := bob.service.Fetch(ctx, alice.id.PeerID(), hash); !errors.Is(err, ErrTransferFailed) {
		t.Errorf("refetch err = %v, want ErrTransferFailed", err)
	}
}

func TestFetchUnknownFileFails(t *testing.T) {
	alice, bob := newFilePair(t)
	hash := HashBytes([]byte("never shared"))

	err := bob.service.Fetch(context.Background(), alice.id.PeerID(), hash)
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("fetch err = %v, want ErrTransferFailed", err)
	}
}

func TestFetchCoalescesConcurrentCalls(t *testing.T) {
	alice, bob := newFilePair(t)
	ctx := context.Background()
	content := chunkedPayload()
	hash := shareFile(t, alice, content)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = bob.service.Fetch(ctx, alice.id.PeerID(), hash)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("fetch %d: %v", i, err)
		}
	}

	got, err := bob.blobs.Read(hash)
	if err != nil {
		t.Fatalf("reading fetched blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("fetched bytes differ")
	}
}

func TestFetchFromUntrustedPeerRejected(t *testing.T) {
	resolver := &staticResolver{addrs: make(map[identity.PeerID][]string)}
	alice := newFileNode(t, resolver)
	bob := newFileNode(t, resolver)
	content := []byte("not for strangers")
	hash := shareFile(t, alice, content)

	err := bob.service.Fetch(context.Background(), alice.id.PeerID(), hash)
	if err == nil {
		t.Fatal("fetch from untrusted peer succeeded")
	}
	if _, readErr := bob.blobs.Read(hash); !errors.Is(readErr, ErrNoBlob) {
		t.Errorf("read = %v, want ErrNoBlob", readErr)
	}
}

func TestImportRecordsMetadata(t *testing.T) {
	resolver := &staticResolver{addrs: make(map[identity.PeerID][]string)}
	alice := newFileNode(t, resolver)
	ctx := context.Background()

	data := []byte("local import")
	src := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	rec, err := alice.service.Import(ctx, src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if rec.Origin != store.OriginLocal || !rec.IsComplete {
		t.Errorf("record = %+v", rec)
	}

	stored, err := alice.store.GetFile(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("loading record: %v", err)
	}
	if stored.SizeBytes != int64(len(data)) {
		t.Errorf("size = %d", stored.SizeBytes)
	}
	got, err := alice.blobs.Read(rec.Hash)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("imported bytes differ")
	}
}
