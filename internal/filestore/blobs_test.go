// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBlobs(t *testing.T) *Blobs {
	t.Helper()
	b, err := NewBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	return b
}

func TestPutReadRoundTrip(t *testing.T) {
	b := newTestBlobs(t)
	data := []byte("hello, content addressing")

	hash, err := b.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if hash != HashBytes(data) {
		t.Errorf("hash = %q, want %q", hash, HashBytes(data))
	}

	again, err := b.Put(data)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if again != hash {
		t.Errorf("second put = %q, want %q", again, hash)
	}

	got, err := b.Read(hash)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read = %q", got)
	}

	if err := b.Remove(hash); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := b.Read(hash); !errors.Is(err, ErrNoBlob) {
		t.Errorf("read after remove = %v, want ErrNoBlob", err)
	}
	if err := b.Remove(hash); err != nil {
		t.Errorf("removing missing blob: %v", err)
	}
}

func TestImport(t *testing.T) {
	b := newTestBlobs(t)
	data := bytes.Repeat([]byte("imported bytes\n"), 100)
	src := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	hash, size, mimeHint, err := b.Import(src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if hash != HashBytes(data) {
		t.Errorf("hash = %q, want %q", hash, HashBytes(data))
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
	if !strings.HasPrefix(mimeHint, "text/plain") {
		t.Errorf("mime = %q", mimeHint)
	}

	got, err := b.Read(hash)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("imported bytes differ")
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	data := []byte("the same bytes either way")
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing: %v", err)
	}

	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if hash != HashBytes(data) {
		t.Errorf("file hash = %q, bytes hash = %q", hash, HashBytes(data))
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d", size)
	}
}

func TestStickerSizeCap(t *testing.T) {
	b := newTestBlobs(t)

	if _, err := b.PutSticker(make([]byte, MaxStickerSize+1)); !errors.Is(err, ErrStickerTooLarge) {
		t.Errorf("oversized sticker err = %v, want ErrStickerTooLarge", err)
	}

	data := []byte("small sticker")
	hash, err := b.PutSticker(data)
	if err != nil {
		t.Fatalf("put sticker: %v", err)
	}
	got, err := b.ReadSticker(hash)
	if err != nil {
		t.Fatalf("read sticker: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("sticker = %q", got)
	}

	if err := b.RemoveSticker(hash); err != nil {
		t.Fatalf("remove sticker: %v", err)
	}
	if _, err := b.ReadSticker(hash); !errors.Is(err, ErrNoBlob) {
		t.Errorf("read after remove = %v, want ErrNoBlob", err)
	}
}

func TestPartialPromote(t *testing.T) {
	b := newTestBlobs(t)
	data := []byte("downloaded in pieces")
	hash := HashBytes(data)

	if got := b.PartialSize(hash); got != 0 {
		t.Errorf("partial size before download = %d", got)
	}
	if err := os.WriteFile(b.PartialPath(hash), data, 0o600); err != nil {
		t.Fatalf("writing partial: %v", err)
	}
	if got := b.PartialSize(hash); got != int64(len(data)) {
		t.Errorf("partial size = %d, want %d", got, len(data))
	}

	if err := b.Promote(hash); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err := b.Read(hash)
	if err != nil {
		t.Fatalf("read promoted: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("promoted bytes differ")
	}
	if size := b.PartialSize(hash); size != 0 {
		t.Errorf("partial size after promote = %d", size)
	}
}

func TestDiscardPartial(t *testing.T) {
	b := newTestBlobs(t)
	hash := HashBytes([]byte("gone"))
	if err := os.WriteFile(b.PartialPath(hash), []byte("gone"), 0o600); err != nil {
		t.Fatalf("writing partial: %v", err)
	}
	b.DiscardPartial(hash)
	if size := b.PartialSize(hash); size != 0 {
		t.Errorf("partial size after discard = %d", size)
	}
	b.DiscardPartial(hash)
}
