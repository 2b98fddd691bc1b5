// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package filestore holds content-addressed blobs on disk and moves
// them between peers in chunks. Files live under
// files/<prefix>/<hash>, stickers in their own namespace, and
// in-flight downloads under partial/ until the hash verifies.
package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rchat-net/rchat/internal/crypto"
)

// MaxStickerSize caps sticker blobs.
const MaxStickerSize = 1 << 20

var (
	// ErrNoBlob means no stored bytes exist for the hash.
	ErrNoBlob = errors.New("filestore: blob not found")

	// ErrStickerTooLarge rejects stickers over MaxStickerSize.
	ErrStickerTooLarge = errors.New("filestore: sticker too large")
)

// Blobs is the on-disk content-addressed store.
type Blobs struct {
	root string
}

// NewBlobs prepares the blob directories under root.
func NewBlobs(root string) (*Blobs, error) {
	for _, dir := range []string{"files", "stickers", "partial"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("filestore: creating %s: %w", dir, err)
		}
	}
	return &Blobs{root: root}, nil
}

// Path returns where a complete blob lives, sharded by hash prefix.
func (b *Blobs) Path(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(b.root, "files", prefix, hash)
}

// StickerPath returns where a sticker blob lives.
func (b *Blobs) StickerPath(hash string) string {
	return filepath.Join(b.root, "stickers", hash)
}

// PartialPath returns the staging path for an in-flight download.
func (b *Blobs) PartialPath(hash string) string {
	return filepath.Join(b.root, "partial", hash)
}

// HashBytes returns the hex content hash of data.
func HashBytes(data []byte) string {
	sum := crypto.HashContent(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through the content hasher and returns the
// hex hash and size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("filestore: opening %s: %w", path, err)
	}
	defer f.Close()

	hasher := crypto.NewContentHasher()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("filestore: hashing %s: %w", path, err)
	}
	sum := hasher.Sum()
	return hex.EncodeToString(sum[:]), size, nil
}

// Put stores data under its own hash and returns the hash. Storing
// the same bytes twice is a no-op.
func (b *Blobs) Put(data []byte) (string, error) {
	hash := HashBytes(data)
	path := b.Path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Import copies the file at path into the store and returns its hash,
// size, and a MIME hint from the extension.
func (b *Blobs) Import(path string) (hash string, size int64, mimeHint string, err error) {
	hash, size, err = HashFile(path)
	if err != nil {
		return "", 0, "", err
	}
	dest := b.Path(hash)
	if _, statErr := os.Stat(dest); statErr != nil {
		if err := copyFile(path, dest); err != nil {
			return "", 0, "", err
		}
	}
	return hash, size, mime.TypeByExtension(filepath.Ext(path)), nil
}

// DetectMime guesses a media type from the file extension, sniffing
// the content when the extension says nothing.
func DetectMime(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// Read returns a complete blob's bytes.
func (b *Blobs) Read(hash string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoBlob, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", hash, err)
	}
	return data, nil
}

// PutSticker stores sticker bytes in the sticker namespace.
func (b *Blobs) PutSticker(data []byte) (string, error) {
	if len(data) > MaxStickerSize {
		return "", fmt.Errorf("%w: %d bytes", ErrStickerTooLarge, len(data))
	}
	hash := HashBytes(data)
	path := b.StickerPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return hash, nil
}

// ReadSticker returns sticker bytes.
func (b *Blobs) ReadSticker(hash string) ([]byte, error) {
	data, err := os.ReadFile(b.StickerPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoBlob, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: reading sticker %s: %w", hash, err)
	}
	return data, nil
}

// RemoveSticker deletes a sticker blob. Missing blobs are fine.
func (b *Blobs) RemoveSticker(hash string) error {
	err := os.Remove(b.StickerPath(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: removing sticker %s: %w", hash, err)
	}
	return nil
}

// Remove deletes a complete blob. Missing blobs are fine.
func (b *Blobs) Remove(hash string) error {
	err := os.Remove(b.Path(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: removing %s: %w", hash, err)
	}
	return nil
}

// PartialSize reports how many bytes of an in-flight download are
// already on disk, for resuming.
func (b *Blobs) PartialSize(hash string) int64 {
	info, err := os.Stat(b.PartialPath(hash))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Promote moves a verified partial download into its final home.
func (b *Blobs) Promote(hash string) error {
	dest := b.Path(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("filestore: creating shard dir: %w", err)
	}
	if err := os.Rename(b.PartialPath(hash), dest); err != nil {
		return fmt.Errorf("filestore: promoting %s: %w", hash, err)
	}
	return nil
}

// DiscardPartial removes an in-flight download's staging file.
func (b *Blobs) DiscardPartial(hash string) {
	os.Remove(b.PartialPath(hash))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("filestore: creating dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: committing %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("filestore: opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("filestore: creating dir: %w", err)
	}
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("filestore: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("filestore: copying to %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: committing %s: %w", dest, err)
	}
	return nil
}
