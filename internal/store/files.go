// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// File origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// FileRecord describes one content-addressed blob on disk. Hash is the
// hex BLAKE3 digest of the full content and doubles as the key.
type FileRecord struct {
	Hash        string `json:"hash"`
	SizeBytes   int64  `json:"size_bytes"`
	MimeHint    string `json:"mime_hint,omitempty"`
	LocalPath   string `json:"local_path"`
	FirstSeen   int64  `json:"first_seen"`
	Origin      string `json:"origin"`
	IsComplete  bool   `json:"is_complete"`
	Quarantined bool   `json:"quarantined"`
}

// UpsertFile records a blob's metadata, replacing any existing row for
// the same hash.
func (s *Store) UpsertFile(ctx context.Context, file FileRecord) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO files
		    (hash, size_bytes, mime_hint, local_path, first_seen,
		     origin, is_complete, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
		    size_bytes  = excluded.size_bytes,
		    mime_hint   = excluded.mime_hint,
		    local_path  = excluded.local_path,
		    is_complete = excluded.is_complete,
		    quarantined = excluded.quarantined`,
		&sqlitex.ExecOptions{
			Args: []any{
				file.Hash, file.SizeBytes, file.MimeHint, file.LocalPath,
				file.FirstSeen, file.Origin,
				boolToInt(file.IsComplete), boolToInt(file.Quarantined),
			},
		})
	if err != nil {
		return fmt.Errorf("store: upserting file %s: %w", file.Hash, err)
	}
	return nil
}

// GetFile loads a blob's metadata by hash.
func (s *Store) GetFile(ctx context.Context, hash string) (FileRecord, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return FileRecord{}, err
	}
	defer release()

	var file FileRecord
	found := false
	err = sqlitex.Execute(conn, `
		SELECT hash, size_bytes, mime_hint, local_path, first_seen,
		       origin, is_complete, quarantined
		FROM files WHERE hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				file = scanFile(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return FileRecord{}, fmt.Errorf("store: loading file %s: %w", hash, err)
	}
	if !found {
		return FileRecord{}, fmt.Errorf("store: file %s: %w", hash, ErrNotFound)
	}
	return file, nil
}

// SetFileComplete marks a blob fully received and verified.
func (s *Store) SetFileComplete(ctx context.Context, hash string) error {
	return s.updateFileFlags(ctx, hash, 1, 0)
}

// QuarantineFile marks a blob as failing verification. Quarantined
// blobs are never served or displayed.
func (s *Store) QuarantineFile(ctx context.Context, hash string) error {
	return s.updateFileFlags(ctx, hash, 0, 1)
}

func (s *Store) updateFileFlags(ctx context.Context, hash string, complete, quarantined int64) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		UPDATE files SET is_complete = ?, quarantined = ? WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{complete, quarantined, hash}})
	if err != nil {
		return fmt.Errorf("store: updating file %s: %w", hash, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: file %s: %w", hash, ErrNotFound)
	}
	return nil
}

// DeleteFile removes a blob's metadata row. The caller removes the
// bytes on disk.
func (s *Store) DeleteFile(ctx context.Context, hash string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM files WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{hash}})
	if err != nil {
		return fmt.Errorf("store: deleting file %s: %w", hash, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: file %s: %w", hash, ErrNotFound)
	}
	return nil
}

func scanFile(stmt *sqlite.Stmt) FileRecord {
	return FileRecord{
		Hash:        stmt.ColumnText(0),
		SizeBytes:   stmt.ColumnInt64(1),
		MimeHint:    stmt.ColumnText(2),
		LocalPath:   stmt.ColumnText(3),
		FirstSeen:   stmt.ColumnInt64(4),
		Origin:      stmt.ColumnText(5),
		IsComplete:  stmt.ColumnInt64(6) != 0,
		Quarantined: stmt.ColumnInt64(7) != 0,
	}
}

// Sticker is a small reusable image addressed by content hash.
type Sticker struct {
	Hash      string `json:"hash"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt int64  `json:"created_at"`
}

// AddSticker registers a sticker. Re-adding the same hash updates the
// display name.
func (s *Store) AddSticker(ctx context.Context, sticker Sticker) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO stickers (hash, name, size_bytes, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET name = excluded.name`,
		&sqlitex.ExecOptions{
			Args: []any{sticker.Hash, sticker.Name, sticker.SizeBytes, sticker.CreatedAt},
		})
	if err != nil {
		return fmt.Errorf("store: adding sticker %s: %w", sticker.Hash, err)
	}
	return nil
}

// ListStickers returns the sticker collection, newest first.
func (s *Store) ListStickers(ctx context.Context) ([]Sticker, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var stickers []Sticker
	err = sqlitex.Execute(conn, `
		SELECT hash, name, size_bytes, created_at
		FROM stickers
		ORDER BY created_at DESC, hash`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stickers = append(stickers, Sticker{
					Hash:      stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					SizeBytes: stmt.ColumnInt64(2),
					CreatedAt: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing stickers: %w", err)
	}
	return stickers, nil
}

// RemoveSticker deletes a sticker from the collection.
func (s *Store) RemoveSticker(ctx context.Context, hash string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM stickers WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{hash}})
	if err != nil {
		return fmt.Errorf("store: removing sticker %s: %w", hash, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: sticker %s: %w", hash, ErrNotFound)
	}
	return nil
}
