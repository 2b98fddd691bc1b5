// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists chat state in SQLite: the peer trust list,
// message history, envelope grouping, file metadata, stickers, the
// local profile, and pending invitations. All access goes through a
// connection pool; write paths that touch multiple tables run inside
// an immediate transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/rchat-net/rchat/lib/sqlitepool"
)

var (
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict reports that an insert collided with an existing
	// row's unique constraint.
	ErrConflict = errors.New("store: conflict")
)

// FileName is the database filename inside the node data directory.
const FileName = "rchat.db"

const schema = `
CREATE TABLE IF NOT EXISTS peers (
    id          TEXT PRIMARY KEY,
    alias       TEXT NOT NULL DEFAULT '',
    handle      TEXT NOT NULL DEFAULT '',
    added_at    INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL DEFAULT 0,
    pinned      INTEGER NOT NULL DEFAULT 0,
    order_index INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS envelopes (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    icon       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_envelopes (
    chat_id     TEXT PRIMARY KEY,
    envelope_id TEXT NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    chat_id      TEXT NOT NULL,
    direction    TEXT NOT NULL CHECK (direction IN ('in', 'out')),
    sender_id    TEXT NOT NULL,
    content_type TEXT NOT NULL,
    text_content TEXT NOT NULL DEFAULT '',
    file_hash    TEXT NOT NULL DEFAULT '',
    file_name    TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    status       TEXT NOT NULL,
    read_acked   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_chat
    ON messages (chat_id, id);

CREATE INDEX IF NOT EXISTS idx_messages_chat_unread
    ON messages (chat_id, direction, status);

CREATE TABLE IF NOT EXISTS files (
    hash        TEXT PRIMARY KEY,
    size_bytes  INTEGER NOT NULL,
    mime_hint   TEXT NOT NULL DEFAULT '',
    local_path  TEXT NOT NULL,
    first_seen  INTEGER NOT NULL,
    origin      TEXT NOT NULL CHECK (origin IN ('local', 'remote')),
    is_complete INTEGER NOT NULL DEFAULT 0,
    quarantined INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stickers (
    hash       TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invites (
    nonce      TEXT PRIMARY KEY,
    invitee    TEXT NOT NULL,
    secret     BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    state      TEXT NOT NULL CHECK (state IN ('pending', 'redeemed', 'expired'))
);
`

// Store is the node's SQLite-backed persistence layer.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies
// the schema. The caller must Close the store when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger.With("component", "store"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// conn borrows a connection; the returned release function must be
// called when the caller is done with it.
func (s *Store) conn(ctx context.Context) (*sqlite.Conn, func(), error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { s.pool.Put(conn) }, nil
}
