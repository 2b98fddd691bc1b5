// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Peer is one trusted contact. The trust list is the set of peers the
// node will talk to; connections from anyone else are refused.
type Peer struct {
	ID         string `json:"id"`
	Alias      string `json:"alias,omitempty"`
	Handle     string `json:"handle,omitempty"`
	AddedAt    int64  `json:"added_at"`
	LastSeen   int64  `json:"last_seen"`
	Pinned     bool   `json:"pinned"`
	OrderIndex int64  `json:"order_index"`
}

// AddPeer inserts a peer into the trust list. Adding an existing peer
// returns ErrConflict.
func (s *Store) AddPeer(ctx context.Context, peer Peer) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO peers (id, alias, handle, added_at, last_seen, pinned, order_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				peer.ID, peer.Alias, peer.Handle, peer.AddedAt, peer.LastSeen,
				boolToInt(peer.Pinned), peer.OrderIndex,
			},
		})
	if err != nil {
		return fmt.Errorf("store: adding peer %s: %w", peer.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: peer %s: %w", peer.ID, ErrConflict)
	}
	return nil
}

// GetPeer loads a single trusted peer.
func (s *Store) GetPeer(ctx context.Context, id string) (Peer, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return Peer{}, err
	}
	defer release()

	var peer Peer
	found := false
	err = sqlitex.Execute(conn, `
		SELECT id, alias, handle, added_at, last_seen, pinned, order_index
		FROM peers WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				peer = scanPeer(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Peer{}, fmt.Errorf("store: loading peer %s: %w", id, err)
	}
	if !found {
		return Peer{}, fmt.Errorf("store: peer %s: %w", id, ErrNotFound)
	}
	return peer, nil
}

// ListPeers returns the trust list, pinned peers first, then by
// explicit order, then by insertion time.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var peers []Peer
	err = sqlitex.Execute(conn, `
		SELECT id, alias, handle, added_at, last_seen, pinned, order_index
		FROM peers
		ORDER BY pinned DESC, order_index, added_at`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				peers = append(peers, scanPeer(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing peers: %w", err)
	}
	return peers, nil
}

// IsTrusted reports whether id is on the trust list.
func (s *Store) IsTrusted(ctx context.Context, id string) (bool, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	trusted := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM peers WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				trusted = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: checking trust for %s: %w", id, err)
	}
	return trusted, nil
}

// SetPeerAlias updates the display alias for a peer.
func (s *Store) SetPeerAlias(ctx context.Context, id, alias string) error {
	return s.updatePeerField(ctx, id, "alias", alias)
}

// SetPeerHandle updates the rendezvous handle used to find the peer
// off the local network.
func (s *Store) SetPeerHandle(ctx context.Context, id, handle string) error {
	return s.updatePeerField(ctx, id, "handle", handle)
}

// SetPeerPinned pins or unpins a peer's chat at the top of the list.
func (s *Store) SetPeerPinned(ctx context.Context, id string, pinned bool) error {
	return s.updatePeerField(ctx, id, "pinned", boolToInt(pinned))
}

// SetPeerOrder sets a peer's explicit position in the chat list.
func (s *Store) SetPeerOrder(ctx context.Context, id string, index int64) error {
	return s.updatePeerField(ctx, id, "order_index", index)
}

// TouchPeer records the most recent time a peer was seen online.
func (s *Store) TouchPeer(ctx context.Context, id string, seenAt int64) error {
	return s.updatePeerField(ctx, id, "last_seen", seenAt)
}

func (s *Store) updatePeerField(ctx context.Context, id, column string, value any) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `UPDATE peers SET `+column+` = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{value, id}})
	if err != nil {
		return fmt.Errorf("store: updating %s of peer %s: %w", column, id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: peer %s: %w", id, ErrNotFound)
	}
	return nil
}

// RemovePeer deletes a peer, its chat history, and its envelope
// assignment in one transaction.
func (s *Store) RemovePeer(ctx context.Context, id string) (err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM peers WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deleting peer %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: peer %s: %w", id, ErrNotFound)
	}

	err = sqlitex.Execute(conn, `DELETE FROM messages WHERE chat_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deleting messages for %s: %w", id, err)
	}

	err = sqlitex.Execute(conn, `DELETE FROM chat_envelopes WHERE chat_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deleting envelope assignment for %s: %w", id, err)
	}
	return nil
}

func scanPeer(stmt *sqlite.Stmt) Peer {
	return Peer{
		ID:         stmt.ColumnText(0),
		Alias:      stmt.ColumnText(1),
		Handle:     stmt.ColumnText(2),
		AddedAt:    stmt.ColumnInt64(3),
		LastSeen:   stmt.ColumnInt64(4),
		Pinned:     stmt.ColumnInt64(5) != 0,
		OrderIndex: stmt.ColumnInt64(6),
	}
}
