// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Envelope is a named folder grouping chats. A chat belongs to at most
// one envelope; unassigned chats live at the root of the chat list.
type Envelope struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// CreateEnvelope inserts a new envelope. A duplicate id returns
// ErrConflict.
func (s *Store) CreateEnvelope(ctx context.Context, env Envelope) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO envelopes (id, name, icon, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{env.ID, env.Name, env.Icon, env.CreatedAt},
		})
	if err != nil {
		return fmt.Errorf("store: creating envelope %s: %w", env.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: envelope %s: %w", env.ID, ErrConflict)
	}
	return nil
}

// ListEnvelopes returns all envelopes in creation order.
func (s *Store) ListEnvelopes(ctx context.Context) ([]Envelope, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var envelopes []Envelope
	err = sqlitex.Execute(conn, `
		SELECT id, name, icon, created_at
		FROM envelopes
		ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				envelopes = append(envelopes, Envelope{
					ID:        stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					Icon:      stmt.ColumnText(2),
					CreatedAt: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing envelopes: %w", err)
	}
	return envelopes, nil
}

// RenameEnvelope updates an envelope's name and icon.
func (s *Store) RenameEnvelope(ctx context.Context, id, name, icon string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `UPDATE envelopes SET name = ?, icon = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{name, icon, id}})
	if err != nil {
		return fmt.Errorf("store: renaming envelope %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: envelope %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteEnvelope removes an envelope. Chats inside it fall back to the
// root via the assignment table's cascade.
func (s *Store) DeleteEnvelope(ctx context.Context, id string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM envelopes WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: deleting envelope %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: envelope %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssignChat places a chat into an envelope, replacing any previous
// assignment. An empty envelopeID moves the chat back to the root.
func (s *Store) AssignChat(ctx context.Context, chatID, envelopeID string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	if envelopeID == "" {
		err = sqlitex.Execute(conn, `DELETE FROM chat_envelopes WHERE chat_id = ?`,
			&sqlitex.ExecOptions{Args: []any{chatID}})
		if err != nil {
			return fmt.Errorf("store: unassigning chat %s: %w", chatID, err)
		}
		return nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO chat_envelopes (chat_id, envelope_id)
		VALUES (?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET envelope_id = excluded.envelope_id`,
		&sqlitex.ExecOptions{Args: []any{chatID, envelopeID}})
	if err != nil {
		return fmt.Errorf("store: assigning chat %s to %s: %w", chatID, envelopeID, err)
	}
	return nil
}

// ChatAssignments returns the chat-to-envelope mapping. Chats without
// an entry are at the root.
func (s *Store) ChatAssignments(ctx context.Context) (map[string]string, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	assignments := make(map[string]string)
	err = sqlitex.Execute(conn, `SELECT chat_id, envelope_id FROM chat_envelopes`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				assignments[stmt.ColumnText(0)] = stmt.ColumnText(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: loading chat assignments: %w", err)
	}
	return assignments, nil
}
