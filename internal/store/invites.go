// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Invite lifecycle states.
const (
	InviteStatePending  = "pending"
	InviteStateRedeemed = "redeemed"
	InviteStateExpired  = "expired"
)

// Invite is one outstanding invitation issued by this node. Secret is
// the sealed offer material the issuer needs to verify a redemption.
type Invite struct {
	Nonce     string `json:"nonce"`
	Invitee   string `json:"invitee"`
	Secret    []byte `json:"-"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	State     string `json:"state"`
}

// SaveInvite records a freshly issued invitation.
func (s *Store) SaveInvite(ctx context.Context, invite Invite) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO invites (nonce, invitee, secret, created_at, expires_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (nonce) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				invite.Nonce, invite.Invitee, invite.Secret,
				invite.CreatedAt, invite.ExpiresAt, invite.State,
			},
		})
	if err != nil {
		return fmt.Errorf("store: saving invite %s: %w", invite.Nonce, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: invite %s: %w", invite.Nonce, ErrConflict)
	}
	return nil
}

// GetInvite loads an invitation by nonce.
func (s *Store) GetInvite(ctx context.Context, nonce string) (Invite, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return Invite{}, err
	}
	defer release()

	var invite Invite
	found := false
	err = sqlitex.Execute(conn, `
		SELECT nonce, invitee, secret, created_at, expires_at, state
		FROM invites WHERE nonce = ?`,
		&sqlitex.ExecOptions{
			Args: []any{nonce},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				invite = scanInvite(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Invite{}, fmt.Errorf("store: loading invite %s: %w", nonce, err)
	}
	if !found {
		return Invite{}, fmt.Errorf("store: invite %s: %w", nonce, ErrNotFound)
	}
	return invite, nil
}

// ListInvites returns all invitations, newest first.
func (s *Store) ListInvites(ctx context.Context) ([]Invite, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var invites []Invite
	err = sqlitex.Execute(conn, `
		SELECT nonce, invitee, secret, created_at, expires_at, state
		FROM invites
		ORDER BY created_at DESC, nonce`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				invites = append(invites, scanInvite(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing invites: %w", err)
	}
	return invites, nil
}

// SetInviteState transitions an invitation to a new lifecycle state.
func (s *Store) SetInviteState(ctx context.Context, nonce, state string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `UPDATE invites SET state = ? WHERE nonce = ?`,
		&sqlitex.ExecOptions{Args: []any{state, nonce}})
	if err != nil {
		return fmt.Errorf("store: updating invite %s: %w", nonce, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: invite %s: %w", nonce, ErrNotFound)
	}
	return nil
}

// ExpireInvites marks every pending invitation past its deadline as
// expired and returns how many were affected.
func (s *Store) ExpireInvites(ctx context.Context, now int64) (int, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		UPDATE invites SET state = 'expired'
		WHERE state = 'pending' AND expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{now}})
	if err != nil {
		return 0, fmt.Errorf("store: expiring invites: %w", err)
	}
	return conn.Changes(), nil
}

// DeleteInvite removes an invitation record.
func (s *Store) DeleteInvite(ctx context.Context, nonce string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM invites WHERE nonce = ?`,
		&sqlitex.ExecOptions{Args: []any{nonce}})
	if err != nil {
		return fmt.Errorf("store: deleting invite %s: %w", nonce, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: invite %s: %w", nonce, ErrNotFound)
	}
	return nil
}

func scanInvite(stmt *sqlite.Stmt) Invite {
	secret := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, secret)
	return Invite{
		Nonce:     stmt.ColumnText(0),
		Invitee:   stmt.ColumnText(1),
		Secret:    secret,
		CreatedAt: stmt.ColumnInt64(3),
		ExpiresAt: stmt.ColumnInt64(4),
		State:     stmt.ColumnText(5),
	}
}
