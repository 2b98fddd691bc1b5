// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Message delivery states. Outbound messages walk pending -> sent ->
// delivered -> read; failed is reachable only from pending. Inbound
// messages enter as delivered and move to read when the local user
// opens the chat.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// statusRank orders the delivery states. A transition is applied only
// when it moves strictly forward; failed is terminal and permitted
// only from pending.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Message is one chat history row. IDs are ULIDs, so lexicographic
// order over id is creation order.
type Message struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	Direction   string `json:"direction"`
	SenderID    string `json:"sender_id"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	Status      string `json:"status"`
	ReadAcked   bool   `json:"read_acked"`
}

// InsertMessage stores a message. Re-inserting an existing id is a
// no-op and reports inserted=false, so retransmitted frames never
// duplicate history.
func (s *Store) InsertMessage(ctx context.Context, msg Message) (inserted bool, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO messages
		    (id, chat_id, direction, sender_id, content_type,
		     text_content, file_hash, file_name, created_at, status, read_acked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				msg.ID, msg.ChatID, msg.Direction, msg.SenderID,
				msg.ContentType, msg.Text, msg.FileHash, msg.FileName,
				msg.CreatedAt, msg.Status, boolToInt(msg.ReadAcked),
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: inserting message %s: %w", msg.ID, err)
	}
	return conn.Changes() > 0, nil
}

// GetMessage loads a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return Message{}, err
	}
	defer release()

	var msg Message
	found := false
	err = sqlitex.Execute(conn, `
		SELECT id, chat_id, direction, sender_id, content_type,
		       text_content, file_hash, file_name, created_at, status, read_acked
		FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg = scanMessage(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Message{}, fmt.Errorf("store: loading message %s: %w", id, err)
	}
	if !found {
		return Message{}, fmt.Errorf("store: message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

// UpdateMessageStatus applies a delivery-state transition if it moves
// the message forward. Regressions and transitions out of failed are
// ignored; failed is applied only when the current state is pending.
// Reports whether the row changed.
func (s *Store) UpdateMessageStatus(ctx context.Context, id, status string) (changed bool, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	var current string
	found := false
	err = sqlitex.Execute(conn, `SELECT status FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				current = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: reading status of %s: %w", id, err)
	}
	if !found {
		return false, fmt.Errorf("store: message %s: %w", id, ErrNotFound)
	}

	if !statusAdvances(current, status) {
		return false, nil
	}

	err = sqlitex.Execute(conn, `UPDATE messages SET status = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, id}})
	if err != nil {
		return false, fmt.Errorf("store: updating status of %s: %w", id, err)
	}
	return true, nil
}

// statusAdvances reports whether moving from current to next is a
// legal forward transition.
func statusAdvances(current, next string) bool {
	if current == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return current == StatusPending
	}
	currentRank, ok := statusRank[current]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > currentRank
}

// ChatHistory returns messages for a chat in creation order. When
// beforeID is non-empty only messages with id < beforeID are returned
// (older pages); limit caps the page size, zero meaning no cap. The
// returned page is the newest matching window, still ascending.
func (s *Store) ChatHistory(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	conditions := []string{"chat_id = ?"}
	args := []any{chatID}
	if beforeID != "" {
		conditions = append(conditions, "id < ?")
		args = append(args, beforeID)
	}

	query := `
		SELECT id, chat_id, direction, sender_id, content_type,
		       text_content, file_hash, file_name, created_at, status, read_acked
		FROM messages
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var messages []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading history for %s: %w", chatID, err)
	}

	// Fetched newest-first for the LIMIT window; present ascending.
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// PendingOutbound returns all outbound messages still awaiting a send,
// oldest first. The outbox replays these after a restart.
func (s *Store) PendingOutbound(ctx context.Context) ([]Message, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var messages []Message
	err = sqlitex.Execute(conn, `
		SELECT id, chat_id, direction, sender_id, content_type,
		       text_content, file_hash, file_name, created_at, status, read_acked
		FROM messages
		WHERE direction = 'out' AND status = 'pending'
		ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: loading pending outbound: %w", err)
	}
	return messages, nil
}

// UnreadCounts returns, per chat, the number of inbound messages the
// local user has not yet read.
func (s *Store) UnreadCounts(ctx context.Context) (map[string]int, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	counts := make(map[string]int)
	err = sqlitex.Execute(conn, `
		SELECT chat_id, COUNT(*)
		FROM messages
		WHERE direction = 'in' AND status != 'read'
		GROUP BY chat_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: counting unread: %w", err)
	}
	return counts, nil
}

// MarkChatRead marks all inbound messages in a chat as read and
// returns the ids that have not yet had a read receipt sent, so the
// caller can emit receipts exactly once.
func (s *Store) MarkChatRead(ctx context.Context, chatID string) (needReceipt []string, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		SELECT id FROM messages
		WHERE chat_id = ? AND direction = 'in'
		  AND status != 'read' AND read_acked = 0
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{chatID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				needReceipt = append(needReceipt, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding unread in %s: %w", chatID, err)
	}

	err = sqlitex.Execute(conn, `
		UPDATE messages SET status = 'read'
		WHERE chat_id = ? AND direction = 'in' AND status != 'read'`,
		&sqlitex.ExecOptions{Args: []any{chatID}})
	if err != nil {
		return nil, fmt.Errorf("store: marking %s read: %w", chatID, err)
	}
	return needReceipt, nil
}

// UnackedReads lists inbound messages in a chat that are read locally
// but whose read receipt never reached the sender, so a reconnect can
// flush them.
func (s *Store) UnackedReads(ctx context.Context, chatID string) ([]string, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var ids []string
	err = sqlitex.Execute(conn, `
		SELECT id FROM messages
		WHERE chat_id = ? AND direction = 'in'
		  AND status = 'read' AND read_acked = 0
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{chatID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding unacked reads in %s: %w", chatID, err)
	}
	return ids, nil
}

// MarkReadAcked records that a read receipt went out for the given
// message ids.
func (s *Store) MarkReadAcked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
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

	for _, id := range ids {
		err = sqlitex.Execute(conn, `UPDATE messages SET read_acked = 1 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("store: acking %s: %w", id, err)
		}
	}
	return nil
}

// LatestChatTimes returns the newest message timestamp per chat, used
// to order the chat list.
func (s *Store) LatestChatTimes(ctx context.Context) (map[string]int64, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	times := make(map[string]int64)
	err = sqlitex.Execute(conn, `
		SELECT chat_id, MAX(created_at)
		FROM messages
		GROUP BY chat_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				times[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: loading latest chat times: %w", err)
	}
	return times, nil
}

// DeleteChatMessages removes all history for a chat. Returns the
// number of rows removed.
func (s *Store) DeleteChatMessages(ctx context.Context, chatID string) (int, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM messages WHERE chat_id = ?`,
		&sqlitex.ExecOptions{Args: []any{chatID}})
	if err != nil {
		return 0, fmt.Errorf("store: deleting messages in %s: %w", chatID, err)
	}
	return conn.Changes(), nil
}

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ID:          stmt.ColumnText(0),
		ChatID:      stmt.ColumnText(1),
		Direction:   stmt.ColumnText(2),
		SenderID:    stmt.ColumnText(3),
		ContentType: stmt.ColumnText(4),
		Text:        stmt.ColumnText(5),
		FileHash:    stmt.ColumnText(6),
		FileName:    stmt.ColumnText(7),
		CreatedAt:   stmt.ColumnInt64(8),
		Status:      stmt.ColumnText(9),
		ReadAcked:   stmt.ColumnInt64(10) != 0,
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
