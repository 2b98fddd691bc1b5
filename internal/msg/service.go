// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package msg implements the chat semantics on top of peer sessions:
// ULID message ids, the pending/sent/delivered/read status machine,
// delivery and read receipts, the per-peer outbox with backoff, and
// the self chat that never touches the network.
package msg

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/wire"
)

// ContentTypeText is the content type of plain text messages. File
// messages carry the announce content types from the sender.
const ContentTypeText = "text"

var (
	// ErrEmptyMessage rejects messages with no content.
	ErrEmptyMessage = errors.New("msg: empty message")

	// ErrUnknownChat means the chat id names no trusted peer.
	ErrUnknownChat = errors.New("msg: unknown chat")
)

// Service owns chat semantics for the msg protocol. It is the session
// handler for inbound frames and the entry point for outbound sends.
type Service struct {
	id       *identity.Identity
	store    *store.Store
	sessions *session.Manager
	bus      *event.Bus
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	outboxes map[identity.PeerID]*outbox
	entropy  *ulid.MonotonicEntropy
	lastTime time.Time

	onFile func(peer identity.PeerID, hash, name string, size int64)
}

// OnFileAnnounce installs the callback invoked when a received
// message announces a file, so the node can start fetching the bytes.
// The callback runs on the session loop and must not block.
func (s *Service) OnFileAnnounce(fn func(peer identity.PeerID, hash, name string, size int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFile = fn
}

// NewService wires the messaging layer. Start must be called before
// the first send.
func NewService(id *identity.Identity, st *store.Store, sessions *session.Manager, bus *event.Bus, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		id:       id,
		store:    st,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With("component", "msg"),
		ctx:      ctx,
		cancel:   cancel,
		outboxes: make(map[identity.PeerID]*outbox),
		entropy:  ulid.Monotonic(crand.Reader, 0),
	}
}

// Start loads undelivered messages back into their outboxes so a
// restart resumes where the last run stopped.
func (s *Service) Start(ctx context.Context) error {
	pending, err := s.store.PendingOutbound(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		peer, err := identity.ParsePeerID(m.ChatID)
		if err != nil {
			s.logger.Warn("pending message in unparseable chat", "chat", m.ChatID)
			continue
		}
		s.outbox(peer).enqueue(m.ID)
	}
	if len(pending) > 0 {
		s.logger.Info("outbox restored", "messages", len(pending))
	}
	return nil
}

// Close stops every outbox pump and waits for them to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// newMsgID returns a fresh ULID. Ids from one node are strictly
// increasing, so lexicographic order is send order.
func (s *Service) newMsgID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Before(s.lastTime) {
		now = s.lastTime
	}
	s.lastTime = now
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", fmt.Errorf("msg: generating id: %w", err)
	}
	return id.String(), nil
}

// SendText sends a plain text message to a chat and returns its id.
// The id is returned as soon as the pending row is durable; delivery
// proceeds in the background.
func (s *Service) SendText(ctx context.Context, chatID, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}
	return s.send(ctx, chatID, store.Message{
		ContentType: ContentTypeText,
		Text:        text,
	})
}

// SendFile announces a stored blob to a chat. The recipient pulls the
// bytes over the file protocol using the hash.
func (s *Service) SendFile(ctx context.Context, chatID, contentType, fileHash, fileName string) (string, error) {
	if fileHash == "" {
		return "", ErrEmptyMessage
	}
	return s.send(ctx, chatID, store.Message{
		ContentType: contentType,
		FileHash:    fileHash,
		FileName:    fileName,
	})
}

func (s *Service) send(ctx context.Context, chatID string, msg store.Message) (string, error) {
	id, err := s.newMsgID()
	if err != nil {
		return "", err
	}
	msg.ID = id
	msg.ChatID = chatID
	msg.Direction = store.DirectionOut
	msg.SenderID = s.id.PeerID().String()
	msg.CreatedAt = time.Now().Unix()

	if chatID == identity.SelfChatID {
		// Self messages never leave the node and are born read.
		msg.Status = store.StatusRead
		if _, err := s.store.InsertMessage(ctx, msg); err != nil {
			return "", err
		}
		s.bus.Publish(event.MessageStatusUpdated{MsgID: id, ChatID: chatID, Status: store.StatusRead})
		return id, nil
	}

	peer, err := identity.ParsePeerID(chatID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	if trusted, err := s.store.IsTrusted(ctx, chatID); err != nil {
		return "", err
	} else if !trusted {
		return "", fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}

	msg.Status = store.StatusPending
	if _, err := s.store.InsertMessage(ctx, msg); err != nil {
		return "", err
	}
	s.bus.Publish(event.MessageStatusUpdated{MsgID: id, ChatID: chatID, Status: store.StatusPending})

	s.outbox(peer).enqueue(id)
	return id, nil
}

// MarkRead marks a chat's inbound messages read and sends read
// receipts for everything not yet acknowledged. Receipts that cannot
// be sent now are retried when the peer reconnects.
func (s *Service) MarkRead(ctx context.Context, chatID string) error {
	ids, err := s.store.MarkChatRead(ctx, chatID)
	if err != nil {
		return err
	}
	if chatID == identity.SelfChatID || len(ids) == 0 {
		return nil
	}
	peer, err := identity.ParsePeerID(chatID)
	if err != nil {
		return nil
	}
	sess, ok := s.sessions.Chat(peer)
	if !ok {
		return nil
	}
	s.sendReadReceipts(ctx, sess, ids)
	return nil
}

// sendReadReceipts emits read acks for ids and records the ones that
// were actually written to the session.
func (s *Service) sendReadReceipts(ctx context.Context, sess *session.Session, ids []string) {
	var acked []string
	for _, id := range ids {
		if err := sess.Send(wire.KindAck, wire.Ack{MsgID: id, Status: store.StatusRead}); err != nil {
			s.logger.Warn("read receipt not sent", "msg", id, "error", err)
			break
		}
		acked = append(acked, id)
	}
	if err := s.store.MarkReadAcked(ctx, acked); err != nil {
		s.logger.Warn("recording read receipts", "error", err)
	}
}

// Typing signals composing state to a peer. Best effort: nothing is
// sent when no session is established, and failures are ignored.
func (s *Service) Typing(chatID string, active bool) {
	peer, err := identity.ParsePeerID(chatID)
	if err != nil {
		return
	}
	if sess, ok := s.sessions.Chat(peer); ok {
		_ = sess.Send(wire.KindTyping, wire.Typing{Active: active})
	}
}

// BroadcastProfile pushes the local profile to every established chat
// session, typically after the user edits their display name.
func (s *Service) BroadcastProfile(ctx context.Context) {
	profile, err := s.store.GetProfile(ctx)
	if err != nil {
		s.logger.Warn("loading profile for broadcast", "error", err)
		return
	}
	peers, err := s.store.ListPeers(ctx)
	if err != nil {
		s.logger.Warn("listing peers for broadcast", "error", err)
		return
	}
	frame := wire.Profile{DisplayName: profile.DisplayName, AvatarHash: profile.AvatarHash}
	for _, p := range peers {
		peer, err := identity.ParsePeerID(p.ID)
		if err != nil {
			continue
		}
		if sess, ok := s.sessions.Chat(peer); ok {
			_ = sess.Send(wire.KindProfile, frame)
		}
	}
}

// HandleFrame is the session handler for inbound msg-protocol frames.
func (s *Service) HandleFrame(ctx context.Context, sess *session.Session, frame wire.Frame) error {
	switch frame.Kind {
	case wire.KindChat:
		return s.handleChat(ctx, sess, frame)
	case wire.KindAck:
		return s.handleAck(ctx, sess, frame)
	case wire.KindTyping:
		var typing wire.Typing
		if err := wire.DecodePayload(frame, &typing); err != nil {
			return err
		}
		s.bus.Publish(event.TypingIndicator{PeerID: sess.Peer().String(), Active: typing.Active})
		return nil
	case wire.KindProfile:
		return s.handleProfile(ctx, sess, frame)
	default:
		return fmt.Errorf("msg: unexpected %s frame", frame.Kind)
	}
}

func (s *Service) handleChat(ctx context.Context, sess *session.Session, frame wire.Frame) error {
	var chat wire.Chat
	if err := wire.DecodePayload(frame, &chat); err != nil {
		return err
	}
	peerID := sess.Peer().String()

	inserted, err := s.store.InsertMessage(ctx, store.Message{
		ID:          chat.MsgID,
		ChatID:      peerID,
		Direction:   store.DirectionIn,
		SenderID:    peerID,
		ContentType: chat.ContentType,
		Text:        chat.Text,
		FileHash:    chat.FileHash,
		FileName:    chat.FileName,
		CreatedAt:   chat.SentAt,
		Status:      store.StatusDelivered,
	})
	if err != nil {
		return err
	}

	if inserted {
		if chat.SenderAlias != "" {
			s.adoptAlias(ctx, peerID, chat.SenderAlias)
		}
		if chat.FileHash != "" {
			s.mu.Lock()
			onFile := s.onFile
			s.mu.Unlock()
			if onFile != nil {
				onFile(sess.Peer(), chat.FileHash, chat.FileName, chat.FileSize)
			}
		}
		s.bus.Publish(event.MessageReceived{
			MsgID:       chat.MsgID,
			ChatID:      peerID,
			SenderID:    peerID,
			ContentType: chat.ContentType,
			Text:        chat.Text,
			FileHash:    chat.FileHash,
			FileName:    chat.FileName,
			CreatedAt:   chat.SentAt,
		})
	}

	// Ack even a duplicate: the sender retransmitted because the
	// first ack did not arrive.
	if err := sess.Send(wire.KindAck, wire.Ack{MsgID: chat.MsgID, Status: store.StatusDelivered}); err != nil {
		s.logger.Warn("delivery receipt not sent", "msg", chat.MsgID, "error", err)
	}
	return nil
}

func (s *Service) handleAck(ctx context.Context, sess *session.Session, frame wire.Frame) error {
	var ack wire.Ack
	if err := wire.DecodePayload(frame, &ack); err != nil {
		return err
	}
	if ack.Status != store.StatusDelivered && ack.Status != store.StatusRead {
		return fmt.Errorf("msg: receipt with status %q", ack.Status)
	}

	msg, err := s.store.GetMessage(ctx, ack.MsgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.ChatID != sess.Peer().String() {
		// Receipts only count from the message's recipient.
		return nil
	}

	changed, err := s.store.UpdateMessageStatus(ctx, ack.MsgID, ack.Status)
	if err != nil {
		return err
	}
	if changed {
		s.bus.Publish(event.MessageStatusUpdated{MsgID: ack.MsgID, ChatID: msg.ChatID, Status: ack.Status})
	}
	return nil
}

func (s *Service) handleProfile(ctx context.Context, sess *session.Session, frame wire.Frame) error {
	var profile wire.Profile
	if err := wire.DecodePayload(frame, &profile); err != nil {
		return err
	}
	peerID := sess.Peer().String()
	if profile.DisplayName != "" {
		s.adoptAlias(ctx, peerID, profile.DisplayName)
	}
	s.bus.Publish(event.PeerProfileUpdated{
		PeerID:      peerID,
		DisplayName: profile.DisplayName,
		AvatarHash:  profile.AvatarHash,
	})
	return nil
}

// adoptAlias fills a peer's alias from their announced name, without
// overwriting one the local user chose.
func (s *Service) adoptAlias(ctx context.Context, peerID, name string) {
	peer, err := s.store.GetPeer(ctx, peerID)
	if err != nil || peer.Alias != "" {
		return
	}
	if err := s.store.SetPeerAlias(ctx, peerID, name); err != nil {
		s.logger.Warn("adopting alias", "peer", peerID, "error", err)
	}
}

// SessionOpened kicks the peer's outbox, sends the local profile, and
// flushes read receipts that never reached the peer.
func (s *Service) SessionOpened(ctx context.Context, sess *session.Session) {
	peerID := sess.Peer().String()
	if err := s.store.TouchPeer(ctx, peerID, time.Now().Unix()); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("touching peer", "peer", peerID, "error", err)
	}

	if profile, err := s.store.GetProfile(ctx); err == nil && profile.DisplayName != "" {
		_ = sess.Send(wire.KindProfile, wire.Profile{
			DisplayName: profile.DisplayName,
			AvatarHash:  profile.AvatarHash,
		})
	}

	ids, err := s.store.UnackedReads(ctx, peerID)
	if err != nil {
		s.logger.Warn("loading unacked reads", "peer", peerID, "error", err)
	} else if len(ids) > 0 {
		s.sendReadReceipts(ctx, sess, ids)
	}

	s.outbox(sess.Peer()).kickNow()
}

// SessionClosed is part of session.Handler. Undelivered messages stay
// queued for the next session.
func (s *Service) SessionClosed(*session.Session) {}

// outbox returns the peer's outbox, starting its pump on first use.
func (s *Service) outbox(peer identity.PeerID) *outbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.outboxes[peer]
	if !ok {
		ob = newOutbox(peer)
		s.outboxes[peer] = ob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pump(s.ctx, ob)
		}()
	}
	return ob
}

// DropPeer discards the peer's queued messages, marking them failed.
// Called when the peer is removed from the trust list.
func (s *Service) DropPeer(ctx context.Context, peer identity.PeerID) {
	s.mu.Lock()
	ob := s.outboxes[peer]
	s.mu.Unlock()
	if ob == nil {
		return
	}
	for _, id := range ob.drain() {
		s.fail(ctx, id, peer.String())
	}
}

func (s *Service) fail(ctx context.Context, msgID, chatID string) {
	changed, err := s.store.UpdateMessageStatus(ctx, msgID, store.StatusFailed)
	if err != nil {
		s.logger.Warn("failing message", "msg", msgID, "error", err)
		return
	}
	if changed {
		s.bus.Publish(event.MessageStatusUpdated{MsgID: msgID, ChatID: chatID, Status: store.StatusFailed})
	}
}

var _ session.Handler = (*Service)(nil)
