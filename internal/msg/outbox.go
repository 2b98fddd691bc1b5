// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package msg

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/event"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/wire"
)

// backoffSchedule paces redial attempts while a peer is unreachable.
// After the last step the pump retries at the final interval until
// the peer comes back.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// outbox queues message ids bound for one peer. The queue survives
// session loss; it is dropped only when the peer is removed.
type outbox struct {
	peer identity.PeerID

	mu    sync.Mutex
	queue []string
	kick  chan struct{}
}

func newOutbox(peer identity.PeerID) *outbox {
	return &outbox{
		peer: peer,
		kick: make(chan struct{}, 1),
	}
}

func (ob *outbox) enqueue(msgID string) {
	ob.mu.Lock()
	ob.queue = append(ob.queue, msgID)
	ob.mu.Unlock()
	ob.kickNow()
}

func (ob *outbox) kickNow() {
	select {
	case ob.kick <- struct{}{}:
	default:
	}
}

// next returns the head of the queue without removing it.
func (ob *outbox) next() (string, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.queue) == 0 {
		return "", false
	}
	return ob.queue[0], true
}

// pop removes msgID from the head if it is still there.
func (ob *outbox) pop(msgID string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.queue) > 0 && ob.queue[0] == msgID {
		ob.queue = ob.queue[1:]
	}
}

// drain empties the queue and returns what was in it.
func (ob *outbox) drain() []string {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	queue := ob.queue
	ob.queue = nil
	return queue
}

// pump delivers the peer's queue for the life of the service. It
// redials with backoff while the peer is unreachable and resets the
// schedule after any successful connection.
func (s *Service) pump(ctx context.Context, ob *outbox) {
	attempt := 0
	for {
		if _, ok := ob.next(); !ok {
			select {
			case <-ctx.Done():
				return
			case <-ob.kick:
				continue
			}
		}

		sess, err := s.sessions.ConnectChat(ctx, ob.peer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, session.ErrNotTrusted) {
				// The peer left the trust list; nothing queued can
				// ever be delivered.
				for _, id := range ob.drain() {
					s.fail(ctx, id, ob.peer.String())
				}
				continue
			}
			delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		if !s.flush(ctx, ob, sess) {
			// Session died mid-flush; wait out one backoff step
			// before redialing so a flapping link does not spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffSchedule[0]):
			}
		}
	}
}

// flush sends queued messages over an established session until the
// queue empties or the session fails. Reports whether the session is
// still usable.
func (s *Service) flush(ctx context.Context, ob *outbox, sess *session.Session) bool {
	for {
		msgID, ok := ob.next()
		if !ok {
			return true
		}
		msg, err := s.store.GetMessage(ctx, msgID)
		if errors.Is(err, store.ErrNotFound) {
			ob.pop(msgID)
			continue
		}
		if err != nil {
			s.logger.Warn("loading outbound message", "msg", msgID, "error", err)
			return true
		}
		if msg.Status != store.StatusPending {
			ob.pop(msgID)
			continue
		}

		profile, _ := s.store.GetProfile(ctx)
		var fileSize int64
		if msg.FileHash != "" {
			if rec, err := s.store.GetFile(ctx, msg.FileHash); err == nil {
				fileSize = rec.SizeBytes
			}
		}
		err = sess.Send(wire.KindChat, wire.Chat{
			MsgID:       msg.ID,
			ContentType: msg.ContentType,
			Text:        msg.Text,
			FileHash:    msg.FileHash,
			FileName:    msg.FileName,
			FileSize:    fileSize,
			SenderAlias: profile.DisplayName,
			SentAt:      msg.CreatedAt,
		})
		switch {
		case err == nil:
			ob.pop(msgID)
			if changed, err := s.store.UpdateMessageStatus(ctx, msgID, store.StatusSent); err != nil {
				s.logger.Warn("marking message sent", "msg", msgID, "error", err)
			} else if changed {
				s.bus.Publish(event.MessageStatusUpdated{
					MsgID:  msgID,
					ChatID: msg.ChatID,
					Status: store.StatusSent,
				})
			}
		case errors.Is(err, session.ErrBackpressure):
			select {
			case <-ctx.Done():
				return true
			case <-time.After(50 * time.Millisecond):
			}
		case errors.Is(err, session.ErrClosed):
			return false
		default:
			s.logger.Warn("sending message", "msg", msgID, "error", err)
			return false
		}
	}
}
