// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rchat-net/rchat/internal/crypto"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/rendezvous"
	"github.com/rchat-net/rchat/internal/session"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/wire"
	"github.com/rchat-net/rchat/lib/codec"
)

// TTL is how long a pending invitation stays redeemable.
const TTL = 15 * time.Minute

// PollInterval is how often a redeemer re-fetches the pairwise topic
// while waiting for an offer to appear.
const PollInterval = 2 * time.Second

// republishInterval paces offer re-publication while invitations are
// pending, so fresh addresses keep reaching the directory.
const republishInterval = 60 * time.Second

var (
	// ErrMismatch means the supplied password does not open any
	// published offer, or an answer failed to open.
	ErrMismatch = errors.New("invite: password mismatch")

	// ErrExpired means the invitation's TTL has passed.
	ErrExpired = errors.New("invite: expired")

	// ErrRejected means the inviter refused the redemption.
	ErrRejected = errors.New("invite: rejected")

	// ErrIdentityMismatch means the authenticated peer on the invite
	// stream is not the identity named in the sealed card.
	ErrIdentityMismatch = errors.New("invite: identity mismatch")
)

// card is the identity material each side seals under the invite key.
// Possession of a well-formed card proves knowledge of the password;
// the Peer field binds the card to the Noise-authenticated identity.
type card struct {
	Peer   string   `cbor:"peer"`
	Handle string   `cbor:"handle"`
	Addrs  []string `cbor:"addrs,omitempty"`
	Nonce  string   `cbor:"nonce"`
}

// Engine issues and redeems invitations. It is the protocol handler
// for invite streams on the inviter side and drives the poll-and-dial
// redemption on the invitee side.
type Engine struct {
	id      *identity.Identity
	handle  string
	store   *store.Store
	dir     rendezvous.Directory
	manager *session.Manager
	addrs   func() []string
	logger  *slog.Logger

	mu        sync.Mutex
	onTrusted func(peer identity.PeerID, handle string)
}

// NewEngine wires the invitation engine. addrs supplies the node's
// current dial addresses at publication time.
func NewEngine(id *identity.Identity, handle string, st *store.Store, dir rendezvous.Directory, manager *session.Manager, addrs func() []string, logger *slog.Logger) *Engine {
	return &Engine{
		id:      id,
		handle:  handle,
		store:   st,
		dir:     dir,
		manager: manager,
		addrs:   addrs,
		logger:  logger.With("component", "invite"),
	}
}

// OnTrusted registers the callback invoked after either side of a
// redemption inserts the other as a trusted peer.
func (e *Engine) OnTrusted(fn func(peer identity.PeerID, handle string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrusted = fn
}

func (e *Engine) notifyTrusted(peer identity.PeerID, handle string) {
	e.mu.Lock()
	fn := e.onTrusted
	e.mu.Unlock()
	if fn != nil {
		fn(peer, handle)
	}
}

// Create issues an invitation for inviteeHandle sealed under password
// and publishes the offer on the pairwise topic. The offer is
// re-published by Run until redeemed or expired.
func (e *Engine) Create(ctx context.Context, inviteeHandle, password string) error {
	harvested, err := HarvestKey(password, e.handle, inviteeHandle)
	if err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := DeriveKey(harvested, salt)
	if err != nil {
		return err
	}
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	now := time.Now()
	invite := store.Invite{
		Nonce:     nonce,
		Invitee:   inviteeHandle,
		Secret:    append(append([]byte(nil), salt...), key...),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(TTL).Unix(),
		State:     store.InviteStatePending,
	}
	if err := e.store.SaveInvite(ctx, invite); err != nil {
		return err
	}

	if err := e.publishOffer(ctx, invite, now); err != nil {
		return err
	}
	e.logger.Info("invitation published", "invitee", inviteeHandle)
	return nil
}

// publishOffer seals a fresh offer card and posts it on the pairwise
// topic. Called at creation and again on every republish tick so the
// advertised addresses stay current.
func (e *Engine) publishOffer(ctx context.Context, invite store.Invite, now time.Time) error {
	salt, key, err := splitSecret(invite.Secret)
	if err != nil {
		return err
	}
	raw, err := codec.Marshal(card{
		Peer:   e.id.PeerID().String(),
		Handle: e.handle,
		Addrs:  e.addrs(),
		Nonce:  invite.Nonce,
	})
	if err != nil {
		return fmt.Errorf("invite: encoding offer card: %w", err)
	}
	sealed, err := seal(key, raw)
	if err != nil {
		return fmt.Errorf("invite: sealing offer: %w", err)
	}
	offer, err := codec.Marshal(wire.InviteOffer{
		Nonce:  invite.Nonce,
		Salt:   salt,
		Sealed: sealed,
	})
	if err != nil {
		return fmt.Errorf("invite: encoding offer: %w", err)
	}

	topic := rendezvous.PairTopic(e.handle, invite.Invitee)
	body, err := rendezvous.EncodeTopicMessage(e.id, topic, offer, now)
	if err != nil {
		return err
	}
	if err := e.dir.PublishTopic(ctx, topic, body); err != nil {
		return fmt.Errorf("invite: publishing offer: %w", err)
	}
	return nil
}

// Run re-publishes pending offers and expires stale invitations until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(republishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := time.Now()
	if n, err := e.store.ExpireInvites(ctx, now.Unix()); err != nil {
		e.logger.Warn("expiring invitations", "error", err)
	} else if n > 0 {
		e.logger.Info("invitations expired", "count", n)
	}

	invites, err := e.store.ListInvites(ctx)
	if err != nil {
		e.logger.Warn("listing invitations", "error", err)
		return
	}
	for _, invite := range invites {
		if invite.State != store.InviteStatePending {
			continue
		}
		if err := e.publishOffer(ctx, invite, now); err != nil {
			e.logger.Warn("republishing offer", "invitee", invite.Invitee, "error", err)
		}
	}
}

// Redeem polls the pairwise topic for an offer sealed under password,
// dials the inviter, and completes the sealed-card exchange. On
// success both sides have added each other to the trust list and the
// inviter's peer id is returned.
func (e *Engine) Redeem(ctx context.Context, inviterHandle, password string) (identity.PeerID, error) {
	harvested, err := HarvestKey(password, inviterHandle, e.handle)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, TTL)
	defer cancel()

	offer, key, err := e.awaitOffer(ctx, inviterHandle, harvested)
	if err != nil {
		return "", err
	}

	inviter, err := identity.ParsePeerID(offer.Peer)
	if err != nil {
		return "", fmt.Errorf("invite: offer names invalid peer: %w", err)
	}
	if offer.Handle != inviterHandle {
		return "", fmt.Errorf("%w: offer from %q, expected %q", ErrIdentityMismatch, offer.Handle, inviterHandle)
	}

	if err := e.exchange(ctx, inviter, offer, key); err != nil {
		return "", err
	}

	if err := e.addTrusted(ctx, inviter, inviterHandle); err != nil {
		return "", err
	}
	e.logger.Info("invitation redeemed", "inviter", inviterHandle)
	e.notifyTrusted(inviter, inviterHandle)
	return inviter, nil
}

// awaitOffer polls the topic until an offer opens under the harvested
// key. Offers that exist but refuse the key mean the password is
// wrong; an empty topic keeps polling until the deadline.
func (e *Engine) awaitOffer(ctx context.Context, inviterHandle, harvested string) (card, []byte, error) {
	topic := rendezvous.PairTopic(inviterHandle, e.handle)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		offer, key, found, err := e.fetchOffer(ctx, inviterHandle, topic, harvested)
		if err != nil {
			return card{}, nil, err
		}
		if found {
			return offer, key, nil
		}
		select {
		case <-ctx.Done():
			return card{}, nil, ErrExpired
		case <-ticker.C:
		}
	}
}

func (e *Engine) fetchOffer(ctx context.Context, inviterHandle, topic, harvested string) (card, []byte, bool, error) {
	bodies, err := e.dir.PollTopic(ctx, inviterHandle, topic)
	if errors.Is(err, rendezvous.ErrNoRecord) {
		return card{}, nil, false, nil
	}
	if err != nil {
		return card{}, nil, false, err
	}

	now := time.Now()
	sealedSeen := false
	for _, body := range bodies {
		message, err := rendezvous.DecodeTopicMessage(body, topic, now)
		if err != nil {
			continue
		}
		var offer wire.InviteOffer
		if err := codec.Unmarshal(message.Payload, &offer); err != nil {
			continue
		}
		sealedSeen = true

		key, err := DeriveKey(harvested, offer.Salt)
		if err != nil {
			continue
		}
		raw, err := open(key, offer.Sealed)
		if err != nil {
			continue
		}
		var c card
		if err := codec.Unmarshal(raw, &c); err != nil {
			continue
		}
		if c.Peer != message.Sender {
			// The card must be sealed by whoever signed the blob.
			continue
		}
		return c, key, true, nil
	}
	if sealedSeen {
		return card{}, nil, false, ErrMismatch
	}
	return card{}, nil, false, nil
}

// exchange dials the inviter at the offer's addresses and trades
// sealed cards over an invite stream.
func (e *Engine) exchange(ctx context.Context, inviter identity.PeerID, offer card, key []byte) error {
	s, err := e.manager.OpenDirect(ctx, inviter, wire.ProtocolInvite, offer.Addrs)
	if err != nil {
		return err
	}
	defer s.Close()

	raw, err := codec.Marshal(card{
		Peer:   e.id.PeerID().String(),
		Handle: e.handle,
		Nonce:  offer.Nonce,
	})
	if err != nil {
		return fmt.Errorf("invite: encoding answer card: %w", err)
	}
	sealed, err := seal(key, raw)
	if err != nil {
		return fmt.Errorf("invite: sealing answer: %w", err)
	}

	type outcome struct {
		rejected string
		verified bool
	}
	result := make(chan outcome, 1)

	handler := func(_ context.Context, s *session.Session, frame wire.Frame) error {
		switch frame.Kind {
		case wire.KindInviteAnswer:
			var answer wire.InviteAnswer
			if err := wire.DecodePayload(frame, &answer); err != nil {
				return err
			}
			raw, err := open(key, answer.Sealed)
			if err != nil {
				return fmt.Errorf("invite: opening confirmation: %w", err)
			}
			var c card
			if err := codec.Unmarshal(raw, &c); err != nil {
				return err
			}
			if c.Peer != inviter.String() || c.Nonce != offer.Nonce {
				return ErrIdentityMismatch
			}
			result <- outcome{verified: true}
		case wire.KindInviteReject:
			var reject wire.InviteReject
			if err := wire.DecodePayload(frame, &reject); err != nil {
				return err
			}
			result <- outcome{rejected: reject.Reason}
		default:
			return fmt.Errorf("invite: unexpected %s frame", frame.Kind)
		}
		s.Close()
		return nil
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx, handler)
	}()

	if err := s.Send(wire.KindInviteAnswer, wire.InviteAnswer{Nonce: offer.Nonce, Sealed: sealed}); err != nil {
		return err
	}

	select {
	case out := <-result:
		if out.rejected != "" {
			return fmt.Errorf("%w: %s", ErrRejected, out.rejected)
		}
		return nil
	case err := <-runErr:
		// The handler may have delivered an outcome in the same
		// instant the session wound down.
		select {
		case out := <-result:
			if out.rejected != "" {
				return fmt.Errorf("%w: %s", ErrRejected, out.rejected)
			}
			return nil
		default:
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("invite: stream closed before confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame runs the inviter side of a redemption: an inbound
// answer is checked against the pending invitation and confirmed with
// the inviter's own sealed card.
func (e *Engine) HandleFrame(ctx context.Context, s *session.Session, frame wire.Frame) error {
	if frame.Kind != wire.KindInviteAnswer {
		return fmt.Errorf("invite: unexpected %s frame", frame.Kind)
	}
	var answer wire.InviteAnswer
	if err := wire.DecodePayload(frame, &answer); err != nil {
		return err
	}

	invite, err := e.store.GetInvite(ctx, answer.Nonce)
	if errors.Is(err, store.ErrNotFound) {
		return e.reject(s, answer.Nonce, "unknown invitation")
	}
	if err != nil {
		return err
	}
	if invite.State != store.InviteStatePending || time.Now().Unix() > invite.ExpiresAt {
		return e.reject(s, answer.Nonce, "invitation expired")
	}

	_, key, err := splitSecret(invite.Secret)
	if err != nil {
		return err
	}
	raw, err := open(key, answer.Sealed)
	if err != nil {
		e.logger.Info("rejecting answer that does not open",
			"invitee", invite.Invitee,
			"peer", s.Peer(),
		)
		return e.reject(s, answer.Nonce, "password mismatch")
	}
	var c card
	if err := codec.Unmarshal(raw, &c); err != nil {
		return e.reject(s, answer.Nonce, "malformed card")
	}
	if c.Peer != s.Peer().String() || c.Nonce != invite.Nonce {
		return e.reject(s, answer.Nonce, "identity mismatch")
	}

	if err := e.store.SetInviteState(ctx, invite.Nonce, store.InviteStateRedeemed); err != nil {
		return err
	}
	if err := e.addTrusted(ctx, s.Peer(), invite.Invitee); err != nil {
		return err
	}

	confirm, err := codec.Marshal(card{
		Peer:   e.id.PeerID().String(),
		Handle: e.handle,
		Nonce:  invite.Nonce,
	})
	if err != nil {
		return err
	}
	sealed, err := seal(key, confirm)
	if err != nil {
		return err
	}
	if err := s.Send(wire.KindInviteAnswer, wire.InviteAnswer{Nonce: invite.Nonce, Sealed: sealed}); err != nil {
		return err
	}

	e.logger.Info("invitation redeemed", "invitee", invite.Invitee, "peer", s.Peer())
	e.notifyTrusted(s.Peer(), invite.Invitee)
	return nil
}

// SessionOpened is part of session.Handler. Invite streams carry no
// per-session state.
func (e *Engine) SessionOpened(context.Context, *session.Session) {}

// SessionClosed is part of session.Handler.
func (e *Engine) SessionClosed(*session.Session) {}

func (e *Engine) reject(s *session.Session, nonce, reason string) error {
	if err := s.Send(wire.KindInviteReject, wire.InviteReject{Nonce: nonce, Reason: reason}); err != nil {
		return err
	}
	return nil
}

// addTrusted inserts the peer into the trust list. An existing entry
// is left alone so redeeming twice is harmless.
func (e *Engine) addTrusted(ctx context.Context, peer identity.PeerID, handle string) error {
	err := e.store.AddPeer(ctx, store.Peer{
		ID:      peer.String(),
		Alias:   handle,
		Handle:  handle,
		AddedAt: time.Now().Unix(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// splitSecret unpacks the salt||key blob a pending invitation stores.
func splitSecret(secret []byte) (salt, key []byte, err error) {
	if len(secret) != crypto.SaltSize+crypto.KeySize {
		return nil, nil, fmt.Errorf("invite: stored secret is %d bytes", len(secret))
	}
	return secret[:crypto.SaltSize], secret[crypto.SaltSize:], nil
}

var _ session.Handler = (*Engine)(nil)
