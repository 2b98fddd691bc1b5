// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rchat-net/rchat/internal/config"
	"github.com/rchat-net/rchat/internal/filestore"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/invite"
	"github.com/rchat-net/rchat/internal/store"
	"github.com/rchat-net/rchat/internal/theme"
)

// Profile returns the local display profile.
func (n *Node) Profile(ctx context.Context) (store.Profile, error) {
	rt, err := n.runtime()
	if err != nil {
		return store.Profile{}, err
	}
	return rt.store.GetProfile(ctx)
}

// UpdateProfile applies the provided fields, leaving nil ones alone,
// and announces the result to connected peers.
func (n *Node) UpdateProfile(ctx context.Context, alias, avatarRef *string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	profile, err := rt.store.GetProfile(ctx)
	if err != nil {
		return err
	}
	if alias != nil {
		profile.DisplayName = *alias
	}
	if avatarRef != nil {
		profile.AvatarHash = *avatarRef
	}
	if err := rt.store.SetProfile(ctx, profile); err != nil {
		return err
	}
	go rt.msgs.BroadcastProfile(rt.ctx)
	return nil
}

// TrustedPeers lists every peer in the trust list.
func (n *Node) TrustedPeers(ctx context.Context) ([]store.Peer, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.ListPeers(ctx)
}

// DeletePeer removes a peer from the trust list along with its chat
// history, and drops anything still queued for it.
func (n *Node) DeletePeer(ctx context.Context, peerID string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	peer, err := identity.ParsePeerID(peerID)
	if err != nil {
		return err
	}
	rt.msgs.DropPeer(ctx, peer)
	return rt.store.RemovePeer(ctx, peerID)
}

// PinnedPeers lists the peer ids the user pinned.
func (n *Node) PinnedPeers(ctx context.Context) ([]string, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	peers, err := rt.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	var pinned []string
	for _, p := range peers {
		if p.Pinned {
			pinned = append(pinned, p.ID)
		}
	}
	return pinned, nil
}

// SetPeerPinned pins or unpins a peer in the chat list.
func (n *Node) SetPeerPinned(ctx context.Context, peerID string, pinned bool) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.store.SetPeerPinned(ctx, peerID, pinned)
}

// Envelopes lists the user's chat folders.
func (n *Node) Envelopes(ctx context.Context) ([]store.Envelope, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.ListEnvelopes(ctx)
}

// CreateEnvelope adds a chat folder.
func (n *Node) CreateEnvelope(ctx context.Context, env store.Envelope) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.store.CreateEnvelope(ctx, env)
}

// UpdateEnvelope renames a folder or changes its icon.
func (n *Node) UpdateEnvelope(ctx context.Context, id, name, icon string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.store.RenameEnvelope(ctx, id, name, icon)
}

// DeleteEnvelope removes a folder; assigned chats fall back to the
// main list.
func (n *Node) DeleteEnvelope(ctx context.Context, id string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.store.DeleteEnvelope(ctx, id)
}

// ChatAssignments maps chat ids to the envelope holding them.
func (n *Node) ChatAssignments(ctx context.Context) (map[string]string, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.ChatAssignments(ctx)
}

// MoveChatToEnvelope files a chat under an envelope; an empty
// envelope id returns it to the main list.
func (n *Node) MoveChatToEnvelope(ctx context.Context, chatID, envelopeID string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.store.AssignChat(ctx, chatID, envelopeID)
}

// LatestChatTimes maps each chat to its newest message timestamp.
func (n *Node) LatestChatTimes(ctx context.Context) (map[string]int64, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.LatestChatTimes(ctx)
}

// ChatHistory returns a chat's messages in creation order.
func (n *Node) ChatHistory(ctx context.Context, chatID, beforeID string, limit int) ([]store.Message, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.ChatHistory(ctx, chatID, beforeID, limit)
}

// UnreadCounts maps each chat to its unread inbound message count.
func (n *Node) UnreadCounts(ctx context.Context) (map[string]int, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.UnreadCounts(ctx)
}

// SendText queues a text message for a chat and returns its id.
func (n *Node) SendText(ctx context.Context, chatID, text string) (string, error) {
	rt, err := n.runtime()
	if err != nil {
		return "", err
	}
	return rt.msgs.SendText(ctx, chatID, text)
}

// SendTextToSelf stores a note in the self chat.
func (n *Node) SendTextToSelf(ctx context.Context, text string) (string, error) {
	rt, err := n.runtime()
	if err != nil {
		return "", err
	}
	return rt.msgs.SendText(ctx, identity.SelfChatID, text)
}

// SendAttachment imports the file at path into the blob store and
// queues a message announcing it. Returns the content hash.
func (n *Node) SendAttachment(ctx context.Context, chatID, contentType, path string) (string, error) {
	rt, err := n.runtime()
	if err != nil {
		return "", err
	}
	rec, err := rt.files.Import(ctx, path)
	if err != nil {
		return "", err
	}
	_, err = rt.msgs.SendFile(ctx, chatID, contentType, rec.Hash, filepath.Base(path))
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

// MarkRead marks every inbound message in the chat read and sends
// read receipts where a session is up.
func (n *Node) MarkRead(ctx context.Context, chatID string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	return rt.msgs.MarkRead(ctx, chatID)
}

// Typing forwards a composing indicator to the chat's peer.
func (n *Node) Typing(chatID string, active bool) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	rt.msgs.Typing(chatID, active)
	return nil
}

// BlobDataURL returns a stored blob as a data: URL using the recorded
// media type.
func (n *Node) BlobDataURL(ctx context.Context, hash string) (string, error) {
	rt, err := n.runtime()
	if err != nil {
		return "", err
	}
	rec, err := rt.store.GetFile(ctx, hash)
	if err != nil {
		return "", err
	}
	data, err := rt.blobs.Read(hash)
	if err != nil {
		return "", err
	}
	return dataURL(rec.MimeHint, data), nil
}

// FileDataURL reads an arbitrary local file as a data: URL. Used for
// previews before the file is imported.
func (n *Node) FileDataURL(path string) (string, error) {
	if _, err := n.runtime(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return dataURL(filestore.DetectMime(path, data), data), nil
}

// SaveBlobTo copies a stored blob to a user-chosen path.
func (n *Node) SaveBlobTo(ctx context.Context, hash, target string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	data, err := rt.blobs.Read(hash)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("node: saving blob to %s: %w", target, err)
	}
	return nil
}

func dataURL(mimeHint string, data []byte) string {
	if mimeHint == "" {
		mimeHint = "application/octet-stream"
	}
	return "data:" + mimeHint + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Stickers lists the sticker library.
func (n *Node) Stickers(ctx context.Context) ([]store.Sticker, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.store.ListStickers(ctx)
}

// AddSticker stores sticker bytes under their content hash.
func (n *Node) AddSticker(ctx context.Context, data []byte, name string) (store.Sticker, error) {
	rt, err := n.runtime()
	if err != nil {
		return store.Sticker{}, err
	}
	hash, err := rt.blobs.PutSticker(data)
	if err != nil {
		return store.Sticker{}, err
	}
	sticker := store.Sticker{
		Hash:      hash,
		Name:      name,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().Unix(),
	}
	if err := rt.store.AddSticker(ctx, sticker); err != nil {
		return store.Sticker{}, err
	}
	return sticker, nil
}

// DeleteSticker removes a sticker from the library and from disk.
func (n *Node) DeleteSticker(ctx context.Context, hash string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	if err := rt.store.RemoveSticker(ctx, hash); err != nil {
		return err
	}
	return rt.blobs.RemoveSticker(hash)
}

// StickerData returns a sticker's bytes.
func (n *Node) StickerData(ctx context.Context, hash string) ([]byte, error) {
	rt, err := n.runtime()
	if err != nil {
		return nil, err
	}
	return rt.blobs.ReadSticker(hash)
}

// GenerateInvitePassword returns a fresh invite code.
func (n *Node) GenerateInvitePassword() (string, error) {
	return invite.GeneratePassword()
}

// CreateInvite publishes a sealed offer for the invitee.
func (n *Node) CreateInvite(ctx context.Context, inviteeHandle, password string) error {
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	rt.pubMu.Lock()
	engine := rt.invites
	rt.pubMu.Unlock()
	if engine == nil {
		return ErrNoDirectory
	}
	return engine.Create(ctx, inviteeHandle, password)
}

// RedeemInvite decrypts the inviter's offer, connects, and completes
// the trust exchange. Returns the inviter's peer id.
func (n *Node) RedeemInvite(ctx context.Context, inviterHandle, password string) (identity.PeerID, error) {
	rt, err := n.runtime()
	if err != nil {
		return "", err
	}
	rt.pubMu.Lock()
	engine := rt.invites
	rt.pubMu.Unlock()
	if engine == nil {
		return "", ErrNoDirectory
	}
	peer, err := engine.Redeem(ctx, inviterHandle, password)
	if err != nil {
		return "", err
	}
	// Greet the inviter so their chat list shows the new contact
	// without waiting for them to speak first.
	if _, err := rt.msgs.SendText(rt.ctx, peer.String(), "Hi! I accepted your invite."); err != nil {
		n.logger.Warn("greeting after invite failed", "peer", peer, "error", err)
	}
	return peer, nil
}

// Theme returns the active palette. Works before unlock so the UI can
// paint the login screen.
func (n *Node) Theme() (theme.Config, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Theme.Resolve()
}

// UpdateTheme persists a fully custom palette, clearing any preset
// selection.
func (n *Node) UpdateTheme(cfg theme.Config) error {
	n.mu.Lock()
	n.cfg.Theme = config.Theme{Custom: &cfg}
	saved := n.cfg
	n.mu.Unlock()
	return config.Save(n.dataDir, saved)
}

// ThemePresets lists the compiled-in presets.
func (n *Node) ThemePresets() []theme.Preset {
	return theme.Presets()
}

// ApplyPreset selects a preset and returns the expanded palette.
func (n *Node) ApplyPreset(key string) (theme.Config, error) {
	preset, err := theme.Lookup(key)
	if err != nil {
		return theme.Config{}, err
	}
	n.mu.Lock()
	n.cfg.Theme = config.Theme{Preset: key}
	saved := n.cfg
	n.mu.Unlock()
	if err := config.Save(n.dataDir, saved); err != nil {
		return theme.Config{}, err
	}
	return theme.Expand(preset), nil
}

// SelectedPreset returns the active preset key, empty when the
// default or a custom palette is in use.
func (n *Node) SelectedPreset() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Theme.Preset
}
