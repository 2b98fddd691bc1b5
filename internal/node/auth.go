// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"

	"github.com/rchat-net/rchat/lib/httpclient"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/invite"
	"github.com/rchat-net/rchat/internal/rendezvous"
	"github.com/rchat-net/rchat/internal/wire"
)

// StartGitHubAuth begins the device grant and returns the codes the
// UI shows the user.
func (n *Node) StartGitHubAuth(ctx context.Context) (rendezvous.DeviceAuth, error) {
	flow := rendezvous.NewDeviceFlow("", nil, n.logger)
	auth, err := flow.Start(ctx)
	if err != nil {
		return rendezvous.DeviceAuth{}, err
	}
	n.mu.Lock()
	n.flow = flow
	n.mu.Unlock()
	return auth, nil
}

// PollGitHubAuth asks the provider whether the user approved yet.
// Returns the token once granted, ErrAuthPending until then.
func (n *Node) PollGitHubAuth(ctx context.Context, deviceCode string) (string, error) {
	n.mu.Lock()
	flow := n.flow
	n.mu.Unlock()
	if flow == nil {
		flow = rendezvous.NewDeviceFlow("", nil, n.logger)
	}
	return flow.Poll(ctx, deviceCode)
}

// SaveAPIToken seals the token into the vault and brings the
// rendezvous directory up with it.
func (n *Node) SaveAPIToken(token string) error {
	if err := n.vault.SaveAPIToken(token); err != nil {
		return err
	}
	rt, err := n.runtime()
	if err != nil {
		return err
	}
	if err := n.configureDirectory(rt); err != nil {
		return err
	}
	if rt.sessions.Online() {
		rt.startPublisher(n.logger)
	}
	return nil
}

// configureDirectory builds the gist directory, publisher, and invite
// engine from the vault's API token. Called at startup and again
// whenever the token changes; a previous publisher loop is stopped
// before the pieces are swapped.
func (n *Node) configureDirectory(rt *runtime) error {
	token, err := n.vault.APIToken()
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoDirectory
	}

	api, err := httpclient.New(httpclient.Config{
		BaseURL: rendezvous.DefaultAPIBaseURL,
		Token:   token,
		Logger:  n.logger,
	})
	if err != nil {
		return err
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := api.Get(rt.ctx, "/user", &user); err != nil {
		return fmt.Errorf("node: resolving account handle: %w", err)
	}
	if user.Login == "" {
		return fmt.Errorf("node: account has no handle")
	}
	if err := rt.store.SetSetting(rt.ctx, settingSelfHandle, user.Login); err != nil {
		return err
	}

	dir, err := rendezvous.NewGistDirectory(rendezvous.GistConfig{
		HTTPClient: api,
		Logger:     n.logger,
	})
	if err != nil {
		return err
	}

	msgs := rt.msgs
	engine := invite.NewEngine(rt.id, user.Login, rt.store, dir, rt.sessions, rt.addrs, n.logger.With("component", "invite"))
	engine.OnTrusted(func(_ identity.PeerID, _ string) {
		// A fresh peer should learn our display name right away.
		go msgs.BroadcastProfile(rt.ctx)
	})
	rt.sessions.Register(wire.ProtocolInvite, engine)
	engCtx, engCancel := context.WithCancel(rt.ctx)
	go func() {
		if err := engine.Run(engCtx); err != nil && engCtx.Err() == nil {
			n.logger.Warn("invite engine stopped", "error", err)
		}
	}()

	rt.stopPublisher()
	rt.pubMu.Lock()
	if rt.engCancel != nil {
		rt.engCancel()
	}
	rt.engCancel = engCancel
	rt.directory = dir
	rt.publisher = rendezvous.NewPublisher(dir, rt.id, rt.addrs, n.logger)
	rt.invites = engine
	rt.handle = user.Login
	rt.pubMu.Unlock()
	return nil
}
