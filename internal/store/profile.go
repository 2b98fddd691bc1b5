// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Settings keys. Values are strings; structured values (the theme) are
// stored as JSON.
const (
	SettingDisplayName   = "profile.display_name"
	SettingAvatarHash    = "profile.avatar_hash"
	SettingTheme         = "ui.theme"
	SettingThemePreset   = "ui.theme_preset"
	SettingOnlineDefault = "net.online_default"
	SettingMDNSEnabled   = "net.mdns_enabled"
	SettingGistEnabled   = "net.gist_enabled"
)

// Profile is the local user's public-facing identity card.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarHash  string `json:"avatar_hash,omitempty"`
}

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var value string
	found := false
	err = sqlitex.Execute(conn, `SELECT value FROM settings WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: reading setting %s: %w", key, err)
	}
	if !found {
		return "", fmt.Errorf("store: setting %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// SetSetting stores or replaces the value for key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("store: writing setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key. Deleting an absent key is a no-op.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(conn, `DELETE FROM settings WHERE key = ?`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("store: deleting setting %s: %w", key, err)
	}
	return nil
}

// GetProfile assembles the local profile from settings. A profile that
// was never set returns zero values, not an error.
func (s *Store) GetProfile(ctx context.Context) (Profile, error) {
	var profile Profile
	name, err := s.GetSetting(ctx, SettingDisplayName)
	if err == nil {
		profile.DisplayName = name
	} else if !isNotFound(err) {
		return Profile{}, err
	}

	avatar, err := s.GetSetting(ctx, SettingAvatarHash)
	if err == nil {
		profile.AvatarHash = avatar
	} else if !isNotFound(err) {
		return Profile{}, err
	}
	return profile, nil
}

// SetProfile stores the local profile.
func (s *Store) SetProfile(ctx context.Context, profile Profile) error {
	if err := s.SetSetting(ctx, SettingDisplayName, profile.DisplayName); err != nil {
		return err
	}
	if profile.AvatarHash == "" {
		return s.DeleteSetting(ctx, SettingAvatarHash)
	}
	return s.SetSetting(ctx, SettingAvatarHash, profile.AvatarHash)
}
