// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package config reads and writes the node's non-secret settings file.
// Everything secret lives in the vault; config.toml only carries
// startup preferences and the selected theme preset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/rchat-net/rchat/internal/theme"
)

// FileName is the settings file inside the data directory.
const FileName = "config.toml"

// EnvDataDir overrides the data directory when set.
const EnvDataDir = "RCHAT_DATA_DIR"

// Config is the content of config.toml. Zero values fall back to the
// defaults from Default, so a hand-edited partial file stays valid.
type Config struct {
	// ListenTCP and ListenQUIC are the bind addresses for inbound
	// sessions. Port 0 picks an ephemeral port; peers learn the real
	// port through discovery.
	ListenTCP  string `toml:"listen_tcp"`
	ListenQUIC string `toml:"listen_quic"`

	// Online is the presence mode the node starts in.
	Online bool `toml:"online"`

	Theme Theme `toml:"theme"`
}

// Theme selects the active palette. Custom, when present, wins over
// the preset; with neither the built-in default applies. Kept outside
// the vault so the UI can paint before unlock.
type Theme struct {
	Preset string        `toml:"preset"`
	Custom *theme.Config `toml:"custom"`
}

// Resolve returns the palette the settings select.
func (t Theme) Resolve() (theme.Config, error) {
	if t.Custom != nil {
		return *t.Custom, nil
	}
	if t.Preset != "" {
		preset, err := theme.Lookup(t.Preset)
		if err != nil {
			return theme.Config{}, err
		}
		return theme.Expand(preset), nil
	}
	return theme.Default(), nil
}

// Default returns the settings used when no config.toml exists yet.
func Default() Config {
	return Config{
		ListenTCP:  "0.0.0.0:0",
		ListenQUIC: "0.0.0.0:0",
		Online:     true,
	}
}

// DataDir resolves the node's data directory. An explicit override
// wins, then the environment, then the per-user config location.
func DataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	return filepath.Join(base, "rchat"), nil
}

// Load reads config.toml from dir. A missing file yields Default.
func Load(dir string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(filepath.Join(dir, FileName), &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if cfg.ListenTCP == "" {
		cfg.ListenTCP = Default().ListenTCP
	}
	if cfg.ListenQUIC == "" {
		cfg.ListenQUIC = Default().ListenQUIC
	}
	return cfg, nil
}

// Save writes cfg to config.toml in dir, replacing it atomically.
func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
