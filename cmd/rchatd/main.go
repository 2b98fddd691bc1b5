// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// rchatd is the messaging node daemon. It owns the vault, the store,
// the peer sessions, and the command socket the UI talks to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rchat-net/rchat/internal/command"
	"github.com/rchat-net/rchat/internal/config"
	"github.com/rchat-net/rchat/internal/node"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDirFlag string
		listenTCP   string
		listenQUIC  string
		logLevel    string
	)

	pflag.StringVar(&dataDirFlag, "data-dir", "", "data directory (default: per-user config dir, or $RCHAT_DATA_DIR)")
	pflag.StringVar(&listenTCP, "listen-tcp", "", "TCP bind address, overriding config.toml")
	pflag.StringVar(&listenQUIC, "listen-quic", "", "QUIC bind address, overriding config.toml")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	dataDir, err := config.DataDir(dataDirFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	if listenTCP != "" {
		cfg.ListenTCP = listenTCP
	}
	if listenQUIC != "" {
		cfg.ListenQUIC = listenQUIC
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n := node.New(dataDir, cfg, logger)
	defer n.Close()

	listener, err := command.Listen(dataDir)
	if err != nil {
		return err
	}

	logger.Info("rchatd ready",
		"data_dir", dataDir,
		"socket", filepath.Join(dataDir, command.SocketName))

	server := command.New(n, logger.With("component", "command"))
	return server.Serve(ctx, listener)
}
