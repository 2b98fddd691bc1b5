// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rchat-net/rchat/internal/config"
	"github.com/rchat-net/rchat/internal/node"
	"github.com/rchat-net/rchat/lib/codec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer brings up a node and command socket in a temp data
// directory and returns the socket path.
func startServer(t *testing.T) string {
	t.Helper()

	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.Online = false
	cfg.ListenTCP = "127.0.0.1:0"
	cfg.ListenQUIC = "127.0.0.1:0"

	n := node.New(dataDir, cfg, testLogger())
	t.Cleanup(n.Close)

	listener, err := Listen(dataDir)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := New(n, testLogger())
	go server.Serve(ctx, listener)

	return filepath.Join(dataDir, SocketName)
}

// roundTrip sends one request over a fresh connection and returns the
// response.
func roundTrip(t *testing.T, socket, action string, payload any) Response {
	t.Helper()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dialing %s: %v", socket, err)
	}
	defer conn.Close()

	request := Request{Action: action}
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			t.Fatalf("encoding payload: %v", err)
		}
		request.Payload = raw
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("sending request: %v", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

func decodeData(t *testing.T, response Response, v any) {
	t.Helper()
	if !response.OK {
		t.Fatalf("request failed: %v", response.Error)
	}
	if err := codec.Unmarshal(response.Data, v); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestUnknownActionIsBadRequest(t *testing.T) {
	socket := startServer(t)

	response := roundTrip(t, socket, "definitely_not_an_action", nil)
	if response.OK {
		t.Fatal("expected failure for unknown action")
	}
	if response.Error.Code != CodeBadRequest {
		t.Fatalf("code = %q, want %q", response.Error.Code, CodeBadRequest)
	}
}

func TestMissingPayloadIsBadRequest(t *testing.T) {
	socket := startServer(t)

	response := roundTrip(t, socket, "unlock_vault", nil)
	if response.OK {
		t.Fatal("expected failure without payload")
	}
	if response.Error.Code != CodeBadRequest {
		t.Fatalf("code = %q, want %q", response.Error.Code, CodeBadRequest)
	}
}

func TestAuthStatusBeforeSetup(t *testing.T) {
	socket := startServer(t)

	var status struct {
		IsSetUp    bool `json:"is_setup"`
		IsUnlocked bool `json:"is_unlocked"`
		IsOnline   bool `json:"is_online"`
	}
	decodeData(t, roundTrip(t, socket, "check_auth_status", nil), &status)
	if status.IsSetUp || status.IsUnlocked || status.IsOnline {
		t.Fatalf("fresh node reports %+v, want all false", status)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	socket := startServer(t)

	response := roundTrip(t, socket, "get_trusted_peers", nil)
	if response.OK {
		t.Fatal("expected failure before unlock")
	}
	if response.Error.Code != CodeVaultLocked {
		t.Fatalf("code = %q, want %q", response.Error.Code, CodeVaultLocked)
	}
}

func TestVaultLifecycle(t *testing.T) {
	socket := startServer(t)
	password := map[string]string{"password": "correct horse battery"}

	if response := roundTrip(t, socket, "init_vault", password); !response.OK {
		t.Fatalf("init_vault failed: %v", response.Error)
	}

	var status struct {
		IsSetUp    bool `json:"is_setup"`
		IsUnlocked bool `json:"is_unlocked"`
	}
	decodeData(t, roundTrip(t, socket, "check_auth_status", nil), &status)
	if !status.IsSetUp || !status.IsUnlocked {
		t.Fatalf("after init, status = %+v, want set up and unlocked", status)
	}

	response := roundTrip(t, socket, "init_vault", password)
	if response.OK || response.Error.Code != CodeVaultAlreadySet {
		t.Fatalf("second init_vault = %+v, want %s", response, CodeVaultAlreadySet)
	}

	var peers []struct {
		ID string `json:"id"`
	}
	decodeData(t, roundTrip(t, socket, "get_trusted_peers", nil), &peers)
	if len(peers) != 0 {
		t.Fatalf("fresh node has %d trusted peers, want 0", len(peers))
	}
}

func TestThemeBeforeUnlock(t *testing.T) {
	socket := startServer(t)

	var cfg struct {
		Base struct {
			C950 string `json:"950"`
		} `json:"base"`
	}
	decodeData(t, roundTrip(t, socket, "get_theme", nil), &cfg)
	if cfg.Base.C950 == "" {
		t.Fatal("theme should resolve before unlock")
	}

	response := roundTrip(t, socket, "apply_preset", map[string]string{"name": "no_such_preset"})
	if response.OK || response.Error.Code != CodeNotFound {
		t.Fatalf("apply_preset(unknown) = %+v, want %s", response, CodeNotFound)
	}
}

func TestSubscribeEventsSendsInitialStatus(t *testing.T) {
	socket := startServer(t)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(Request{Action: "subscribe_events"}); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope struct {
		Type string           `cbor:"type"`
		Data codec.RawMessage `cbor:"data"`
	}
	if err := codec.NewDecoder(conn).Decode(&envelope); err != nil {
		t.Fatalf("reading first event: %v", err)
	}
	if envelope.Type != "auth-status" {
		t.Fatalf("first event type = %q, want auth-status", envelope.Type)
	}
}
