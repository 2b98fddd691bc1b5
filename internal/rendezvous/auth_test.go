// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// fakeAuthServer drives the OAuth device grant endpoints. The polls
// field scripts the outcome of each successive token poll.
type fakeAuthServer struct {
	mu    sync.Mutex
	polls []string
}

func (s *fakeAuthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/device/code", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("client_id") == "" || r.PostForm.Get("scope") != "gist" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		values := url.Values{
			"device_code":      {"dev-123"},
			"user_code":        {"ABCD-1234"},
			"verification_uri": {"https://github.com/login/device"},
			"expires_in":       {"900"},
			"interval":         {"1"},
		}
		w.Write([]byte(values.Encode()))
	})
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("device_code") != "dev-123" {
			w.Write([]byte(url.Values{"error": {"incorrect_device_code"}}.Encode()))
			return
		}
		s.mu.Lock()
		outcome := "authorization_pending"
		if len(s.polls) > 0 {
			outcome = s.polls[0]
			s.polls = s.polls[1:]
		}
		s.mu.Unlock()

		if outcome == "token" {
			w.Write([]byte(url.Values{
				"access_token": {"gho_testtoken"},
				"token_type":   {"bearer"},
				"scope":        {"gist"},
			}.Encode()))
			return
		}
		w.Write([]byte(url.Values{"error": {outcome}}.Encode()))
	})
	return mux
}

func newTestDeviceFlow(t *testing.T, polls []string) *DeviceFlow {
	t.Helper()
	fake := &fakeAuthServer{polls: polls}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	return NewDeviceFlow(server.URL, server.Client(), slog.New(slog.DiscardHandler))
}

func TestDeviceFlowStart(t *testing.T) {
	flow := newTestDeviceFlow(t, nil)

	auth, err := flow.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if auth.DeviceCode != "dev-123" || auth.UserCode != "ABCD-1234" {
		t.Errorf("auth = %+v", auth)
	}
	if auth.Interval != 1 {
		t.Errorf("interval = %d", auth.Interval)
	}
}

func TestDeviceFlowPollOutcomes(t *testing.T) {
	flow := newTestDeviceFlow(t, []string{
		"authorization_pending",
		"slow_down",
		"token",
		"access_denied",
		"expired_token",
	})
	ctx := context.Background()

	if _, err := flow.Poll(ctx, "dev-123"); !errors.Is(err, ErrAuthPending) {
		t.Errorf("pending poll error = %v", err)
	}
	if _, err := flow.Poll(ctx, "dev-123"); !errors.Is(err, ErrAuthPending) {
		t.Errorf("slow_down poll error = %v", err)
	}
	token, err := flow.Poll(ctx, "dev-123")
	if err != nil {
		t.Fatalf("token poll: %v", err)
	}
	if token != "gho_testtoken" {
		t.Errorf("token = %q", token)
	}
	if _, err := flow.Poll(ctx, "dev-123"); !errors.Is(err, ErrAuthDenied) {
		t.Errorf("denied poll error = %v", err)
	}
	if _, err := flow.Poll(ctx, "dev-123"); !errors.Is(err, ErrAuthExpired) {
		t.Errorf("expired poll error = %v", err)
	}
}

func TestDeviceFlowWait(t *testing.T) {
	flow := newTestDeviceFlow(t, []string{"authorization_pending", "token"})

	auth, err := flow.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	auth.Interval = 0

	token, err := flow.Wait(context.Background(), auth)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if token != "gho_testtoken" {
		t.Errorf("token = %q", token)
	}
}

func TestDeviceFlowWaitCancel(t *testing.T) {
	flow := newTestDeviceFlow(t, nil)

	auth, err := flow.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := flow.Wait(ctx, auth); !errors.Is(err, context.Canceled) {
		t.Errorf("wait error = %v, want context.Canceled", err)
	}
}
