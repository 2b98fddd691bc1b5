// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rchat-net/rchat/lib/httpclient"
)

// fakeGistServer is a minimal gist API: create, update, and per-user
// listing, all owned by a single user "alice".
type fakeGistServer struct {
	mu     sync.Mutex
	nextID int
	gists  map[string]*gistWrite
}

func newFakeGistServer() *fakeGistServer {
	return &fakeGistServer{nextID: 1, gists: make(map[string]*gistWrite)}
}

func (s *fakeGistServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gists", func(w http.ResponseWriter, r *http.Request) {
		var write gistWrite
		if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		id := fmt.Sprintf("gist-%d", s.nextID)
		s.nextID++
		s.gists[id] = &write
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		s.writeGistJSON(w, id)
	})
	mux.HandleFunc("PATCH /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var write gistWrite
		if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		existing, ok := s.gists[id]
		if ok {
			for name, file := range write.Files {
				existing.Files[name] = file
			}
		}
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.writeGistJSON(w, id)
	})
	list := func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var out []json.RawMessage
		for id := range s.gists {
			out = append(out, s.gistJSON(id))
		}
		s.mu.Unlock()
		if out == nil {
			out = []json.RawMessage{}
		}
		json.NewEncoder(w).Encode(out)
	}
	mux.HandleFunc("GET /gists", list)
	mux.HandleFunc("GET /users/alice/gists", list)
	mux.HandleFunc("GET /users/{other}/gists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	return mux
}

// gistJSON renders a stored gist the way the API lists it. Caller
// holds the lock.
func (s *fakeGistServer) gistJSON(id string) json.RawMessage {
	write := s.gists[id]
	files := make(map[string]map[string]any)
	for name, file := range write.Files {
		files[name] = map[string]any{"content": file.Content}
	}
	data, _ := json.Marshal(map[string]any{
		"id":          id,
		"description": write.Description,
		"public":      write.Public,
		"files":       files,
	})
	return data
}

func (s *fakeGistServer) writeGistJSON(w http.ResponseWriter, id string) {
	s.mu.Lock()
	data := s.gistJSON(id)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *fakeGistServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gists)
}

func newTestGistDirectory(t *testing.T) (*GistDirectory, *fakeGistServer) {
	t.Helper()
	fake := newFakeGistServer()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	api, err := httpclient.New(httpclient.Config{
		BaseURL:    server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
		Retries:    -1,
	})
	if err != nil {
		t.Fatalf("building api client: %v", err)
	}
	dir, err := NewGistDirectory(GistConfig{
		HTTPClient: api,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("building directory: %v", err)
	}
	return dir, fake
}

func TestGistPublishAndLookupPresence(t *testing.T) {
	ctx := context.Background()
	dir, fake := newTestGistDirectory(t)

	if err := dir.PublishPresence(ctx, "record-v1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	body, err := dir.LookupPresence(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if body != "record-v1" {
		t.Errorf("body = %q", body)
	}

	// A second publish updates the same gist instead of creating
	// another one.
	if err := dir.PublishPresence(ctx, "record-v2"); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if fake.count() != 1 {
		t.Errorf("gist count = %d, want 1", fake.count())
	}
	body, err = dir.LookupPresence(ctx, "alice")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if body != "record-v2" {
		t.Errorf("body = %q", body)
	}
}

func TestGistAdoptsSurvivingGist(t *testing.T) {
	ctx := context.Background()
	dir, fake := newTestGistDirectory(t)

	if err := dir.PublishPresence(ctx, "from-previous-run"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A fresh client with an empty cache must find and reuse the
	// existing gist.
	fresh, err := NewGistDirectory(GistConfig{
		HTTPClient: dir.api,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("building directory: %v", err)
	}
	if err := fresh.PublishPresence(ctx, "from-current-run"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.count() != 1 {
		t.Errorf("gist count = %d, want 1", fake.count())
	}
}

func TestGistLookupUnknownHandle(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestGistDirectory(t)

	_, err := dir.LookupPresence(ctx, "nobody")
	if err == nil || !strings.Contains(err.Error(), "no record") {
		t.Errorf("lookup error = %v, want no record", err)
	}
}

func TestGistTopics(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestGistDirectory(t)
	topic := PairTopic("peer-a", "peer-b")

	bodies, err := dir.PollTopic(ctx, "alice", topic)
	if err != nil {
		t.Fatalf("poll before publish: %v", err)
	}
	if len(bodies) != 0 {
		t.Errorf("bodies = %v, want none", bodies)
	}

	if err := dir.PublishTopic(ctx, topic, "sealed-offer"); err != nil {
		t.Fatalf("publish topic: %v", err)
	}
	bodies, err = dir.PollTopic(ctx, "alice", topic)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(bodies) != 1 || bodies[0] != "sealed-offer" {
		t.Errorf("bodies = %v", bodies)
	}

	// A different topic stays isolated.
	bodies, err = dir.PollTopic(ctx, "alice", PairTopic("peer-a", "peer-c"))
	if err != nil {
		t.Fatalf("poll other topic: %v", err)
	}
	if len(bodies) != 0 {
		t.Errorf("other topic bodies = %v", bodies)
	}
}

func TestGistRejectsBadHandle(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestGistDirectory(t)

	if _, err := dir.LookupPresence(ctx, "../gists"); err == nil {
		t.Fatal("path-traversal handle accepted")
	}
}
