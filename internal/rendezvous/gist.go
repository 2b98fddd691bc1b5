// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rchat-net/rchat/lib/httpclient"
)

const (
	// presenceDescription marks the gist holding a node's presence
	// record. Lookup scans a handle's public gists for it.
	presenceDescription = "rchat-peer-info"

	presenceFileName = "peers.txt"

	// topicDescription marks the gist holding a node's outstanding
	// topic messages, one file per topic.
	topicDescription = "rchat-topics"
)

// GistDirectory implements Directory against a gist-style HTTPS API:
// authenticated creates and updates for this node's blobs, anonymous
// reads of other handles' public blobs.
type GistDirectory struct {
	api    *httpclient.Client
	logger *slog.Logger

	// gist ids are discovered once and cached; a deleted gist is
	// re-created on the next publish.
	mu           sync.Mutex
	presenceGist string
	topicGist    string
}

// GistConfig configures the directory client.
type GistConfig struct {
	// BaseURL is the API root; defaults to the public endpoint.
	BaseURL string

	// Token authenticates writes. Reads of other handles work
	// without it, so a node with no token can still resolve peers.
	Token string

	HTTPClient *httpclient.Client

	Logger *slog.Logger
}

// DefaultAPIBaseURL is the public gist API endpoint.
const DefaultAPIBaseURL = "https://api.github.com"

// NewGistDirectory builds the directory client.
func NewGistDirectory(cfg GistConfig) (*GistDirectory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	api := cfg.HTTPClient
	if api == nil {
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultAPIBaseURL
		}
		var err error
		api, err = httpclient.New(httpclient.Config{
			BaseURL: baseURL,
			Token:   cfg.Token,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return &GistDirectory{
		api:    api,
		logger: logger.With("component", "gist-directory"),
	}, nil
}

var _ Directory = (*GistDirectory)(nil)

// gist is the subset of the API's gist object the client reads.
type gist struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
}

type gistFile struct {
	Content   string `json:"content"`
	RawURL    string `json:"raw_url"`
	Truncated bool   `json:"truncated"`
}

// gistWrite is the create/update request body. A nil file entry
// deletes that file.
type gistWrite struct {
	Description string                    `json:"description"`
	Public      bool                      `json:"public"`
	Files       map[string]*gistWriteFile `json:"files"`
}

type gistWriteFile struct {
	Content string `json:"content"`
}

// PublishPresence implements Directory.
func (g *GistDirectory) PublishPresence(ctx context.Context, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := g.writeGist(ctx, &g.presenceGist, presenceDescription, map[string]*gistWriteFile{
		presenceFileName: {Content: body},
	})
	if err != nil {
		return fmt.Errorf("rendezvous: publishing presence: %w", err)
	}
	g.logger.Debug("presence gist updated", "gist_id", id)
	return nil
}

// LookupPresence implements Directory.
func (g *GistDirectory) LookupPresence(ctx context.Context, handle string) (string, error) {
	found, err := g.findGist(ctx, handle, presenceDescription)
	if err != nil {
		return "", fmt.Errorf("rendezvous: looking up %q: %w", handle, err)
	}
	body, err := g.fileContent(ctx, found, presenceFileName)
	if err != nil {
		return "", fmt.Errorf("rendezvous: looking up %q: %w", handle, err)
	}
	return body, nil
}

// PublishTopic implements Directory.
func (g *GistDirectory) PublishTopic(ctx context.Context, topic, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.writeGist(ctx, &g.topicGist, topicDescription, map[string]*gistWriteFile{
		topicFileName(topic): {Content: body},
	})
	if err != nil {
		return fmt.Errorf("rendezvous: publishing to topic %q: %w", topic, err)
	}
	return nil
}

// PollTopic implements Directory.
func (g *GistDirectory) PollTopic(ctx context.Context, handle, topic string) ([]string, error) {
	found, err := g.findGist(ctx, handle, topicDescription)
	if err != nil {
		if isNoRecord(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rendezvous: polling topic %q: %w", topic, err)
	}
	body, err := g.fileContent(ctx, found, topicFileName(topic))
	if err != nil {
		if isNoRecord(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rendezvous: polling topic %q: %w", topic, err)
	}
	return []string{body}, nil
}

// topicFileName maps a topic to a stable gist file name. Topics embed
// peer ids, which are too long and too punctuated for file names.
func topicFileName(topic string) string {
	sum := sha256.Sum256([]byte(topic))
	return hex.EncodeToString(sum[:8]) + ".txt"
}

func isNoRecord(err error) bool {
	return errors.Is(err, ErrNoRecord) || httpclient.IsNotFound(err)
}

// writeGist updates the cached gist, creating it when none exists yet.
func (g *GistDirectory) writeGist(ctx context.Context, cached *string, description string, files map[string]*gistWriteFile) (string, error) {
	if *cached != "" {
		err := g.api.Patch(ctx, "/gists/"+*cached, gistWrite{
			Description: description,
			Public:      true,
			Files:       files,
		}, nil)
		if err == nil {
			return *cached, nil
		}
		if !httpclient.IsNotFound(err) {
			return "", err
		}
		*cached = ""
	}

	// First publish in this process: adopt an existing gist if one
	// survives from a previous run, otherwise create one.
	var mine []gist
	if err := g.api.Get(ctx, "/gists", &mine); err != nil {
		return "", err
	}
	for _, candidate := range mine {
		if candidate.Description == description {
			*cached = candidate.ID
			return g.writeGist(ctx, cached, description, files)
		}
	}

	var created gist
	err := g.api.Post(ctx, "/gists", gistWrite{
		Description: description,
		Public:      true,
		Files:       files,
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("create response carried no gist id")
	}
	*cached = created.ID
	return created.ID, nil
}

// findGist scans a handle's public gists for the marker description.
func (g *GistDirectory) findGist(ctx context.Context, handle, description string) (gist, error) {
	if strings.ContainsAny(handle, "/?#%") {
		return gist{}, fmt.Errorf("invalid handle %q", handle)
	}
	var listed []gist
	if err := g.api.Get(ctx, "/users/"+handle+"/gists", &listed); err != nil {
		return gist{}, err
	}
	for _, candidate := range listed {
		if candidate.Description == description {
			return candidate, nil
		}
	}
	return gist{}, ErrNoRecord
}

// fileContent returns a gist file's body, following raw_url when the
// listing omits or truncates inline content.
func (g *GistDirectory) fileContent(ctx context.Context, from gist, name string) (string, error) {
	file, ok := from.Files[name]
	if !ok {
		return "", ErrNoRecord
	}
	if file.Content != "" && !file.Truncated {
		return strings.TrimSpace(file.Content), nil
	}
	if file.RawURL == "" {
		return "", ErrNoRecord
	}
	raw, err := g.api.GetRaw(ctx, file.RawURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
