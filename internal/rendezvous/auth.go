// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// OAuth device flow against the directory provider, so users can
// authorize gist writes without pasting a token.

// DeviceClientID identifies this application to the provider.
const DeviceClientID = "Ov23liRchatNodeApp01"

// DeviceAuthBaseURL is the provider's OAuth endpoint root.
const DeviceAuthBaseURL = "https://github.com"

const deviceScope = "gist"

// ErrAuthPending means the user has not entered the code yet; poll
// again after the advertised interval.
var ErrAuthPending = errors.New("rendezvous: authorization pending")

// ErrAuthDenied means the user refused the authorization request.
var ErrAuthDenied = errors.New("rendezvous: authorization denied")

// ErrAuthExpired means the device code's TTL ran out before the user
// completed the flow.
var ErrAuthExpired = errors.New("rendezvous: device code expired")

// DeviceAuth is the state handed to the user when the flow starts.
type DeviceAuth struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlow drives the provider's OAuth device grant.
type DeviceFlow struct {
	baseURL  string
	clientID string
	httpc    *http.Client
	logger   *slog.Logger
}

// NewDeviceFlow builds a flow against the public provider. Tests
// override baseURL and httpc.
func NewDeviceFlow(baseURL string, httpc *http.Client, logger *slog.Logger) *DeviceFlow {
	if baseURL == "" {
		baseURL = DeviceAuthBaseURL
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &DeviceFlow{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: DeviceClientID,
		httpc:    httpc,
		logger:   logger.With("component", "device-auth"),
	}
}

// Start requests a device and user code pair.
func (f *DeviceFlow) Start(ctx context.Context) (DeviceAuth, error) {
	form := url.Values{
		"client_id": {f.clientID},
		"scope":     {deviceScope},
	}
	values, err := f.postForm(ctx, "/login/device/code", form)
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("rendezvous: starting device auth: %w", err)
	}

	auth := DeviceAuth{
		DeviceCode:      values.Get("device_code"),
		UserCode:        values.Get("user_code"),
		VerificationURI: values.Get("verification_uri"),
	}
	auth.ExpiresIn, _ = strconv.Atoi(values.Get("expires_in"))
	auth.Interval, _ = strconv.Atoi(values.Get("interval"))
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return DeviceAuth{}, fmt.Errorf("rendezvous: device auth response missing codes")
	}
	f.logger.Info("device auth started", "verification_uri", auth.VerificationURI)
	return auth, nil
}

// Poll asks once whether the user has completed authorization.
// Returns the access token, or ErrAuthPending/ErrAuthDenied/
// ErrAuthExpired for the in-flow outcomes.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode string) (string, error) {
	form := url.Values{
		"client_id":   {f.clientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	values, err := f.postForm(ctx, "/login/oauth/access_token", form)
	if err != nil {
		return "", fmt.Errorf("rendezvous: polling device auth: %w", err)
	}

	if token := values.Get("access_token"); token != "" {
		return token, nil
	}
	switch values.Get("error") {
	case "authorization_pending":
		return "", ErrAuthPending
	case "slow_down":
		return "", ErrAuthPending
	case "access_denied":
		return "", ErrAuthDenied
	case "expired_token":
		return "", ErrAuthExpired
	default:
		return "", fmt.Errorf("rendezvous: device auth error %q", values.Get("error"))
	}
}

// Wait polls until the flow resolves, the code expires, or ctx is
// cancelled.
func (f *DeviceFlow) Wait(ctx context.Context, auth DeviceAuth) (string, error) {
	interval := time.Duration(auth.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if auth.ExpiresIn > 0 && time.Now().After(deadline) {
			return "", ErrAuthExpired
		}

		token, err := f.Poll(ctx, auth.DeviceCode)
		switch {
		case err == nil:
			return token, nil
		case errors.Is(err, ErrAuthPending):
			continue
		default:
			return "", err
		}
	}
}

// postForm sends a form POST and parses the urlencoded response the
// OAuth endpoints return.
func (f *DeviceFlow) postForm(ctx context.Context, path string, form url.Values) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return values, nil
}
