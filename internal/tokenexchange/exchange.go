// Package tokenexchange trades a one-time login token for an authenticated
// session at the server's login-token callback.
//
// A token is presented exactly once. The callback answers with a JSON
// payload that is authoritative regardless of the HTTP status: an "error"
// member rejects the token, otherwise the caller is navigated to "url" or
// to its own redirect target. When no payload arrives at all the outcome
// is unknown, and the client applies its configured Policy instead of
// guessing.
package tokenexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CallbackPath is the session-exchange endpoint relative to the base URL.
const CallbackPath = "/api/auth/callback/login-token"

// ClientIPHeader carries the end user's address when the exchange is made
// on their behalf by a server.
const ClientIPHeader = "X-Login-Client-IP"

// CredentialKind identifies a login token in the exchange request.
const CredentialKind = "loginToken"

var (
	// ErrTokenRejected is matched by every *RejectedError.
	ErrTokenRejected = errors.New("login token rejected")
	// ErrAmbiguousTransport means the exchange request got no response,
	// so whether the token was consumed is unknown.
	ErrAmbiguousTransport = errors.New("no response from login token exchange")
	ErrInvalidResponse    = errors.New("invalid login token exchange response")
)

// RejectedError carries the server's message for a rejected token.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Is(target error) bool { return target == ErrTokenRejected }

// Policy decides what happens when an exchange receives no response.
type Policy string

const (
	// PolicyFail surfaces ErrAmbiguousTransport to the caller.
	PolicyFail Policy = "fail"
	// PolicyRedirect navigates to the redirect target as if the exchange
	// had succeeded; the destination re-checks the session.
	PolicyRedirect Policy = "redirect"
)

// ParsePolicy maps a configuration value to a Policy. Empty means
// PolicyRedirect.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyRedirect:
		return PolicyRedirect, nil
	case PolicyFail:
		return PolicyFail, nil
	}
	return "", fmt.Errorf("unknown no-response policy %q", s)
}

// Navigator moves the user agent to target once an exchange settles.
// cookies are the ones set by the exchange response, if any.
type Navigator interface {
	Navigate(ctx context.Context, target string, cookies []*http.Cookie) error
}

type NavigatorFunc func(ctx context.Context, target string, cookies []*http.Cookie) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string, cookies []*http.Cookie) error {
	return f(ctx, target, cookies)
}

type clientIPKey struct{}

// WithClientIP makes Exchange send ip in ClientIPHeader.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Request is the structured body posted to CallbackPath.
type Request struct {
	CredentialKind   string `json:"credentialKind"`
	LoginToken       string `json:"loginToken"`
	RedirectCallback string `json:"redirectCallback,omitempty"`
}

// Response is the callback payload. At most one member is set.
type Response struct {
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

// maxResponseBytes caps how much of the callback body is read.
const maxResponseBytes = 64 << 10

type Client struct {
	baseURL string
	client  *http.Client
	policy  Policy
	logger  *zap.Logger
}

func NewClient(baseURL string, client *http.Client, policy Policy, logger *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if policy == "" {
		policy = PolicyRedirect
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client, policy: policy, logger: logger}
}

// Exchange presents token exactly once and navigates according to the
// payload. There are no retries.
func (c *Client) Exchange(ctx context.Context, token, redirectTarget string, nav Navigator) error {
	body, err := json.Marshal(Request{
		CredentialKind:   CredentialKind,
		LoginToken:       token,
		RedirectCallback: redirectTarget,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CallbackPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ip, _ := ctx.Value(clientIPKey{}).(string); ip != "" {
		req.Header.Set(ClientIPHeader, ip)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.noResponse(ctx, redirectTarget, nav, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.noResponse(ctx, redirectTarget, nav, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return c.noResponse(ctx, redirectTarget, nav, fmt.Errorf("empty body with status %d", resp.StatusCode))
	}

	var payload Response
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if payload.Error != "" {
		c.logger.Info("Login token rejected", zap.Int("status", resp.StatusCode), zap.String("reason", payload.Error))
		return &RejectedError{Message: payload.Error}
	}

	target := payload.URL
	if target == "" {
		target = redirectTarget
	}
	return nav.Navigate(ctx, target, resp.Cookies())
}

func (c *Client) noResponse(ctx context.Context, redirectTarget string, nav Navigator, cause error) error {
	c.logger.Warn("Login token exchange got no response",
		zap.String("policy", string(c.policy)), zap.Error(cause))
	if c.policy == PolicyRedirect {
		return nav.Navigate(ctx, redirectTarget, nil)
	}
	return fmt.Errorf("%w: %v", ErrAmbiguousTransport, cause)
}
