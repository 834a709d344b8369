// Package turnstile verifies Cloudflare Turnstile bot-check tokens.
package turnstile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const DefaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

var (
	ErrBotCheckFailed = errors.New("bot check failed")
	ErrUnavailable    = errors.New("bot check unavailable")
)

type Verifier struct {
	secret   string
	endpoint string
	client   *http.Client
}

func NewVerifier(secret string, client *http.Client) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{secret: secret, endpoint: DefaultEndpoint, client: client}
}

// WithEndpoint points the verifier at another siteverify URL.
func (v *Verifier) WithEndpoint(endpoint string) *Verifier {
	c := *v
	c.endpoint = endpoint
	return &c
}

type verifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks token for the client at remoteIP.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrBotCheckFailed)
	}

	body, err := json.Marshal(verifyRequest{Secret: v.secret, Response: token, RemoteIP: remoteIP})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %v", ErrBotCheckFailed, out.ErrorCodes)
	}
	return nil
}
