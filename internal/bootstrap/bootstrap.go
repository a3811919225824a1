// Package bootstrap fetches the short-lived credential the client presents
// when opening a realtime session.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a token request when the caller passes zero.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a token response is read.
const maxBody = 64 << 10

var (
	// ErrTimeout is returned when the token endpoint does not answer in time.
	// The in-flight request is aborted.
	ErrTimeout = errors.New("bootstrap: token request timed out")

	// ErrNoToken is returned when the response carries no token.
	ErrNoToken = errors.New("bootstrap: response has no token")
)

// tokenResponse is the body served by the token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken GETs url and returns the "token" field of its JSON body. The
// request is cancelled after timeout, which is reported as [ErrTimeout]. A
// nil client uses http.DefaultClient.
func FetchToken(ctx context.Context, client *http.Client, url string, timeout time.Duration) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("bootstrap: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("bootstrap: fetch token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("bootstrap: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("bootstrap: fetch token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("bootstrap: decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", ErrNoToken
	}
	return tr.Token, nil
}

// AuthHeader returns the headers that carry token on the realtime dial.
func AuthHeader(token string) http.Header {
	h := make(http.Header)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
