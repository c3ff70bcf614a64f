// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultGatewayURL is the completion endpoint of the AI gateway.
	DefaultGatewayURL = "https://ai.gateway.lovable.dev/v1/chat/completions"

	// DefaultConnectTimeout bounds dialing and the TLS handshake. The
	// stream itself has no overall timeout and is bounded by its context.
	DefaultConnectTimeout = 10 * time.Second

	userAgent = "chatrelay/1.0"
)

// Gateway errors.
var (
	// ErrNotConfigured means no API key was provided.
	ErrNotConfigured = errors.New("gateway API key not configured")

	// ErrRateLimited maps HTTP 429.
	ErrRateLimited = errors.New("gateway rate limit exceeded")

	// ErrQuotaExhausted maps HTTP 402.
	ErrQuotaExhausted = errors.New("gateway credits exhausted")

	// ErrUpstream is matched by every UpstreamError.
	ErrUpstream = errors.New("gateway error")
)

// UpstreamError reports a non-success status other than 429 and 402.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gateway returned status %d", e.Status)
}

// Is makes UpstreamError match ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// =============================================================================
// GATEWAY CLIENT
// =============================================================================

// Gateway posts completion requests and returns the raw SSE body.
type Gateway struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewGateway creates a gateway client. The key is only sent in the
// Authorization header and is never logged.
func NewGateway(apiKey string) *Gateway {
	return &Gateway{
		url:        DefaultGatewayURL,
		apiKey:     apiKey,
		httpClient: newStreamingClient(DefaultConnectTimeout),
	}
}

// newStreamingClient has no Timeout so long streams are not cut off.
func newStreamingClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: connectTimeout,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// WithURL sets the completion endpoint.
func (g *Gateway) WithURL(url string) *Gateway {
	if url != "" {
		g.url = url
	}
	return g
}

// WithConnectTimeout rebuilds the transport with a new connect timeout.
func (g *Gateway) WithConnectTimeout(d time.Duration) *Gateway {
	if d > 0 {
		g.httpClient = newStreamingClient(d)
	}
	return g
}

// WithHTTPClient replaces the HTTP client.
func (g *Gateway) WithHTTPClient(hc *http.Client) *Gateway {
	if hc != nil {
		g.httpClient = hc
	}
	return g
}

// URL returns the completion endpoint.
func (g *Gateway) URL() string {
	return g.url
}

// IsConfigured reports whether an API key is set.
func (g *Gateway) IsConfigured() bool {
	return g.apiKey != ""
}

// KeyFingerprint returns the first 4 bytes of the key's SHA-256 in hex,
// or "none" when no key is set.
func (g *Gateway) KeyFingerprint() string {
	if g.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(g.apiKey))
	return hex.EncodeToString(h[:4])
}

// Stream posts req and returns the response body on a 2xx status. The
// caller must close the body. The status alone decides the error; error
// bodies are never parsed.
func (g *Gateway) Stream(ctx context.Context, req CompletionRequest) (io.ReadCloser, error) {
	if !g.IsConfigured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create completion request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "completion request")
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("key", g.KeyFingerprint()).
		Msg("GATEWAY_RESPONSE")

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.Body, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusPaymentRequired:
		return nil, ErrQuotaExhausted
	default:
		return nil, &UpstreamError{Status: resp.StatusCode}
	}
}
