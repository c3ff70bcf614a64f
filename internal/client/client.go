// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client talks to a chatrelay server: it posts chat histories to
// /chat, decodes the streamed reply and calls /web-search.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/jeranaias/chatrelay/internal/events"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/search"
	"github.com/jeranaias/chatrelay/internal/sse"
)

// DefaultBaseURL is where a local `chatrelay serve` listens.
const DefaultBaseURL = "http://127.0.0.1:8787"

// Error classes of an APIError.
var (
	ErrRejected       = errors.New("request rejected by relay")
	ErrRateLimited    = errors.New("relay rate limited")
	ErrQuotaExhausted = errors.New("relay credits exhausted")
	ErrServer         = errors.New("relay server error")
)

// APIError is a non-200 reply from the relay. Message is the relay's
// {"error"} text when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.Status)
}

// Is maps the status to an error class.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrQuotaExhausted:
		return e.Status == http.StatusPaymentRequired
	case ErrServer:
		return e.Status >= 500
	case ErrRejected:
		return e.Status >= 400 && e.Status < 500 &&
			e.Status != http.StatusTooManyRequests && e.Status != http.StatusPaymentRequired
	}
	return false
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages  []relay.Message `json:"messages"`
	HasImages bool            `json:"hasImages"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a relay client. It is safe for concurrent use; each Stream
// call owns its own session.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the relay at baseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No Timeout: replies stream for as long as the context allows.
		httpClient: &http.Client{},
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stream sends turns to the relay and publishes the decoded reply to sink.
// Histories that the relay would reject fail here without a network call.
// Cancelling ctx closes the connection and ends the session with an error
// event.
func (c *Client) Stream(ctx context.Context, turns []model.Turn, sink events.Sink) (sse.Summary, error) {
	if err := relay.ValidateTurns(turns); err != nil {
		return sse.Summary{}, err
	}

	msgs := make([]relay.Message, len(turns))
	for i, t := range turns {
		msgs[i] = relay.Message{Role: t.Role.String(), Content: t.Content}
	}
	payload, err := json.Marshal(ChatRequest{Messages: msgs, HasImages: model.HasImages(turns)})
	if err != nil {
		return sse.Summary{}, errors.Wrap(err, "encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return sse.Summary{}, errors.Wrap(err, "create chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sse.Summary{}, errors.Wrap(err, "chat request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sse.Summary{}, decodeAPIError(resp)
	}

	return sse.NewSession(sink).Run(ctx, resp.Body)
}

// Search runs a web search through the relay's /web-search route.
func (c *Client) Search(ctx context.Context, query string) ([]search.Result, error) {
	results, err := search.NewClient(c.baseURL+"/web-search", "").
		WithHTTPClient(c.httpClient).
		Search(ctx, query)
	if err != nil {
		var se *search.StatusError
		if errors.As(err, &se) {
			return nil, &APIError{Status: se.Status}
		}
		return nil, err
	}
	return results, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
