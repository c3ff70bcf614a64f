// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search provides the web search backends used to augment chat
// requests and to serve the /web-search endpoint.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Provider names accepted by New.
const (
	ProviderGateway    = "gateway"
	ProviderDuckDuckGo = "duckduckgo"
	ProviderOff        = "off"
)

// DefaultTimeout bounds a single search call.
const DefaultTimeout = 15 * time.Second

// maxResponseBytes caps how much of a search response is read.
const maxResponseBytes = 5 * 1024 * 1024

var (
	// ErrEmptyQuery is returned when a search is attempted without a query.
	ErrEmptyQuery = errors.New("empty search query")

	// ErrBadStatus is matched by every StatusError.
	ErrBadStatus = errors.New("search backend returned an error status")

	// ErrUnknownProvider is returned by New for an unrecognised provider.
	ErrUnknownProvider = errors.New("unknown search provider")
)

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Response is the wire form of a search reply.
type Response struct {
	Results []Result `json:"results"`
}

// Request is the wire form of a search call.
type Request struct {
	Query string `json:"query"`
}

// Searcher runs a web search. Results are returned in backend order.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// StatusError reports a non-success HTTP status from a search backend.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search backend returned status %d", e.Status)
}

// Is makes StatusError match ErrBadStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrBadStatus
}

// New builds the searcher for provider. ProviderOff yields a nil Searcher
// and no error; callers treat a nil Searcher as search being disabled.
func New(provider, url, apiKey string, timeout time.Duration) (Searcher, error) {
	switch provider {
	case "", ProviderGateway:
		return NewClient(url, apiKey).WithTimeout(timeout), nil
	case ProviderDuckDuckGo:
		ddg := NewDuckDuckGo().WithTimeout(timeout)
		if url != "" {
			ddg.BaseURL = url
		}
		return ddg, nil
	case ProviderOff:
		return nil, nil
	default:
		return nil, errors.Wrapf(ErrUnknownProvider, "%q", provider)
	}
}
