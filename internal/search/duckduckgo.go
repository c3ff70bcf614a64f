// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
)

// =============================================================================
// DUCKDUCKGO BACKEND
// =============================================================================

const (
	duckDuckGoURL       = "https://html.duckduckgo.com/html/"
	duckDuckGoUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	duckDuckGoMax       = 10
)

// DuckDuckGo searches the DuckDuckGo HTML endpoint. It needs no API key
// and serves as a development fallback for the gateway search.
type DuckDuckGo struct {
	// BaseURL is the HTML search endpoint.
	BaseURL string

	// MaxResults caps the number of parsed results.
	MaxResults int

	// UserAgent is sent with every request.
	UserAgent string

	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo searcher with default settings.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		BaseURL:    duckDuckGoURL,
		MaxResults: duckDuckGoMax,
		UserAgent:  duckDuckGoUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}
}

// WithTimeout sets the overall request timeout.
func (d *DuckDuckGo) WithTimeout(t time.Duration) *DuckDuckGo {
	if t > 0 {
		d.httpClient.Timeout = t
	}
	return d
}

// Search fetches the result page for query and parses it.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create search request")
	}
	// Accept-Encoding is left to the transport so responses are decompressed.
	req.Header.Set("User-Agent", d.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	results, err := parseDuckDuckGo(io.LimitReader(resp.Body, maxResponseBytes), d.MaxResults)
	if err != nil {
		return nil, errors.Wrap(err, "parse search page")
	}
	return results, nil
}

// parseDuckDuckGo walks the result page. Each "result__a" anchor starts a
// result; the next "result__snippet" element fills in its snippet.
//
//	<h2 class="result__title">
//	  <a class="result__a" href="//duckduckgo.com/l/?uddg=URL">Title</a>
//	</h2>
//	<a class="result__snippet" href="...">Snippet text</a>
func parseDuckDuckGo(r io.Reader, limit int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = duckDuckGoMax
	}

	var (
		results     []Result
		wantSnippet bool
	)

	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				wantSnippet = false
				link := extractActualURL(attr(n, "href"))
				title := nodeText(n)
				if link != "" && title != "" {
					if len(results) == limit {
						return false
					}
					results = append(results, Result{Title: title, URL: link})
					wantSnippet = true
				}
				return true

			case hasClass(n, "result__snippet"):
				if wantSnippet {
					results[len(results)-1].Snippet = nodeText(n)
					wantSnippet = false
				}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)

	return results, nil
}

// extractActualURL unwraps DuckDuckGo's redirect link
// (//duckduckgo.com/l/?uddg=ENCODED_URL) or accepts a direct http(s) URL.
func extractActualURL(href string) string {
	if strings.Contains(href, "uddg=") {
		if strings.HasPrefix(href, "//") {
			href = "https:" + href
		}
		parsed, err := url.Parse(href)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText concatenates the text below n with whitespace collapsed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
