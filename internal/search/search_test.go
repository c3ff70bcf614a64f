// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// JSON CLIENT
// =============================================================================

func TestClient_Search(t *testing.T) {
	var gotAuth, gotType string
	var gotReq Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Cotação","snippet":"R$ 5,00","url":"https://a.example"},
			{"title":"Dólar hoje","snippet":"alta","url":"https://b.example"}
		]}`))
	}))
	defer srv.Close()

	results, err := NewClient(srv.URL, "segredo").Search(context.Background(), "preço do dólar")
	require.NoError(t, err)

	assert.Equal(t, "Bearer segredo", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "preço do dólar", gotReq.Query)
	require.Len(t, results, 2)
	assert.Equal(t, Result{Title: "Cotação", Snippet: "R$ 5,00", URL: "https://a.example"}, results[0])
}

func TestClient_NoKeyNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	results, err := NewClient(srv.URL, "").Search(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"x"}`, wantErr: ErrBadStatus},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: ErrBadStatus},
		{name: "malformed body", status: http.StatusOK, body: `{"results":"nope"}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "k").Search(context.Background(), "hoje")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, tt.status, se.Status)
			}
		})
	}
}

func TestClient_EmptyQueryMakesNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Search(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.False(t, called)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, "").WithTimeout(50*time.Millisecond).Search(context.Background(), "agora")
	require.Error(t, err)
}

// =============================================================================
// DUCKDUCKGO
// =============================================================================

const duckDuckGoPage = `<html><body>
<div class="result results_links web-result">
  <h2 class="result__title">
    <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">The <b>Go</b> Programming   Language</a>
  </h2>
  <a class="result__snippet" href="x">Documentation &amp; tutorials.</a>
</div>
<div class="result">
  <a class="result__a" href="javascript:void(0)">Ad</a>
  <a class="result__snippet">sponsored</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.com/">Example</a>
  <a class="result__snippet">Example snippet</a>
</div>
</body></html>`

func TestParseDuckDuckGo(t *testing.T) {
	results, err := parseDuckDuckGo(strings.NewReader(duckDuckGoPage), 10)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, Result{
		Title:   "The Go Programming Language",
		URL:     "https://go.dev/doc/",
		Snippet: "Documentation & tutorials.",
	}, results[0])
	assert.Equal(t, Result{Title: "Go Packages", URL: "https://pkg.go.dev/"}, results[1])
	assert.Equal(t, "Example snippet", results[2].Snippet)
}

func TestParseDuckDuckGo_Limit(t *testing.T) {
	results, err := parseDuckDuckGo(strings.NewReader(duckDuckGoPage), 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestExtractActualURL(t *testing.T) {
	tests := []struct {
		href string
		want string
	}{
		{href: "//duckduckgo.com/l/?uddg=https%3A%2F%2Fa.example%2Fx", want: "https://a.example/x"},
		{href: "https://b.example/", want: "https://b.example/"},
		{href: "/relative", want: ""},
		{href: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractActualURL(tt.href), tt.href)
	}
}

func TestDuckDuckGo_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "notícias hoje", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(duckDuckGoPage))
	}))
	defer srv.Close()

	ddg := NewDuckDuckGo()
	ddg.BaseURL = srv.URL
	results, err := ddg.Search(context.Background(), "notícias hoje")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

// =============================================================================
// PROVIDERS
// =============================================================================

func TestNew(t *testing.T) {
	s, err := New(ProviderGateway, "", "k", time.Second)
	require.NoError(t, err)
	c, ok := s.(*Client)
	require.True(t, ok)
	assert.Equal(t, DefaultURL, c.URL())

	s, err = New(ProviderDuckDuckGo, "http://localhost:1/html", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1/html", s.(*DuckDuckGo).BaseURL)

	s, err = New(ProviderOff, "", "", 0)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = New("bing", "", "", 0)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
