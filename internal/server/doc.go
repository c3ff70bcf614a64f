// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the relay's HTTP API.
//
// # Endpoints
//
//   - POST /chat       - validate a history and stream the gateway reply as SSE
//   - POST /web-search - run a web search through the configured backend
//   - GET  /health     - gateway and search status
//
// OPTIONS on any path answers the CORS preflight with 200.
//
// # Middleware
//
//   - Panic recovery with stack logging
//   - X-Request-Id assignment
//   - Request logging through zerolog
//   - Security headers
//   - CORS headers
//   - Optional per-IP flood guard (WithRateLimit), answering 429
//
// # Usage
//
//	srv := server.NewServer(8787).
//		WithRelay(relay.New(gateway, augmenter)).
//		WithSearcher(searcher)
//	if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
//		return err
//	}
package server
