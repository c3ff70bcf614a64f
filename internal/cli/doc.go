// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatrelay command line.
//
// # Commands
//
//   - serve: run the relay HTTP server until SIGINT or SIGTERM
//   - chat: interactive REPL streaming replies through the relay
//   - ask: one-shot question, rendered as markdown on a terminal
//   - search: web search through the relay's /web-search route
//   - config: show, init or locate the configuration file
//   - version: build information
//
// # Exit Codes
//
// Execute maps errors to exit codes (see GetExitCode): 2 for rejected
// input, 3 for configuration problems, 4 for gateway capacity refusals,
// 5 for network failures, 6 for relay server errors and 130 when
// interrupted.
package cli
