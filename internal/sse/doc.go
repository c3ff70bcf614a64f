// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes server-sent event streams of chat-completion chunks.
//
// Decoder is the incremental line decoder. It accepts bytes at any read
// boundary and recovers from payloads split across reads by pushing the
// failed line back until more bytes arrive. Session drives a Decoder from
// an io.Reader and publishes the resulting deltas as events.
package sse
