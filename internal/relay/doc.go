// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay validates chat histories, builds completion requests and
// forwards them to the AI gateway.
//
// The relay never decodes the gateway's SSE stream. Open returns the raw
// body for the caller to copy to its own client.
package relay
