// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and turns.
//
// # Key Types
//
//   - Role: turn role enumeration (user, assistant, system)
//   - Turn: one conversation entry with optional attachments
//   - AttachmentRef: reference to an attached file, read only for its media type
//   - Conversation: turn history that assembles streamed replies from events
//
// # Usage
//
//	conv := model.NewConversation()
//	_ = conv.AddUserTurn("qual é o preço do dólar hoje?")
//	// hand conv to an sse.Session as (part of) its sink
//	reply, _ := conv.LastAssistantTurn()
package model
