// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and turns.
package model

import "strings"

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "Você"
	case RoleAssistant:
		return "Assistente"
	case RoleSystem:
		return "Sistema"
	default:
		return string(r)
	}
}

// =============================================================================
// TURN TYPE
// =============================================================================

// AttachmentRef points at a file the caller attached to a turn. Only
// MediaType is inspected; the file itself never travels with the request.
type AttachmentRef struct {
	Locator     string `json:"locator"`
	MediaType   string `json:"mediaType"`
	DisplayName string `json:"displayName"`
}

// IsImage reports whether the attachment has an image media type.
func (a AttachmentRef) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.MediaType)), "image/")
}

// Turn is a single entry of a conversation.
type Turn struct {
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// NewUserTurn creates a user turn.
func NewUserTurn(content string, attachments ...AttachmentRef) Turn {
	return Turn{Role: RoleUser, Content: content, Attachments: attachments}
}

// NewSystemTurn creates a system turn.
func NewSystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

// HasImages reports whether any turn carries an image attachment.
func HasImages(turns []Turn) bool {
	for _, t := range turns {
		for _, a := range t.Attachments {
			if a.IsImage() {
				return true
			}
		}
	}
	return false
}
