// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/util"
)

// Limits enforced before any upstream call.
const (
	// Model is the only completion model the relay requests.
	Model = "google/gemini-2.5-flash"

	// MaxTurns bounds the history length of a request.
	MaxTurns = model.MaxTurns

	// MaxTurnLength bounds a turn's content in UTF-16 code units.
	MaxTurnLength = 10000
)

// Validation errors, checked in this order.
var (
	ErrInvalidShape = errors.New("messages must be a non-empty array")
	ErrTooManyTurns = errors.New("too many messages")
	ErrInvalidTurn  = errors.New("invalid message")
	ErrTurnTooLong  = errors.New("message too long")
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is one entry of the wire message list. Attachments are never
// forwarded.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the body posted to the completion gateway.
type ChatPayload struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// CompletionRequest is built fresh for every submission.
type CompletionRequest struct {
	SystemInstruction string
	Turns             []model.Turn
	Stream            bool
}

// Build creates a streaming request for turns.
func Build(instruction string, turns []model.Turn) CompletionRequest {
	return CompletionRequest{
		SystemInstruction: instruction,
		Turns:             turns,
		Stream:            true,
	}
}

// Payload returns the wire form, with the system instruction as the
// leading message.
func (r CompletionRequest) Payload() ChatPayload {
	msgs := make([]Message, 0, len(r.Turns)+1)
	msgs = append(msgs, Message{Role: model.RoleSystem.String(), Content: r.SystemInstruction})
	for _, t := range r.Turns {
		msgs = append(msgs, Message{Role: t.Role.String(), Content: t.Content})
	}
	return ChatPayload{Model: Model, Messages: msgs, Stream: r.Stream}
}

// MarshalJSON encodes the wire form.
func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// =============================================================================
// VALIDATION
// =============================================================================

// ParseTurns decodes and validates the raw "messages" value of a chat
// request. Fields other than role and content are ignored.
func ParseTurns(raw json.RawMessage) ([]model.Turn, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrInvalidShape
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	if err := checkCount(len(items)); err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(items))
	for i, item := range items {
		turn, ok := decodeTurn(item)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidTurn, "turn %d", i)
		}
		if err := checkTurn(i, turn); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// ValidateTurns applies the same checks as ParseTurns to decoded turns.
func ValidateTurns(turns []model.Turn) error {
	if err := checkCount(len(turns)); err != nil {
		return err
	}
	for i, t := range turns {
		if err := checkTurn(i, t); err != nil {
			return err
		}
	}
	return nil
}

func checkCount(n int) error {
	if n == 0 {
		return ErrInvalidShape
	}
	if n > MaxTurns {
		return errors.Wrapf(ErrTooManyTurns, "%d > %d", n, MaxTurns)
	}
	return nil
}

func checkTurn(i int, t model.Turn) error {
	if !t.Role.Valid() || t.Content == "" {
		return errors.Wrapf(ErrInvalidTurn, "turn %d", i)
	}
	if n := util.UTF16Len(t.Content); n > MaxTurnLength {
		return errors.Wrapf(ErrTurnTooLong, "turn %d has %d units", i, n)
	}
	return nil
}

// decodeTurn accepts only an object whose role and content are strings.
func decodeTurn(item json.RawMessage) (model.Turn, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return model.Turn{}, false
	}

	var role, content string
	if err := json.Unmarshal(fields["role"], &role); err != nil {
		return model.Turn{}, false
	}
	if err := json.Unmarshal(fields["content"], &content); err != nil {
		return model.Turn{}, false
	}
	return model.Turn{Role: model.Role(role), Content: content}, true
}
