// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/jeranaias/chatrelay/internal/events"
)

// MaxTurns is the largest history the relay accepts in one request.
const MaxTurns = 100

var (
	// ErrStreamInProgress is returned when a turn is added, or a different
	// session publishes, while an assistant reply is still streaming.
	ErrStreamInProgress = errors.New("a reply is still streaming")

	// ErrSessionClosed is returned for events of a session that already
	// terminated. A closed assistant turn is never reopened.
	ErrSessionClosed = errors.New("stream session already closed")
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the turns of a chat and assembles the streaming
// assistant reply from stream events. It implements events.Sink.
type Conversation struct {
	mu sync.Mutex

	turns []Turn

	// The single assistant turn open for mutation, if any.
	open        *strings.Builder
	openSession string

	closed map[string]bool
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{closed: make(map[string]bool)}
}

// =============================================================================
// TURN MANAGEMENT
// =============================================================================

// AddUserTurn appends a user turn. It fails while a reply is streaming.
func (c *Conversation) AddUserTurn(content string, attachments ...AttachmentRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != nil {
		return ErrStreamInProgress
	}
	c.turns = append(c.turns, NewUserTurn(content, attachments...))
	return nil
}

// RemoveLastUserTurn drops the trailing turn if it is a user turn. Used when
// a submission was rejected before any reply started.
func (c *Conversation) RemoveLastUserTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open == nil && len(c.turns) > 0 && c.turns[len(c.turns)-1].Role == RoleUser {
		c.turns = c.turns[:len(c.turns)-1]
	}
}

// Turns returns a copy of the closed turns.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// History returns the most recent closed turns, at most MaxTurns of them.
func (c *Conversation) History() []Turn {
	turns := c.Turns()
	if len(turns) > MaxTurns {
		turns = turns[len(turns)-MaxTurns:]
	}
	return turns
}

// Streaming reports whether an assistant turn is open.
func (c *Conversation) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open != nil
}

// PartialReply returns the text of the open assistant turn so far.
func (c *Conversation) PartialReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return ""
	}
	return c.open.String()
}

// LastAssistantTurn returns the most recent closed assistant turn.
func (c *Conversation) LastAssistantTurn() (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleAssistant {
			return c.turns[i], true
		}
	}
	return Turn{}, false
}

// Clear removes all turns. It fails while a reply is streaming.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != nil {
		return ErrStreamInProgress
	}
	c.turns = nil
	return nil
}

// =============================================================================
// EVENT APPLICATION
// =============================================================================

// PublishEvent applies one stream event.
//
// The first delta of a session opens the assistant turn, later deltas extend
// it, and the terminal event closes it. A session that ends without any
// delta leaves no assistant turn behind.
func (c *Conversation) PublishEvent(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed[ev.Session] {
		return errors.Wrapf(ErrSessionClosed, "session %s", ev.Session)
	}
	if c.open != nil && c.openSession != ev.Session {
		return errors.Wrapf(ErrStreamInProgress, "session %s", c.openSession)
	}

	switch ev.Type {
	case events.EventDelta:
		if ev.Text == "" {
			return nil
		}
		if c.open == nil {
			c.open = &strings.Builder{}
			c.openSession = ev.Session
		}
		c.open.WriteString(ev.Text)

	case events.EventDone, events.EventError:
		if c.open != nil {
			c.turns = append(c.turns, Turn{Role: RoleAssistant, Content: c.open.String()})
			c.open = nil
			c.openSession = ""
		}
		c.closed[ev.Session] = true

	default:
		return errors.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

var _ events.Sink = (*Conversation)(nil)
