// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events defines the append-only event stream produced while a
// streamed reply is decoded, and the sinks that consume it.
package events

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies the kind of stream event.
type EventType string

const (
	// EventDelta carries one content fragment of the assistant reply.
	EventDelta EventType = "delta"

	// EventDone closes the stream normally.
	EventDone EventType = "done"

	// EventError closes the stream after a failure. Deltas published before
	// it remain valid.
	EventError EventType = "error"
)

// Done reasons.
const (
	ReasonDoneSentinel = "done" // the [DONE] line was seen
	ReasonEOF          = "eof"  // the transport ended without [DONE]
)

// Event is one entry of a session's ordered event sequence.
//
// Every session publishes zero or more delta events followed by exactly one
// terminal event (done or error). Seq starts at 0 and increases by one per
// event, terminal included.
type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Seq     int       `json:"seq"`
	Text    string    `json:"text,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// IsTerminal reports whether the event closes its session.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// NewDelta creates a delta event.
func NewDelta(session string, seq int, text string) Event {
	return Event{Type: EventDelta, Session: session, Seq: seq, Text: text}
}

// NewDone creates a terminal done event.
func NewDone(session string, seq int, reason string) Event {
	return Event{Type: EventDone, Session: session, Seq: seq, Reason: reason}
}

// NewError creates a terminal error event.
func NewError(session string, seq int, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: EventError, Session: session, Seq: seq, Error: msg}
}
