// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Sink consumes stream events in publication order.
//
// PublishEvent must not retain the event past the call. A returned error
// aborts the producing session.
type Sink interface {
	PublishEvent(event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event) error

// PublishEvent calls f(event).
func (f SinkFunc) PublishEvent(event Event) error {
	return f(event)
}

// =============================================================================
// FAN-OUT
// =============================================================================

type multiSink []Sink

// Multi returns a sink that publishes each event to every sink in order.
// Nil sinks are skipped. The first error stops delivery of that event.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) PublishEvent(event Event) error {
	for _, s := range m {
		if err := s.PublishEvent(event); err != nil {
			return errors.Wrapf(err, "publish %s event", event.Type)
		}
	}
	return nil
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps every published event. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// PublishEvent records the event.
func (r *Recorder) PublishEvent(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Deltas returns the text of every recorded delta event, in order.
func (r *Recorder) Deltas() []string {
	var out []string
	for _, e := range r.Events() {
		if e.Type == EventDelta {
			out = append(out, e.Text)
		}
	}
	return out
}

// Text returns the concatenation of all recorded deltas.
func (r *Recorder) Text() string {
	return strings.Join(r.Deltas(), "")
}

// Terminal returns the terminal event, if one was recorded.
func (r *Recorder) Terminal() (Event, bool) {
	for _, e := range r.Events() {
		if e.IsTerminal() {
			return e, true
		}
	}
	return Event{}, false
}

var (
	_ Sink = SinkFunc(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = multiSink(nil)
)
