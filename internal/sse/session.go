// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jeranaias/chatrelay/internal/events"
)

// DefaultReadSize is the size of each transport read.
const DefaultReadSize = 4096

// =============================================================================
// ERRORS
// =============================================================================

// StreamError is returned when a stream ends on a failure. Partial holds
// the text of every delta published before the failure.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SESSION
// =============================================================================

// Summary describes a finished session.
type Summary struct {
	Session   string
	Deltas    int
	Text      string
	Reason    string // done reason, empty when the session failed
	Discarded int    // malformed lines dropped by the decoder
}

// Session decodes one streamed reply and publishes its events to a sink.
// A session is used once.
type Session struct {
	id       string
	sink     events.Sink
	readSize int

	seq  int
	text strings.Builder
}

// NewSession creates a session publishing to sink.
func NewSession(sink events.Sink) *Session {
	return &Session{
		id:       uuid.NewString(),
		sink:     sink,
		readSize: DefaultReadSize,
	}
}

// WithReadSize sets the transport read size.
func (s *Session) WithReadSize(n int) *Session {
	if n > 0 {
		s.readSize = n
	}
	return s
}

// ID returns the session identifier carried by every event.
func (s *Session) ID() string {
	return s.id
}

// Run reads body until [DONE], end of stream, a read error or
// cancellation of ctx. Exactly one terminal event is published.
//
// If body is an io.Closer it is closed when ctx is cancelled so that a
// blocked read returns and the connection is not reused.
func (s *Session) Run(ctx context.Context, body io.Reader) (Summary, error) {
	if closer, ok := body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = closer.Close()
		})
		defer stop()
	}

	r := transform.NewReader(body, unicode.UTF8.NewDecoder())
	dec := NewDecoder()
	buf := make([]byte, s.readSize)

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(dec, err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if err := s.publishDeltas(dec.Feed(buf[:n])); err != nil {
				return s.fail(dec, err)
			}
			if dec.Done() {
				return s.finish(dec, events.ReasonDoneSentinel)
			}
		}

		switch {
		case readErr == nil:
			continue

		case errors.Is(readErr, io.EOF):
			if err := s.publishDeltas(dec.Flush()); err != nil {
				return s.fail(dec, err)
			}
			reason := events.ReasonEOF
			if dec.Done() {
				reason = events.ReasonDoneSentinel
			}
			return s.finish(dec, reason)

		default:
			// A read failing because the body was closed on cancel reports
			// the cancellation.
			if ctxErr := ctx.Err(); ctxErr != nil {
				readErr = ctxErr
			}
			return s.fail(dec, errors.Wrap(readErr, "read stream"))
		}
	}
}

func (s *Session) publishDeltas(deltas []string) error {
	for _, d := range deltas {
		if err := s.sink.PublishEvent(events.NewDelta(s.id, s.seq, d)); err != nil {
			return errors.Wrap(err, "publish delta")
		}
		s.seq++
		s.text.WriteString(d)
	}
	return nil
}

func (s *Session) summary(dec *Decoder, reason string) Summary {
	return Summary{
		Session:   s.id,
		Deltas:    s.seq,
		Text:      s.text.String(),
		Reason:    reason,
		Discarded: dec.Discarded(),
	}
}

func (s *Session) finish(dec *Decoder, reason string) (Summary, error) {
	sum := s.summary(dec, reason)
	if err := s.sink.PublishEvent(events.NewDone(s.id, s.seq, reason)); err != nil {
		return sum, &StreamError{Partial: sum.Text, Err: errors.Wrap(err, "publish done")}
	}
	s.seq++

	log.Debug().
		Str("session", s.id).
		Int("deltas", sum.Deltas).
		Int("discarded", sum.Discarded).
		Str("reason", reason).
		Msg("STREAM_DONE")
	return sum, nil
}

// fail publishes the terminal error event. Undelivered buffered bytes are
// dropped with the decoder.
func (s *Session) fail(dec *Decoder, cause error) (Summary, error) {
	sum := s.summary(dec, "")
	if err := s.sink.PublishEvent(events.NewError(s.id, s.seq, cause)); err == nil {
		s.seq++
	}

	log.Warn().
		Err(cause).
		Str("session", s.id).
		Int("deltas", sum.Deltas).
		Int("pending_bytes", dec.Pending()).
		Msg("STREAM_FAILED")
	return sum, &StreamError{Partial: sum.Text, Err: cause}
}
