// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"encoding/json"
)

// STREAMING: Incremental SSE decoding with push-back recovery

// =============================================================================
// DECODER STATE
// =============================================================================

// decodeState tags whether the front of the buffer holds a line that
// already failed to parse once.
type decodeState int

const (
	// stateReady means every buffered line is seen for the first time.
	stateReady decodeState = iota

	// stateAwaitMore means the first buffered line failed to parse and was
	// pushed back; extraction resumes when more bytes arrive.
	stateAwaitMore
)

func (s decodeState) String() string {
	if s == stateAwaitMore {
		return "await_more"
	}
	return "ready"
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineDelta
	lineDone
	lineMalformed
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// streamChunk is the subset of a completion chunk the decoder reads.
// Content is left untyped so a non-string value is skipped, not treated
// as a parse failure.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content any `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	s, _ := c.Choices[0].Delta.Content.(string)
	return s
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns SSE text into content deltas. Bytes may be fed at arbitrary
// boundaries; lines are only cut at '\n', so a multi-byte rune split across
// calls is reassembled before it is parsed.
//
// A Decoder belongs to a single stream and is not safe for concurrent use.
type Decoder struct {
	buf   []byte
	done  bool
	state decodeState

	// retry holds the raw line pushed back in stateAwaitMore.
	retry []byte

	discarded int
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether the [DONE] sentinel was seen. After that every
// further input is ignored.
func (d *Decoder) Done() bool {
	return d.done
}

// Discarded returns how many malformed data lines were dropped.
func (d *Decoder) Discarded() int {
	return d.discarded
}

// Pending returns the number of buffered bytes not yet consumed.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Feed appends p to the buffer and returns the deltas of every complete
// line that could be decoded.
//
// A data line whose payload does not parse is pushed back to the front of
// the buffer and extraction stops until the next Feed. If that same line
// fails again once more bytes have arrived, it is dropped and extraction
// continues behind it.
func (d *Decoder) Feed(p []byte) []string {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, p...)
	return d.drain(false)
}

// Flush runs the end-of-stream pass over whatever is still buffered,
// including a final line with no terminating '\n'. Nothing is pushed back:
// malformed lines are discarded. The buffer is empty afterwards.
func (d *Decoder) Flush() []string {
	if d.done {
		return nil
	}
	out := d.drain(true)
	d.buf = nil
	d.retry = nil
	d.state = stateReady
	return out
}

func (d *Decoder) drain(final bool) []string {
	var out []string

	for !d.done {
		var raw []byte
		i := bytes.IndexByte(d.buf, '\n')
		switch {
		case i >= 0:
			raw = d.buf[:i]
			d.buf = d.buf[i+1:]
		case final && len(d.buf) > 0:
			raw = d.buf
			d.buf = nil
		default:
			return out
		}

		retried := d.state == stateAwaitMore
		d.state = stateReady

		line := bytes.TrimSuffix(raw, []byte{'\r'})
		kind, text := parseLine(line)

		switch kind {
		case lineDelta:
			out = append(out, text)

		case lineDone:
			d.done = true
			d.buf = nil

		case lineMalformed:
			if final || (retried && bytes.Equal(raw, d.retry)) {
				d.discarded++
				d.retry = nil
				continue
			}
			d.pushBack(raw)
			return out
		}
	}
	return out
}

// pushBack restores raw and its line feed at the front of the buffer and
// enters stateAwaitMore.
func (d *Decoder) pushBack(raw []byte) {
	restored := make([]byte, 0, len(raw)+1+len(d.buf))
	restored = append(restored, raw...)
	restored = append(restored, '\n')
	restored = append(restored, d.buf...)

	d.retry = append(d.retry[:0], raw...)
	d.buf = restored
	d.state = stateAwaitMore
}

func parseLine(line []byte) (lineKind, string) {
	if len(line) == 0 || line[0] == ':' {
		return lineSkip, ""
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return lineSkip, ""
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneSentinel) {
		return lineDone, ""
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return lineMalformed, ""
	}
	if content := chunk.content(); content != "" {
		return lineDelta, content
	}
	return lineSkip, ""
}
