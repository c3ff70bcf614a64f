// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}`
}

// sampleStream mixes comments, blank lines, CRLF, foreign fields, a role
// only chunk, multi-byte text and bytes after [DONE].
var sampleStream = ": keep-alive\n" +
	"\n" +
	`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
	chunk("Olá") + "\r\n" +
	"event: ping\n" +
	chunk(", mundo") + "\n\n" +
	chunk(" ✓ 🚀") + "\n" +
	"data: [DONE]\n" +
	chunk("ignorado") + "\n"

var sampleDeltas = []string{"Olá", ", mundo", " ✓ 🚀"}

func feedAll(d *Decoder, parts ...string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, d.Feed([]byte(p))...)
	}
	return append(out, d.Flush()...)
}

// =============================================================================
// LINE RULES
// =============================================================================

func TestDecoder_SingleRead(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, sampleDeltas, feedAll(d, sampleStream))
	assert.True(t, d.Done())
	assert.Zero(t, d.Discarded())
}

func TestDecoder_LineRules(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "comment line", input: ": keep-alive\n"},
		{name: "blank line", input: "\n\r\n"},
		{name: "prefix without space", input: `data:{"choices":[{"delta":{"content":"x"}}]}` + "\n"},
		{name: "other field", input: "id: 7\nretry: 100\n"},
		{name: "empty choices", input: `data: {"choices":[]}` + "\n"},
		{name: "non-string content", input: `data: {"choices":[{"delta":{"content":42}}]}` + "\n"},
		{name: "empty content", input: chunk("") + "\n"},
		{name: "crlf terminator", input: chunk("a") + "\r\n", want: []string{"a"}},
		{name: "payload whitespace", input: `data:   {"choices":[{"delta":{"content":"b"}}]}  ` + "\n", want: []string{"b"}},
		{name: "escaped newline in content", input: chunk(`linha\nnova`) + "\n", want: []string{"linha\nnova"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			got := d.Feed([]byte(tt.input))
			assert.Equal(t, tt.want, got)
			assert.Zero(t, d.Pending())
			assert.Zero(t, d.Discarded())
		})
	}
}

func TestDecoder_DoneIgnoresLaterBytes(t *testing.T) {
	d := NewDecoder()
	got := d.Feed([]byte(chunk("a") + "\ndata: [DONE]\n" + chunk("b") + "\n"))
	assert.Equal(t, []string{"a"}, got)
	assert.True(t, d.Done())

	assert.Nil(t, d.Feed([]byte(chunk("c")+"\n")))
	assert.Nil(t, d.Flush())
	assert.Zero(t, d.Pending())
}

// =============================================================================
// FRAGMENTATION
// =============================================================================

func TestDecoder_EverySplitPoint(t *testing.T) {
	for i := 0; i <= len(sampleStream); i++ {
		d := NewDecoder()
		got := feedAll(d, sampleStream[:i], sampleStream[i:])
		require.Equal(t, sampleDeltas, got, "split at byte %d", i)
	}
}

func TestDecoder_OneBytePerFeed(t *testing.T) {
	d := NewDecoder()
	parts := make([]string, len(sampleStream))
	for i := 0; i < len(sampleStream); i++ {
		parts[i] = sampleStream[i : i+1]
	}
	assert.Equal(t, sampleDeltas, feedAll(d, parts...))
	assert.Equal(t, "Olá, mundo ✓ 🚀", strings.Join(feedAll(NewDecoder(), parts...), ""))
}

func TestDecoder_SplitInsidePayload(t *testing.T) {
	line := chunk("hi") + "\n"
	start := strings.Index(line, "{")
	end := strings.LastIndex(line, "}")

	for i := start + 1; i <= end; i++ {
		d := NewDecoder()
		assert.Empty(t, d.Feed([]byte(line[:i])), "split at %d", i)
		assert.Equal(t, []string{"hi"}, d.Feed([]byte(line[i:])), "split at %d", i)
		assert.Zero(t, d.Discarded())
	}
}

// =============================================================================
// PUSH-BACK RECOVERY
// =============================================================================

func TestDecoder_PushBackWaitsForNextFeed(t *testing.T) {
	d := NewDecoder()
	input := "data: {quebrado\n" + chunk("depois") + "\n"

	assert.Empty(t, d.Feed([]byte(input)))
	assert.Equal(t, stateAwaitMore, d.state)
	assert.Equal(t, len(input), d.Pending())

	// The same line fails again on the next cycle and is dropped.
	assert.Equal(t, []string{"depois"}, d.Feed(nil))
	assert.Equal(t, stateReady, d.state)
	assert.Equal(t, 1, d.Discarded())
}

func TestDecoder_PushBackKeepsCarriageReturn(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("data: {x\r\n")))
	assert.Equal(t, "data: {x\r\n", string(d.buf))
}

func TestDecoder_PayloadBrokenByLineFeed(t *testing.T) {
	d := NewDecoder()

	assert.Empty(t, d.Feed([]byte(`data: {"choices":[{"delta":{"content":"a`+"\n")))
	got := d.Feed([]byte(`b"}}]}` + "\n" + chunk("c") + "\n"))

	assert.Equal(t, []string{"c"}, got)
	assert.Equal(t, 1, d.Discarded())
}

func TestDecoder_FlushDiscardsMalformed(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("data: {ruim\n"+chunk("ok")+"\n")))

	assert.Equal(t, []string{"ok"}, d.Flush())
	assert.Equal(t, 1, d.Discarded())
	assert.Zero(t, d.Pending())
}

func TestDecoder_FlushDecodesUnterminatedLine(t *testing.T) {
	tests := []struct {
		name      string
		tail      string
		want      []string
		discarded int
	}{
		{name: "complete data line", tail: chunk("fim"), want: []string{"fim"}},
		{name: "truncated payload", tail: `data: {"choices":[{"del`, discarded: 1},
		{name: "comment", tail: ": bye"},
		{name: "done sentinel", tail: "data: [DONE]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			assert.Empty(t, d.Feed([]byte(tt.tail)))
			assert.Equal(t, tt.want, d.Flush())
			assert.Equal(t, tt.discarded, d.Discarded())
		})
	}
}

func TestDecoder_NeverEmitsTwice(t *testing.T) {
	d := NewDecoder()
	first := d.Feed([]byte(chunk("um") + "\n" + "data: {x\n"))
	second := d.Feed([]byte(chunk("dois") + "\n"))
	third := d.Flush()

	assert.Equal(t, []string{"um"}, first)
	assert.Equal(t, []string{"dois"}, second)
	assert.Empty(t, third)
}
