// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jeranaias/chatrelay/internal/events"
	"github.com/jeranaias/chatrelay/internal/logging"
)

// =============================================================================
// STREAM RENDERER
// =============================================================================

// streamRenderer writes a reply to the terminal as deltas arrive.
type streamRenderer struct {
	out io.Writer
}

func newStreamRenderer(out io.Writer) *streamRenderer {
	return &streamRenderer{out: out}
}

// PublishEvent implements events.Sink.
func (r *streamRenderer) PublishEvent(ev events.Event) error {
	var err error
	switch ev.Type {
	case events.EventDelta:
		if ev.Seq == 0 {
			_, err = io.WriteString(r.out, AssistantStyle.Render("assistant›")+" ")
		}
		if err == nil {
			_, err = io.WriteString(r.out, ev.Text)
		}
	case events.EventDone:
		if ev.Seq > 0 {
			_, err = fmt.Fprintln(r.out)
		}
	case events.EventError:
		if ev.Seq > 0 {
			fmt.Fprintln(r.out)
		}
		_, err = fmt.Fprintln(r.out, WarningStyle.Render("[interrupted] "+ev.Error))
	}
	return err
}

// =============================================================================
// DISPLAY BUS
// =============================================================================

// displayBus carries stream events to the renderer over an in-process
// watermill topic. Publishing blocks until the renderer has handled the
// event, so a finished stream is fully on screen when Stream returns.
type displayBus struct {
	pubSub *gochannel.GoChannel
	sink   *events.WatermillSink
	done   <-chan error
}

func newDisplayBus(ctx context.Context, renderer events.Sink, logger zerolog.Logger) (*displayBus, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermill(logger))

	done, err := events.Consume(ctx, pubSub, events.DefaultTopic, renderer)
	if err != nil {
		pubSub.Close()
		return nil, err
	}
	return &displayBus{
		pubSub: pubSub,
		sink:   events.NewWatermillSink(pubSub, events.DefaultTopic),
		done:   done,
	}, nil
}

// Sink returns the publishing side.
func (b *displayBus) Sink() events.Sink { return b.sink }

// Close stops the renderer and returns its first error.
func (b *displayBus) Close() error {
	if err := b.pubSub.Close(); err != nil {
		return errors.Wrap(err, "close display bus")
	}
	return <-b.done
}

// =============================================================================
// MARKDOWN
// =============================================================================

// renderMarkdown renders content for a terminal of the given width.
// It returns content unchanged if glamour fails.
func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// highlight colors code for a 256-color terminal. Unknown languages are
// guessed from the content; any failure returns code unchanged.
func highlight(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}
