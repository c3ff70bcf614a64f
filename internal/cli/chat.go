// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/events"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/sse"
	"github.com/jeranaias/chatrelay/internal/util"
)

func newChatCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat through the relay",
		Long: `Start an interactive chat. Replies stream as they arrive.

Commands:
  /clear           start a new conversation
  /history         show the conversation so far
  /search <query>  run a web search through the relay
  /help            show this help
  /exit            leave (also Ctrl+D)

Ctrl+C while a reply streams stops it; the partial reply is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), app)
		},
	}
}

func runChat(ctx context.Context, app *App) error {
	out := os.Stdout

	bus, err := newDisplayBus(ctx, newStreamRenderer(out), app.logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	session := newChatSession(app.relayClient(), bus.Sink(), out)

	// Outside the prompt the terminal is cooked, so Ctrl+C arrives as a
	// signal and stops the current reply.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if session.Interrupt() {
				log.Debug().Msg("STREAM_INTERRUPTED")
			}
		}
	}()

	input := newLineInput(app.cfg.Client.HistoryFile)
	defer input.Close()

	fmt.Fprintf(out, "%s %s\n", TitleStyle.Render("chatrelay"), DimStyle.Render(app.cfg.Client.RelayURL))
	fmt.Fprintln(out, DimStyle.Render("Type /help for commands, /exit to leave."))
	return session.Loop(ctx, input)
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader is the prompt side of the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// lineInput is a liner prompt with persistent history.
type lineInput struct {
	line        *liner.State
	historyFile string
}

func newLineInput(historyFile string) *lineInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	in := &lineInput{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return in
}

// Prompt reads one line and records it in history.
func (in *lineInput) Prompt(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (in *lineInput) Close() {
	defer in.line.Close()
	if in.historyFile == "" {
		return
	}
	var buf bytes.Buffer
	if _, err := in.line.WriteHistory(&buf); err != nil {
		return
	}
	if err := util.AtomicWriteFile(in.historyFile, buf.Bytes(), 0o600); err != nil {
		log.Warn().Err(err).Str("path", in.historyFile).Msg("HISTORY_SAVE_FAILED")
	}
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// chatSession owns one conversation. Only one reply streams at a time.
type chatSession struct {
	client  *client.Client
	conv    *model.Conversation
	display events.Sink
	out     io.Writer

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
}

func newChatSession(c *client.Client, display events.Sink, out io.Writer) *chatSession {
	return &chatSession{
		client:  c,
		conv:    model.NewConversation(),
		display: display,
		out:     out,
	}
}

// Send appends text as a user turn and streams the reply. It returns
// ErrBusy while another reply is streaming. When the relay refuses the
// request the user turn is withdrawn; a reply cut off mid-stream keeps
// both turns.
func (s *chatSession) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.busy, s.cancel = true, cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy, s.cancel = false, nil
		s.mu.Unlock()
		cancel()
	}()

	if err := s.conv.AddUserTurn(text); err != nil {
		return err
	}

	summary, err := s.client.Stream(ctx, s.conv.History(), events.Multi(s.conv, s.display))
	if err != nil {
		var streamErr *sse.StreamError
		if !errors.As(err, &streamErr) {
			s.conv.RemoveLastUserTurn()
		}
		return err
	}

	log.Debug().
		Str("session", summary.Session).
		Int("deltas", summary.Deltas).
		Str("reason", summary.Reason).
		Msg("CHAT_REPLY")
	return nil
}

// Interrupt cancels the streaming reply, if any.
func (s *chatSession) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Loop reads lines until /exit, end of input or ctx is done.
func (s *chatSession) Loop(ctx context.Context, in lineReader) error {
	prompt := PromptStyle.Render("you›") + " "
	for ctx.Err() == nil {
		text, err := in.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return errors.Wrap(err, "read input")
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		if strings.HasPrefix(text, "/") {
			if !s.command(ctx, text) {
				return nil
			}
			continue
		}

		if err := s.Send(ctx, text); err != nil {
			// Interruptions are already shown by the renderer.
			if !errors.Is(err, context.Canceled) {
				DisplayError(s.out, err)
			}
			// An over-long earlier turn fails every request until cleared.
			if errors.Is(err, relay.ErrTurnTooLong) && util.UTF16Len(text) <= relay.MaxTurnLength {
				fmt.Fprintln(s.out, WarningStyle.Render("An earlier message is over the length limit. Run /clear to start a new conversation."))
			}
		}
	}
	return nil
}

// command runs a slash command and reports whether the loop continues.
func (s *chatSession) command(ctx context.Context, text string) bool {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/exit", "/quit":
		return false

	case "/clear":
		if err := s.conv.Clear(); err != nil {
			DisplayError(s.out, err)
			break
		}
		fmt.Fprintln(s.out, DimStyle.Render("Conversation cleared."))

	case "/history":
		turns := s.conv.Turns()
		if len(turns) == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("No messages yet."))
		}
		for _, t := range turns {
			fmt.Fprintf(s.out, "%s %s\n", RenderLabel(t.Role.DisplayName()), util.TruncateRunes(t.Content, 200))
		}

	case "/search":
		results, err := s.client.Search(ctx, arg)
		if err != nil {
			DisplayError(s.out, err)
			break
		}
		printResults(s.out, results)

	case "/help":
		fmt.Fprintln(s.out, "/clear  /history  /search <query>  /help  /exit")

	default:
		fmt.Fprintln(s.out, WarningStyle.Render("Unknown command "+name+". Try /help."))
	}
	return true
}
