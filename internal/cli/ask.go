// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/events"
	"github.com/jeranaias/chatrelay/internal/model"
)

var errNoPrompt = errors.New("no prompt given: pass it as arguments or pipe it on stdin")

func newAskCommand(app *App) *cobra.Command {
	var raw bool
	var system string

	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Ask a single question",
		Long: `Send one question through the relay and print the reply.

With no arguments the prompt is read from stdin. On a terminal the reply
is rendered as markdown once it is complete; otherwise it streams as plain
text.`,
		Example: `  chatrelay ask "qual é o preço do dólar hoje?"
  echo "resuma isto" | chatrelay ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if len(args) == 0 {
				if isTerminalReader(cmd.InOrStdin()) {
					return errNoPrompt
				}
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read prompt")
				}
				prompt = string(data)
			}
			prompt = strings.TrimSpace(prompt)
			if prompt == "" {
				return errNoPrompt
			}

			var turns []model.Turn
			if system != "" {
				turns = append(turns, model.NewSystemTurn(system))
			}
			turns = append(turns, model.NewUserTurn(prompt))

			out := cmd.OutOrStdout()
			markdown := !raw && isTerminalWriter(out)
			return ask(cmd.Context(), app.relayClient(), turns, out, markdown)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "stream plain text even on a terminal")
	cmd.Flags().StringVar(&system, "system", "", "prepend a system message")
	return cmd
}

// ask streams one reply. In markdown mode the reply is collected and
// rendered at the end; a partial reply is still printed on failure.
func ask(ctx context.Context, c *client.Client, turns []model.Turn, out io.Writer, markdown bool) error {
	if !markdown {
		_, err := c.Stream(ctx, turns, events.SinkFunc(func(ev events.Event) error {
			switch ev.Type {
			case events.EventDelta:
				_, err := io.WriteString(out, ev.Text)
				return err
			case events.EventDone:
				if ev.Seq > 0 {
					_, err := fmt.Fprintln(out)
					return err
				}
			}
			return nil
		}))
		return err
	}

	rec := &events.Recorder{}
	_, err := c.Stream(ctx, turns, rec)

	if text := rec.Text(); text != "" {
		fmt.Fprint(out, renderMarkdown(text, GetTerminalWidth()))
	}
	return err
}
