// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/search"
)

func newSearchCommand(app *App) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Run a web search through the relay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := app.relayClient().Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printResultsJSON(out, results, isTerminalWriter(out) && ColorsEnabled())
			}
			printResults(out, results)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw {results} document")
	return cmd
}

// printResultsJSON writes the {results} document, highlighted when color
// is set.
func printResultsJSON(w io.Writer, results []search.Result, color bool) error {
	if results == nil {
		results = []search.Result{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(search.Response{Results: results}); err != nil {
		return errors.Wrap(err, "encode results")
	}

	doc := buf.String()
	if color {
		doc = highlight(doc, "json")
	}
	_, err := io.WriteString(w, doc)
	return err
}

// printResults lists results as numbered title, URL and wrapped snippet.
func printResults(w io.Writer, results []search.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No results."))
		return
	}
	width := GetTerminalWidth() - 4
	for i, r := range results {
		fmt.Fprintf(w, "%d. %s\n", i+1, TitleStyle.Render(r.Title))
		if r.URL != "" {
			fmt.Fprintf(w, "   %s\n", DimStyle.Render(r.URL))
		}
		if r.Snippet != "" {
			for _, line := range strings.Split(WrapText(r.Snippet, width), "\n") {
				fmt.Fprintf(w, "   %s\n", line)
			}
		}
	}
}
