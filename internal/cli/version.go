// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print version information",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipInit,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chatrelay %s\n", Version)
			fmt.Fprintf(out, "%s %s\n", RenderLabel("commit"), GitCommit)
			fmt.Fprintf(out, "%s %s\n", RenderLabel("built"), BuildDate)
			fmt.Fprintf(out, "%s %s %s/%s\n", RenderLabel("go"), runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
