// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), app.Config().String())
			return err
		},
	}

	path := &cobra.Command{
		Use:               "path",
		Short:             "Print the configuration file path",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipInit,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := config.ResolvePath(app.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:               "init",
		Short:             "Write a default configuration file",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipInit,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := config.ResolvePath(app.configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return &ConfigError{Err: errors.Errorf("%s already exists (use --force to overwrite)", p)}
			}
			if err := config.SaveTOML(config.Default(), p); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Wrote"), p)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, path, initCmd)
	return cmd
}
