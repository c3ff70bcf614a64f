// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/logging"
)

// Version information (overridden at build time with -ldflags)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// App carries what every command needs after startup.
type App struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// relayClient builds a client for the configured relay.
func (a *App) relayClient() *client.Client {
	return client.New(a.cfg.Client.RelayURL)
}

// init loads configuration and sets up logging.
func (a *App) init(cmd *cobra.Command) error {
	cfg, err := config.LoadResolved(a.configPath)
	if err != nil {
		return &ConfigError{Err: err}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return &ConfigError{Err: err}
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// skipInit replaces the root's startup for commands that need no config.
func skipInit(*cobra.Command, []string) error { return nil }

// NewRootCommand assembles the chatrelay command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Streaming chat relay for an AI completion gateway",
		Long: `chatrelay relays chat conversations to an AI completion gateway and
streams the reply back as server-sent events.

Run "chatrelay serve" to start the relay, then "chatrelay chat" or
"chatrelay ask" to talk to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "",
		"config file (default ~/.chatrelay/config.toml, or $CHATRELAY_CONFIG)")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "",
		"log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(app),
		newChatCommand(app),
		newAskCommand(app),
		newSearchCommand(app),
		newConfigCommand(app),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		DisplayError(os.Stderr, err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
