// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes for chatrelay's commands.
//
// Commands always return errors; Execute displays them once and maps them
// to an exit code.

package cli

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/sse"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates a rejected history or invalid arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration file or settings error
	ExitConfigError = 3
	// ExitCapacityError indicates the gateway refused for rate or credits
	ExitCapacityError = 4
	// ExitNetworkError indicates a connectivity or mid-stream failure
	ExitNetworkError = 5
	// ExitServerError indicates the relay answered with a server error
	ExitServerError = 6
	// ExitInterrupted indicates the user cancelled
	ExitInterrupted = 130
)

// ConfigError marks a failure to load configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrBusy is returned when a message is submitted while a reply streams.
var ErrBusy = errors.New("a reply is still streaming")

// GetExitCode determines the exit code for err.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var cfgErr *ConfigError
	var verrs config.ValidateErrors
	var streamErr *sse.StreamError
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &cfgErr), errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, relay.ErrInvalidShape),
		errors.Is(err, relay.ErrTooManyTurns),
		errors.Is(err, relay.ErrInvalidTurn),
		errors.Is(err, relay.ErrTurnTooLong),
		errors.Is(err, client.ErrRejected),
		errors.Is(err, ErrBusy):
		return ExitUsageError
	case errors.Is(err, client.ErrRateLimited), errors.Is(err, client.ErrQuotaExhausted):
		return ExitCapacityError
	case errors.Is(err, client.ErrServer):
		return ExitServerError
	case errors.As(err, &streamErr), errors.As(err, &netErr):
		return ExitNetworkError
	}
	return ExitGeneralError
}

// DisplayError prints err to w. Relay rejections show the relay's own
// message.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}

	msg := err.Error()
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), msg)
}
