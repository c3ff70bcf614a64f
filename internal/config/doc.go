// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads chatrelay's TOML configuration.
//
// # Key Types
//
//   - Config: server, gateway, search, client and log sections
//   - Secret: a credential that redacts itself in every rendering
//   - ValidationError / ValidateErrors: field-level validation failures
//   - Watcher: reloads the file on change and hands valid results to a callback
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CHATRELAY_*)
//   - The file named by --config or CHATRELAY_CONFIG
//   - ~/.chatrelay/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.LoadResolved(flagPath)
//	if err != nil {
//	    return err
//	}
//	gw := relay.NewGateway(cfg.Gateway.APIKey.Reveal())
package config
