// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/chatrelay/internal/augment"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/search"
	"github.com/jeranaias/chatrelay/internal/server"
)

// ShutdownTimeout bounds how long in-flight streams get to finish.
const ShutdownTimeout = 10 * time.Second

func newServeCommand(app *App) *cobra.Command {
	var host string
	var port int
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the HTTP relay. POST /chat streams completions, POST /web-search
runs a search and GET /health reports readiness.

The gateway key is read from CHATRELAY_API_KEY (or LOVABLE_API_KEY) or from
gateway.api_key in the config file. With --watch (the default) edits to the
config file rotate the key and search settings without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.Config()
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			srv, err := BuildServer(cfg, app.logger)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", srv.Addr())
			if err != nil {
				return errors.Wrapf(err, "listen on %s", srv.Addr())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch {
				path, _, err := config.ResolvePath(app.configPath)
				if err == nil {
					watchConfig(ctx, path, srv)
				}
			}
			return RunServer(ctx, srv, ln, ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "listen address")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "listen port")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload gateway and search settings when the config file changes")
	return cmd
}

// BuildServer wires gateway, search, augmentation and relay into a server
// according to cfg. The key is revealed only to the gateway and search
// transports.
func BuildServer(cfg *config.Config, logger zerolog.Logger) (*server.Server, error) {
	rl, searcher, err := buildRelay(cfg)
	if err != nil {
		return nil, err
	}

	return server.NewServer(cfg.Server.Port).
		WithHost(cfg.Server.Host).
		WithRelay(rl).
		WithSearcher(searcher).
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes).
		WithCORSOrigins(cfg.Server.CORSOrigins).
		WithRateLimit(cfg.Server.RateLimitPerMinute).
		WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.IdleTimeout()).
		WithLogger(logger), nil
}

func buildRelay(cfg *config.Config) (*relay.Relay, search.Searcher, error) {
	key := cfg.Gateway.APIKey.Reveal()

	gw := relay.NewGateway(key).
		WithURL(cfg.Gateway.URL).
		WithConnectTimeout(cfg.Gateway.ConnectTimeout())

	searcher, err := search.New(cfg.Search.Provider, cfg.Search.URL, key, cfg.Search.Timeout())
	if err != nil {
		return nil, nil, &ConfigError{Err: err}
	}
	aug := augment.New(searcher).WithTimeout(cfg.Search.Timeout())

	log.Info().
		Str("gateway", gw.URL()).
		Str("key", gw.KeyFingerprint()).
		Str("search", cfg.Search.Provider).
		Bool("augment", aug.Enabled()).
		Msg("RELAY_CONFIGURED")
	if !gw.IsConfigured() {
		log.Warn().Msg("GATEWAY_KEY_MISSING")
	}

	return relay.New(gw, aug), searcher, nil
}

// reloadRelay returns a config callback that swaps the gateway and search
// settings of a running server. Listener settings (host, port, timeouts,
// CORS, rate limit) need a restart and are ignored.
func reloadRelay(srv *server.Server) func(*config.Config) {
	return func(cfg *config.Config) {
		rl, searcher, err := buildRelay(cfg)
		if err != nil {
			log.Error().Err(err).Msg("CONFIG_RELOAD_FAILED")
			return
		}
		srv.WithRelay(rl).WithSearcher(searcher)
	}
}

// watchConfig hot-reloads the config file while ctx is live. A missing
// config directory is not an error; there is simply nothing to watch.
func watchConfig(ctx context.Context, path string, srv *server.Server) {
	w, err := config.NewWatcher(path, config.DefaultReloadDebounce, reloadRelay(srv))
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("CONFIG_WATCH_DISABLED")
		return
	}
	go func() {
		defer w.Close()
		w.Run(ctx)
	}()
}

// RunServer serves on ln until ctx is done, then shuts down gracefully,
// giving open streams up to timeout to finish.
func RunServer(ctx context.Context, srv *server.Server, ln net.Listener, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || (gctx.Err() != nil && errors.Is(err, net.ErrClosed)) {
			return nil
		}
		return errors.Wrap(err, "serve")
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		// Covers a Serve that had not started when the context ended.
		ln.Close()
		return errors.Wrap(err, "shutdown")
	})

	return g.Wait()
}
