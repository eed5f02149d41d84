package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/configstore"
	mcperrors "github.com/mcpmux/mcpmux/internal/errors"
	"github.com/mcpmux/mcpmux/internal/oauthclient"
	"github.com/mcpmux/mcpmux/internal/proxy"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

// ServeConfig holds serve command configuration.
type ServeConfig struct {
	Transport string
	Port      int
	Host      string
	Config    string
}

var validTransports = []string{"stdio", "sse", "streamable"}

func validateTransport(transport string) error {
	for _, valid := range validTransports {
		if transport == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid transport %q, must be one of: %v", transport, validTransports)
}

func newServeCmd() *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mcpmux server",
		Long: `Start mcpmux, which dials every configured upstream MCP server at
startup to discover its capabilities and exposes their combined tools,
resources, and prompts over the chosen downstream transport.

Transports:
  stdio      - Standard input/output (default, for MCP clients like Claude Desktop)
  sse        - Server-Sent Events over HTTP (deprecated, for legacy web clients)
  streamable - Streamable HTTP (recommended for HTTP clients)

Examples:
  mcpmux serve                                    # stdio mode (default)
  mcpmux serve --transport=streamable --port=8080 # HTTP mode
  mcpmux serve --config=mcpmux.yaml`,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return validateTransport(cfg.Transport)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Transport, "transport", "t", "stdio", "Transport type (stdio, sse, streamable)")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 8080, "Port for HTTP transports")
	cmd.Flags().StringVar(&cfg.Host, "host", "0.0.0.0", "Host to bind for HTTP transports")
	cmd.Flags().StringVarP(&cfg.Config, "config", "c", "", "Path to config file")

	applyServeEnvDefaults(cmd, cfg)

	return cmd
}

func applyServeEnvDefaults(cmd *cobra.Command, cfg *ServeConfig) {
	if !cmd.Flags().Changed("transport") {
		if v := os.Getenv("MCPMUX_DOWNSTREAM_TRANSPORT"); v != "" {
			_ = cmd.Flags().Set("transport", v)
			cfg.Transport = v
		}
	}
	if !cmd.Flags().Changed("port") {
		if v := os.Getenv("MCPMUX_DOWNSTREAM_PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				_ = cmd.Flags().Set("port", v)
				cfg.Port = port
			}
		}
	}
	if !cmd.Flags().Changed("host") {
		if v := os.Getenv("MCPMUX_DOWNSTREAM_HOST"); v != "" {
			_ = cmd.Flags().Set("host", v)
			cfg.Host = v
		}
	}
	if !cmd.Flags().Changed("config") {
		if v := os.Getenv("MCPMUX_CONFIG"); v != "" {
			_ = cmd.Flags().Set("config", v)
			cfg.Config = v
		}
	}
}

// loadServeConfig loads config with CLI overrides.
func loadServeConfig(cli *ServeConfig) (config.AppConfig, error) {
	overrides := map[string]any{}

	if cli.Transport != "" && cli.Transport != "stdio" {
		overrides["downstream.transport"] = cli.Transport
	}
	if cli.Port != 0 && cli.Port != 8080 {
		overrides["downstream.port"] = cli.Port
	}
	if cli.Host != "" && cli.Host != "0.0.0.0" {
		overrides["downstream.host"] = cli.Host
	}

	return config.LoadWithOverrides(cli.Config, overrides)
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// openConfigStore builds the configstore.Store the appConfig selects and
// seeds or refreshes it with the servers declared in configuration,
// preserving any session id and status a prior run already persisted.
func openConfigStore(ctx context.Context, appCfg config.AppConfig) (configstore.Store, func() error, error) {
	var store configstore.Store
	closeFn := func() error { return nil }

	if appCfg.State.SQLitePath != "" {
		sqliteStore, closeDB, err := configstore.OpenSQLite(appCfg.State.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite state: %w", err)
		}
		store = sqliteStore
		closeFn = closeDB
	} else {
		store = configstore.NewMemoryStore()
	}

	for _, srv := range appCfg.Servers {
		cfg := configstore.ServerConfig{
			ID:        srv.ID,
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			Args:      srv.Args,
			URL:       srv.URL,
			Headers:   srv.Headers,
		}
		if existing, err := store.GetByName(ctx, srv.Name); err == nil {
			cfg.ID = existing.ID
			cfg.SessionID = existing.SessionID
			cfg.Status = existing.Status
			cfg.AccessToken = existing.AccessToken
		}
		if err := store.Update(ctx, cfg); err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("seed server %q: %w", srv.Name, err)
		}
	}

	return store, closeFn, nil
}

func runServe(ctx context.Context, cliCfg *ServeConfig) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg, err := loadServeConfig(cliCfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(appCfg.Log)

	// A server with no explicit id is addressed by name everywhere else
	// (configstore, the proxy's namespacing); normalize once here so the
	// store and the downstream server agree on the same identifier.
	for i := range appCfg.Servers {
		if appCfg.Servers[i].ID == "" {
			appCfg.Servers[i].ID = appCfg.Servers[i].Name
		}
	}

	store, closeStore, err := openConfigStore(ctx, appCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Default().Warn("failed to close configuration store", "err", err)
		}
	}()

	auth := oauthclient.NewDefaultManager(nil)

	manager := upstream.New(upstream.Options{
		Store:             store,
		Auth:              auth,
		KeepAlive:         appCfg.Manager.KeepAlive,
		ConnectTimeout:    appCfg.Manager.ConnectTimeout,
		DisconnectTimeout: appCfg.Manager.DisconnectTimeout,
		StopTimeout:       appCfg.Manager.StopTimeout,
		CallbackBaseURL:   appCfg.OAuth.CallbackBaseURL,
	})
	manager.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), appCfg.Manager.StopTimeout)
		defer stopCancel()
		if n, err := manager.Stop(stopCtx); err != nil {
			slog.Default().Warn("not every upstream session stopped cleanly", "stopped", n, "err", err)
		}
	}()

	srv := proxy.New(ctx, manager, appCfg.Servers)

	slog.Default().Info("mcpmux starting", "transport", appCfg.Downstream.Transport, "servers", len(appCfg.Servers))

	switch appCfg.Downstream.Transport {
	case "stdio":
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "sse":
		return serveHTTP(ctx, appCfg.Downstream, mcp.NewSSEHandler(func(*http.Request) *mcp.Server {
			return srv.MCPServer()
		}, nil))
	case "streamable":
		return serveHTTP(ctx, appCfg.Downstream, mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return srv.MCPServer()
		}, nil))
	default:
		return mcperrors.New("serve", "", mcperrors.ErrOperation)
	}
}

// serveHTTP runs handler on the downstream config's host:port until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func serveHTTP(ctx context.Context, cfg config.DownstreamConfig, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
