package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/config"
	"github.com/roach88/wolfpack/internal/httpapi"
	"github.com/roach88/wolfpack/internal/persist/memory"
	"github.com/roach88/wolfpack/internal/persist/postgres"
	"github.com/roach88/wolfpack/internal/persist/sqlite"
	"github.com/roach88/wolfpack/internal/push/hub"
	"github.com/roach88/wolfpack/internal/push/pgnotify"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command. Set flags override the
// configuration file.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Backend  string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Long: `Serve mutations, collection reads, device registration and the
websocket change feed over the configured persistence backend.

Backends:
  memory   - in-process, lost on exit; pushes through the in-process hub
  sqlite   - file database; pushes through the in-process hub
  postgres - shared database; pushes through LISTEN/NOTIFY

The log level follows the configuration file while running.

Examples:
  wolfpack serve --backend memory --addr :8080
  wolfpack serve --config wolfpack.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			opts.override(cmd, cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "memory|sqlite|postgres (overrides server.backend)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "database path or DSN (overrides server.database)")

	return cmd
}

// override applies set flags. Changing the backend also picks the push
// transport that backend supports.
func (o *ServeOptions) override(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.Addr
	}
	if cmd.Flags().Changed("backend") {
		cfg.Server.Backend = o.Backend
		cfg.Server.Push = "hub"
		if o.Backend == "postgres" {
			cfg.Server.Push = "pgnotify"
		}
	}
	if cmd.Flags().Changed("db") {
		cfg.Server.Database = o.Database
	}
}

// backend is an opened persistence backend plus its push transport.
type backend struct {
	server *httpapi.Server
	run    func(ctx context.Context)
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	s := cfg.Server
	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithOriginPatterns(s.Origins...),
	}
	h := hub.New(hub.WithHeartbeat(s.Heartbeat.Std()), hub.WithLogger(logger))
	runHub := func(ctx context.Context) { h.Run(ctx) }

	switch s.Backend {
	case "memory":
		b := memory.New()
		b.OnCommit(h.Publish)
		apiOpts = append(apiOpts, httpapi.WithDevices(b))
		return &backend{
			server: httpapi.New(b, h, apiOpts...),
			run:    runHub,
			close:  h.Close,
		}, nil
	case "sqlite":
		st, err := sqlite.Open(s.Database, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		st.OnCommit(h.Publish)
		apiOpts = append(apiOpts, httpapi.WithDevices(st), httpapi.WithChangeLog(st))
		return &backend{
			server: httpapi.New(st, h, apiOpts...),
			run:    runHub,
			close: func() {
				h.Close()
				st.Close()
			},
		}, nil
	case "postgres":
		st, err := postgres.Open(ctx, s.Database, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		src := pgnotify.New(s.Database, pgnotify.WithHeartbeat(s.Heartbeat.Std()), pgnotify.WithLogger(logger))
		apiOpts = append(apiOpts, httpapi.WithDevices(st))
		return &backend{
			server: httpapi.New(st, src, apiOpts...),
			run:    func(ctx context.Context) { <-ctx.Done() },
			close:  func() { st.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *ServeOptions, cfg *config.Config) error {
	logger := opts.Logger(cmd.ErrOrStderr(), cfg)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to open %s backend", cfg.Server.Backend), err)
	}
	defer b.close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (%s backend)\n", ln.Addr(), cfg.Server.Backend)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.run(ctx)
	if opts.Config != "" {
		w, err := config.NewWatcher(opts.Config, logger)
		if err != nil {
			logger.Warn("config reload disabled", "error", err)
		} else {
			go w.Run(ctx, opts.SetLevel)
		}
	}

	srv := &http.Server{
		Handler:           b.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "addr", ln.Addr().String())
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}
