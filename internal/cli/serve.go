package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/remote/httpremote"
)

// shutdownTimeout bounds in-flight requests on shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	DataDir string

	// ready, when set, receives the bound address once listening (for tests).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a remote store server",
		Long: `Serve a blob and metadata store over HTTP.

Blobs are files under <data>/blobs; metadata is a SQLite database at
<data>/meta.db. With --token every request must carry it as a bearer token.`,
		Example: `  docsync serve --addr :8080 --data /var/lib/docsync --token s3cret`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.DataDir, "data", "docsync-data", "data directory")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, logCloser := newLogger(cfg.Log, cmd.ErrOrStderr())
	defer logCloser.Close()

	store, meta, err := openDirRemote(opts.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	defer func() {
		if closeErr := meta.Close(); closeErr != nil {
			logger.Error("error closing metadata store", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(commandContext(cmd), logger)
	defer cancel()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler: httpremote.NewServer(store, httpremote.ServerOptions{
			Token:  cfg.Remote.Token,
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("server listening", "addr", addr, "data", opts.DataDir, "auth", cfg.Remote.Token != "")
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)
	if opts.ready != nil {
		opts.ready <- addr
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
