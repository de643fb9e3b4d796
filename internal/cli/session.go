package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/ids"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/lock"
	"github.com/roach88/docsync/internal/presence"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/remote/fsblob"
	"github.com/roach88/docsync/internal/remote/httpremote"
	"github.com/roach88/docsync/internal/remote/sqlmeta"
	"github.com/roach88/docsync/internal/telemetry"
)

// telemetryBuffer bounds events waiting for the log sink.
const telemetryBuffer = 512

// session is everything one command needs: config, logger and a running engine.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	eng    *engine.Engine
	prober *presence.Prober

	closers []func() error
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.DB != "" {
		cfg.Local.DB = opts.DB
	}
	if opts.Remote != "" {
		cfg.Remote.URL = opts.Remote
	}
	if opts.Token != "" {
		cfg.Remote.Token = opts.Token
	}
	if opts.LogFile != "" {
		cfg.Log.File = opts.LogFile
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. With a log file, records are JSON and
// the file rotates; otherwise they are text on stderr.
func newLogger(cfg config.Log, stderr io.Writer) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	if cfg.File == "" {
		return slog.New(slog.NewTextHandler(stderr, hopts)), io.NopCloser(nil)
	}
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(w, hopts)), w
}

// isHTTP reports whether the remote is a server URL rather than a directory.
func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// openDirRemote opens the blob directory and metadata database under dir.
func openDirRemote(dir string) (remote.Store, *sqlmeta.Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create remote directory: %w", err)
	}
	blobs, err := fsblob.New(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, nil, err
	}
	meta, err := sqlmeta.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, nil, err
	}
	return remote.Combined{BlobStore: blobs, MetadataStore: meta}, meta, nil
}

// openSession wires the engine from config. Call close when done.
func openSession(ctx context.Context, opts *RootOptions, stderr io.Writer) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, logCloser := newLogger(cfg.Log, stderr)
	s := &session{cfg: cfg, logger: logger}
	s.closers = append(s.closers, logCloser.Close)

	fail := func(msg string, err error) (*session, error) {
		s.close()
		return nil, WrapExitError(ExitCommandError, msg, err)
	}

	var (
		store remote.Store
		sig   presence.Signal
	)
	if isHTTP(cfg.Remote.URL) {
		client, err := httpremote.NewClient(httpremote.ClientConfig{
			BaseURL: cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Store.Timeout.Std(),
		})
		if err != nil {
			return fail("failed to configure remote", err)
		}
		s.prober = presence.NewProber(client, presence.ProberOptions{
			Interval: cfg.Sync.ProbeInterval.Std(),
			Logger:   logger,
		})
		store, sig = client, s.prober
	} else {
		combined, meta, err := openDirRemote(cfg.Remote.URL)
		if err != nil {
			return fail("failed to open remote", err)
		}
		s.closers = append(s.closers, meta.Close)
		store = combined
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Local.DB), 0o755); err != nil {
		return fail("failed to create state directory", err)
	}
	kv, err := localstore.Open(cfg.Local.DB)
	if err != nil {
		return fail("failed to open local state", err)
	}
	s.closers = append(s.closers, kv.Close)

	drainLock, err := lock.NewProcessLock(cfg.Local.DB + ".drain.lock")
	if err != nil {
		return fail("failed to create drain lock", err)
	}

	sink := telemetry.NewAsync(telemetry.LogSink{Logger: logger}, telemetryBuffer)
	s.closers = append(s.closers, func() error { sink.Close(); return nil })

	eng, err := engine.New(ctx, engine.Options{
		Remote:    store,
		KV:        kv,
		Config:    cfg,
		Presence:  sig,
		DrainLock: drainLock,
		Clock:     clock.System{},
		IDs:       ids.UUIDv7{},
		Logger:    logger,
		Telemetry: sink,
	})
	if err != nil {
		return fail("failed to start engine", err)
	}
	s.eng = eng
	s.closers = append(s.closers, func() error { eng.Close(); return nil })

	// One-shot commands need to know reachability before their first call.
	if s.prober != nil {
		s.prober.Probe(ctx)
	}
	return s, nil
}

// close releases resources in reverse order of acquisition.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("error closing session", "error", err)
		}
	}
	s.closers = nil
}

// withSession opens a session for cmd, runs fn and closes it.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session) error) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

// commandContext returns the command's context, or Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()
	return ctx, cancel
}

// ignoreShutdown treats a cancelled context as a clean exit.
func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// formatter builds an OutputFormatter for cmd.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
