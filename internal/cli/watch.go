package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/watch"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Sync a directory of JSON files",
		Long: `Watch <dir> and save every <key>.json file when it changes.

Edits are saved against the revision last seen for the file. The queue
drains in the background while the command runs; deletions are not synced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				return runWatch(ctx, cmd, s, args[0])
			})
		},
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, s *session, dir string) error {
	ctx, cancel := signalContext(ctx, s.logger)
	defer cancel()

	w := watch.New(dir, s.eng, watch.Options{
		Debounce: s.cfg.Watch.Debounce.Std(),
		Logger:   s.logger,
	})
	if err := w.Seed(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read workspace", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s. Press Ctrl-C to stop.\n", dir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreShutdown(s.eng.Run(gctx)) })
	g.Go(func() error { return w.Run(gctx) })
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "watch failed", err)
	}
	return nil
}
