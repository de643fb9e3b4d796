package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/status"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Follow bool
}

// statusList prints one line per key.
type statusList []status.Status

func (l statusList) String() string {
	if len(l) == 0 {
		return "no tracked documents"
	}
	var b strings.Builder
	for i, s := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(statusLine(s))
	}
	return b.String()
}

func statusLine(s status.Status) string {
	state := string(s.State)
	if state == "" {
		state = "untracked"
	}
	line := fmt.Sprintf("%-32s %-15s rev %d", s.Key, state, s.Revision)
	if s.ConflictID != "" {
		line += "  conflict " + s.ConflictID
	}
	if s.LastError != nil {
		line += fmt.Sprintf("  [%s] %s", s.LastError.Code, s.LastError.Message)
		if s.LastError.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", s.LastError.Attempt)
		}
	}
	return line
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show sync status",
		Long: `Show the sync status of one document, or of every tracked document.

With --follow the command keeps syncing in the foreground (draining the
queue as the remote comes and goes) and prints each status change until
interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runStatus(cmd, opts, key)
		},
	}
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stream status changes")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions, key string) error {
	out := formatter(cmd, opts.RootOptions)
	return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
		if opts.Follow {
			return followStatus(ctx, cmd, s, key, opts.Format == "json")
		}
		if key != "" {
			st, err := s.eng.Status(ctx, key)
			if err != nil {
				return out.Fail("status failed", err, nil)
			}
			st.Key = key
			return out.Success(statusList{st})
		}
		list, err := s.eng.ListStatus(ctx)
		if err != nil {
			return out.Fail("status failed", err, nil)
		}
		return out.Success(statusList(list))
	})
}

// changeView is one streamed status change.
type changeView struct {
	At     time.Time     `json:"at"`
	From   string        `json:"from"`
	Status status.Status `json:"status"`
}

// followStatus runs the engine and prints changes for key (or all keys).
func followStatus(ctx context.Context, cmd *cobra.Command, s *session, key string, jsonOut bool) error {
	ctx, cancel := signalContext(ctx, s.logger)
	defer cancel()

	changes, stop := s.eng.Statuses().Watch(256)
	defer stop()

	w := cmd.OutOrStdout()
	enc := json.NewEncoder(w)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreShutdown(s.eng.Run(gctx)) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case c, ok := <-changes:
				if !ok {
					return nil
				}
				if key != "" && c.Status.Key != key {
					continue
				}
				from := string(c.From)
				if from == "" {
					from = "none"
				}
				if jsonOut {
					if err := enc.Encode(changeView{At: c.Status.UpdatedAt, From: from, Status: c.Status}); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(w, "%s %s -> %s\n", c.Status.UpdatedAt.Format(time.RFC3339), from, statusLine(c.Status))
			}
		}
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "status follow failed", err)
	}
	return nil
}
