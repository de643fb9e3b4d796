package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/queue"
)

// opView is the printable form of a queued or dead-lettered operation.
// The payload is left out: it carries document content.
type opView struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastCode    string     `json:"last_code,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	DeadAt      *time.Time `json:"dead_at,omitempty"`
}

func newOpView(op queue.Operation) opView {
	v := opView{
		ID:        op.ID,
		Key:       op.Key,
		Attempts:  op.Attempts,
		CreatedAt: op.CreatedAt,
		LastCode:  op.LastCode,
		LastError: op.LastError,
	}
	if op.DeadAt.IsZero() {
		next := op.NextRetryAt
		v.NextRetryAt = &next
	} else {
		dead := op.DeadAt
		v.DeadAt = &dead
	}
	return v
}

func (v opView) String() string {
	line := fmt.Sprintf("%-36s %-32s attempts %d", v.ID, v.Key, v.Attempts)
	if v.NextRetryAt != nil {
		line += "  next " + v.NextRetryAt.Format(time.RFC3339)
	}
	if v.DeadAt != nil {
		line += "  dead " + v.DeadAt.Format(time.RFC3339)
	}
	if v.LastCode != "" {
		line += fmt.Sprintf("  [%s] %s", v.LastCode, v.LastError)
	}
	return line
}

// opList prints one operation per line.
type opList struct {
	Empty string   `json:"-"`
	Ops   []opView `json:"operations"`
}

func newOpList(ops []queue.Operation, empty string) opList {
	l := opList{Empty: empty, Ops: make([]opView, 0, len(ops))}
	for _, op := range ops {
		l.Ops = append(l.Ops, newOpView(op))
	}
	return l
}

func (l opList) String() string {
	if len(l.Ops) == 0 {
		return l.Empty
	}
	lines := make([]string, len(l.Ops))
	for i, v := range l.Ops {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// reportView is the printable form of a drain report.
type reportView struct {
	Online       bool `json:"online"`
	Skipped      bool `json:"skipped,omitempty"`
	Attempted    int  `json:"attempted"`
	Drained      int  `json:"drained"`
	Retrying     int  `json:"retrying"`
	DeadLettered int  `json:"dead_lettered"`
	Conflicted   int  `json:"conflicted"`
	Remaining    int  `json:"remaining"`
}

func (v reportView) String() string {
	switch {
	case !v.Online:
		return fmt.Sprintf("remote unreachable; %d operation(s) waiting", v.Remaining)
	case v.Skipped:
		return "another process is draining the queue"
	}
	return fmt.Sprintf("attempted %d: %d committed, %d retrying, %d dead-lettered, %d conflicted; %d remaining",
		v.Attempted, v.Drained, v.Retrying, v.DeadLettered, v.Conflicted, v.Remaining)
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				ops, err := s.eng.Queue().List(ctx)
				if err != nil {
					return out.Fail("queue list failed", err, nil)
				}
				return out.Success(newOpList(ops, "queue is empty"))
			})
		},
	})

	var force bool
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Send queued writes to the remote",
		Long: `Attempt every queued write whose retry time has come.

--force ignores retry times. Nothing is attempted while the remote is
unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				v := reportView{Online: s.eng.Online()}
				if !v.Online {
					n, err := s.eng.Queue().Len(ctx)
					if err != nil {
						return out.Fail("queue drain failed", err, nil)
					}
					v.Remaining = n
					return out.Success(v)
				}
				drainFn := s.eng.Drain
				if force {
					drainFn = s.eng.Flush
				}
				rep, err := drainFn(ctx)
				if err != nil {
					return out.Fail("queue drain failed", err, nil)
				}
				v.Skipped = rep.Skipped
				v.Attempted = rep.Attempted
				v.Drained = rep.Drained
				v.Retrying = rep.Retrying
				v.DeadLettered = rep.DeadLettered
				v.Conflicted = rep.Conflicted
				v.Remaining = rep.Remaining
				return out.Success(v)
			})
		},
	}
	drain.Flags().BoolVar(&force, "force", false, "attempt writes that are not yet due")
	cmd.AddCommand(drain)

	return cmd
}

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect writes that gave up retrying",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				ops, err := s.eng.Queue().DeadLetters(ctx)
				if err != nil {
					return out.Fail("deadletter list failed", err, nil)
				}
				return out.Success(newOpList(ops, "no dead letters"))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a dead-lettered write",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				op, err := s.eng.RetryDeadLetter(ctx, args[0])
				if err != nil {
					return out.Fail("deadletter retry failed", err, nil)
				}
				return out.Success(newOpView(op))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a dead-lettered write",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				op, err := s.eng.DiscardDeadLetter(ctx, args[0])
				if err != nil {
					return out.Fail("deadletter discard failed", err, nil)
				}
				return out.Success(newOpView(op))
			})
		},
	})

	return cmd
}
