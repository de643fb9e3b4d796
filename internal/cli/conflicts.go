package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/conflict"
)

// conflictView is the printable form of a pending conflict. Full content is
// left out; the per-field diff is what a user decides from.
type conflictView struct {
	ID             string               `json:"id"`
	Key            string               `json:"key"`
	KnownRevision  uint64               `json:"known_revision"`
	RemoteRevision uint64               `json:"remote_revision"`
	Fields         []string             `json:"fields"`
	Diff           []conflict.FieldDiff `json:"diff"`
	DetectedAt     time.Time            `json:"detected_at"`
}

func newConflictView(c conflict.Conflict) conflictView {
	return conflictView{
		ID:             c.ID,
		Key:            c.Key,
		KnownRevision:  c.KnownRevision,
		RemoteRevision: c.RemoteRevision,
		Fields:         c.Fields,
		Diff:           c.Diff,
		DetectedAt:     c.DetectedAt,
	}
}

func (v conflictView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "conflict %s on %s: local based on revision %d, remote at %d",
		v.ID, v.Key, v.KnownRevision, v.RemoteRevision)
	for _, d := range v.Diff {
		fmt.Fprintf(&b, "\n  %s: %s", d.Field, d.Patch)
	}
	return b.String()
}

type conflictList []conflictView

func (l conflictList) String() string {
	if len(l) == 0 {
		return "no pending conflicts"
	}
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\n")
}

// ResolveOptions holds flags for conflicts resolve.
type ResolveOptions struct {
	*RootOptions
	Keep string
	File string
}

// choice builds the resolution from the flags. Exactly one of --keep and
// --file must be set.
func (o *ResolveOptions) choice() (conflict.Choice, error) {
	switch {
	case o.Keep != "" && o.File != "":
		return conflict.Choice{}, errors.New("--keep and --file are mutually exclusive")
	case o.File != "":
		content, err := readContent(o.File)
		if err != nil {
			return conflict.Choice{}, err
		}
		return conflict.Choice{Kind: conflict.Manual, Content: content}, nil
	case o.Keep == "local":
		return conflict.Choice{Kind: conflict.KeepLocal}, nil
	case o.Keep == "remote":
		return conflict.Choice{Kind: conflict.KeepRemote}, nil
	case o.Keep == "":
		return conflict.Choice{}, errors.New("one of --keep or --file is required")
	default:
		return conflict.Choice{}, fmt.Errorf("invalid --keep %q: must be local or remote", o.Keep)
	}
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve edit conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				pending, err := s.eng.Conflicts(ctx)
				if err != nil {
					return out.Fail("conflicts list failed", err, nil)
				}
				l := make(conflictList, 0, len(pending))
				for _, c := range pending {
					l = append(l, newConflictView(c))
				}
				return out.Success(l)
			})
		},
	})

	ropts := &ResolveOptions{RootOptions: rootOpts}
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict",
		Long: `Resolve a pending conflict.

--keep local commits the local edit over the remote revision.
--keep remote discards the local edit.
--file commits the JSON object in the file as a hand merge.`,
		Example: `  docsync conflicts resolve 0193... --keep remote
  docsync conflicts resolve 0193... --file merged.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			choice, err := ropts.choice()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid resolution", err)
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				res, err := s.eng.ResolveConflict(ctx, args[0], choice)
				if err != nil {
					return out.Fail("resolve failed", err, nil)
				}
				return out.Success(newSaveView(res))
			})
		},
	}
	resolve.Flags().StringVar(&ropts.Keep, "keep", "", "side to keep (local|remote)")
	resolve.Flags().StringVar(&ropts.File, "file", "", "file holding the merged JSON object")
	cmd.AddCommand(resolve)

	cmd.AddCommand(&cobra.Command{
		Use:   "abandon <id>",
		Short: "Drop a conflict without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if err := s.eng.AbandonConflict(ctx, args[0]); err != nil {
					return out.Fail("abandon failed", err, nil)
				}
				return out.Success(abandoned(args[0]))
			})
		},
	})

	return cmd
}

type abandoned string

func (a abandoned) String() string { return fmt.Sprintf("conflict %s abandoned", string(a)) }

// MarshalJSON keeps the JSON payload an object.
func (a abandoned) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"abandoned": string(a)})
}
