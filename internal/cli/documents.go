package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/syncerr"
)

// SaveOptions holds flags for the save command.
type SaveOptions struct {
	*RootOptions
	Revision uint64
	BaseFile string
}

// saveView is the printable form of engine.SaveResult.
type saveView struct {
	Key              string `json:"key"`
	State            string `json:"state"`
	Revision         uint64 `json:"revision,omitempty"`
	Queued           bool   `json:"queued,omitempty"`
	OpID             string `json:"op_id,omitempty"`
	Merges           int    `json:"merges,omitempty"`
	AlreadyCommitted bool   `json:"already_committed,omitempty"`
	SnapshotSkipped  string `json:"snapshot_skipped,omitempty"`
}

func (v saveView) String() string {
	var b strings.Builder
	switch {
	case v.Queued:
		fmt.Fprintf(&b, "%s: queued offline (op %s)", v.Key, v.OpID)
	case v.AlreadyCommitted:
		fmt.Fprintf(&b, "%s: already at revision %d", v.Key, v.Revision)
	default:
		fmt.Fprintf(&b, "%s: committed revision %d", v.Key, v.Revision)
	}
	if v.Merges > 0 {
		fmt.Fprintf(&b, " after %d merge(s)", v.Merges)
	}
	if v.SnapshotSkipped != "" {
		fmt.Fprintf(&b, "\nwarning: local snapshot skipped: %s", v.SnapshotSkipped)
	}
	return b.String()
}

func newSaveView(res engine.SaveResult) saveView {
	v := saveView{
		Key:              res.Key,
		State:            string(res.State),
		Revision:         res.Revision,
		Queued:           res.Queued,
		OpID:             res.OpID,
		Merges:           res.Merges,
		AlreadyCommitted: res.AlreadyCommitted,
	}
	if res.SnapshotErr != nil {
		v.SnapshotSkipped = string(syncerr.CodeOf(res.SnapshotErr))
	}
	return v
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save <key> <file>",
		Short: "Save a JSON document",
		Long: `Save the JSON object in <file> under <key>.

--revision is the remote revision the edit started from; omit it for a new
document. --base is the content at that revision, used to merge edits that
touch different fields. When the remote is unreachable the write is queued.`,
		Example: `  docsync save notes/today today.json
  docsync save notes/today today.json --revision 3 --base today.orig.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(cmd, opts, args[0], args[1])
		},
	}
	cmd.Flags().Uint64Var(&opts.Revision, "revision", 0, "remote revision the content was based on")
	cmd.Flags().StringVar(&opts.BaseFile, "base", "", "content at --revision, for merging")
	return cmd
}

// readContent reads and parses a JSON object file.
func readContent(path string) (doc.Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := doc.ParseContent(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func runSave(cmd *cobra.Command, opts *SaveOptions, key, file string) error {
	out := formatter(cmd, opts.RootOptions)

	content, err := readContent(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read content", err)
	}
	req := engine.WriteRequest{Key: key, Content: content, KnownRevision: opts.Revision}
	if opts.BaseFile != "" {
		if req.Base, err = readContent(opts.BaseFile); err != nil {
			return WrapExitError(ExitCommandError, "failed to read base", err)
		}
	}

	return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session) error {
		res, err := s.eng.Save(ctx, req)
		if err != nil {
			var pending *conflict.PendingError
			if errors.As(err, &pending) {
				out.VerboseLog("conflict %s: fields %v", pending.Conflict.ID, pending.Conflict.Fields)
				return out.Fail("save needs a decision", err, newConflictView(pending.Conflict))
			}
			return out.Fail("save failed", err, nil)
		}
		return out.Success(newSaveView(res))
	})
}

// loadView is the printable form of engine.LoadResult.
type loadView struct {
	Key        string      `json:"key"`
	Revision   uint64      `json:"revision"`
	Source     string      `json:"source"`
	Cached     bool        `json:"cached,omitempty"`
	SnapshotAt *time.Time  `json:"snapshot_at,omitempty"`
	RemoteErr  string      `json:"remote_error,omitempty"`
	Content    doc.Content `json:"content"`
}

func (v loadView) String() string {
	body, err := doc.MarshalCanonical(v.Content)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", v.Content))
	}
	if v.SnapshotAt != nil {
		return fmt.Sprintf("# %s revision %d (stale snapshot from %s: %s)\n%s",
			v.Key, v.Revision, v.SnapshotAt.Format(time.RFC3339), v.RemoteErr, body)
	}
	return fmt.Sprintf("# %s revision %d\n%s", v.Key, v.Revision, body)
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <key>",
		Short: "Load a document",
		Long: `Load the latest revision of <key> from the remote.

When the remote is unreachable the last local snapshot is returned and
marked stale.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				res, err := s.eng.Load(ctx, args[0])
				if err != nil {
					return out.Fail("load failed", err, nil)
				}
				v := loadView{
					Key:      res.Key,
					Revision: res.Revision,
					Source:   string(res.Source),
					Cached:   res.Cached,
					Content:  res.Content,
				}
				if res.Stale() {
					at := res.SnapshotAt
					v.SnapshotAt = &at
					if res.RemoteErr != nil {
						v.RemoteErr = res.RemoteErr.Error()
					}
				}
				return out.Success(v)
			})
		},
	}
}
