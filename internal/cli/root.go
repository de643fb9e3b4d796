package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// ConfigPath is the YAML config file. A missing file means defaults.
	ConfigPath string

	// DB and Remote override local.db and remote.url from the config.
	DB     string
	Remote string
	Token  string

	// LogFile overrides log.file; logs rotate through lumberjack.
	LogFile string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = ".docsync/config.yaml"

// NewRootCommand creates the root command for the docsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "docsync - offline-first document sync",
		Long: `Keep JSON documents in sync with a versioned remote.

Writes commit with optimistic concurrency; conflicting edits merge when they
touch different fields and otherwise wait for a decision. While the remote
is unreachable, writes queue locally and drain when it comes back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "local state database (overrides local.db)")
	cmd.PersistentFlags().StringVar(&opts.Remote, "remote", "", "remote server URL or directory (overrides remote.url)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token for an HTTP remote")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a rotating file instead of stderr")

	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewDeadLetterCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
