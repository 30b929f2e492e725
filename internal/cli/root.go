package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// Version is the CLI version.
const Version = "0.0.1"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the localrunner CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil)
}

// newRootCommand builds the command tree. configureRun lets tests replace
// the run command's collaborators.
func newRootCommand(configureRun func(*RunOptions)) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "localrunner",
		Short:   "Run a pipeline job against ephemeral resources",
		Long:    "Provision a storage scope and a Neo4j instance, launch a job against them, wait for count conditions and tear everything down.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts, configureRun))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}
