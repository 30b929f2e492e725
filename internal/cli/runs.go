package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/localrunner/internal/journal"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Journal string
	Limit   int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs",
		Long: `List runs recorded in a run journal, newest first.

Example:
  localrunner runs --journal ./runs.db
  localrunner runs --journal ./runs.db --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to the SQLite run journal (required)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	_ = cmd.MarkFlagRequired("journal")

	return cmd
}

// runView is the printable form of a journaled run.
type runView struct {
	RunID      string   `json:"run_id"`
	JobID      string   `json:"job_id,omitempty"`
	Project    string   `json:"project,omitempty"`
	Region     string   `json:"region,omitempty"`
	Bucket     string   `json:"bucket,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
	Error      string   `json:"error,omitempty"`
	Warnings   int      `json:"warnings"`
}

type runList []runView

func (l runList) String() string {
	if len(l) == 0 {
		return "No runs recorded."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tOUTCOME\tJOB ID\tWARNINGS")
	for _, r := range l {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.RunID, r.StartedAt, orDash(r.Outcome), orDash(r.JobID), r.Warnings)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func listRuns(opts *RunsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}

	if _, err := os.Stat(opts.Journal); errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	j, err := journal.Open(opts.Journal)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	runs, err := j.ListRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list runs", err)
	}

	views := make(runList, 0, len(runs))
	for _, r := range runs {
		v := runView{
			RunID:      r.ID,
			JobID:      r.JobID,
			Project:    r.Project,
			Region:     r.Region,
			Bucket:     r.Bucket,
			Conditions: r.Conditions,
			StartedAt:  r.StartedAt.Format(time.RFC3339),
			Outcome:    r.Outcome,
			Error:      r.Error,
			Warnings:   r.Warnings,
		}
		if r.Finished() {
			v.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	return formatter.Success(views)
}
