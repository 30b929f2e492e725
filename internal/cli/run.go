package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/harness"
	"github.com/roach88/localrunner/internal/job"
	"github.com/roach88/localrunner/internal/jobspec"
	"github.com/roach88/localrunner/internal/journal"
	"github.com/roach88/localrunner/internal/metrics"
	"github.com/roach88/localrunner/internal/poll"
	"github.com/roach88/localrunner/internal/resource"
	"github.com/roach88/localrunner/internal/runerr"
)

// Launcher kinds.
const (
	LauncherProcess   = "process"
	LauncherContainer = "container"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	Region        string
	Project       string
	Bucket        string
	Spec          string
	MaxTimeout    time.Duration
	CheckInterval time.Duration
	Checks        countCheckFlag

	Launcher   string
	JobCommand string
	JobImage   string

	Neo4jImage          string
	Neo4jAdvertisedHost string

	StorageEndpoint string
	AccessKey       string
	SecretKey       string

	Journal     string
	MetricsFile string
	Config      string

	// NewDeps builds the external collaborators. Tests replace it.
	NewDeps func(ctx context.Context, opts *RunOptions, logger *zap.Logger) (*Deps, error)

	// Logger overrides the logger built from --verbose.
	Logger *zap.Logger

	// Signals overrides the process interrupt signals.
	Signals chan os.Signal

	// Clock overrides the polling clock.
	Clock poll.Clock
}

// Deps are the collaborators a run talks to.
type Deps struct {
	Lifecycle   harness.Lifecycle
	Launcher    job.Launcher
	Credentials harness.CredentialResolver

	// Close releases collaborator-level state after teardown.
	Close func() error
}

// newRunCommand creates the run command. configure, when set, adjusts the
// options before any flag is bound.
func newRunCommand(rootOpts *RootOptions, configure func(*RunOptions)) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, NewDeps: defaultDeps}
	if configure != nil {
		configure(opts)
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job against ephemeral resources",
		Long: `Provision a storage scope and a Neo4j instance, upload the job specification
and connection metadata, launch the job and poll it until every count check
passes, the job fails or the timeout elapses. Resources are always torn down,
including on Ctrl-C.

Example:
  localrunner run -b my-bucket -r us-east-1 -s ./spec.json \
    --job-command "./pipeline" \
    -c "42:MATCH (n:Person) RETURN count(n) AS count" -t 10m -i 10s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Region, "region", "r", "", "cloud region")
	f.StringVarP(&opts.Project, "project", "p", "", "project the job runs in")
	f.StringVarP(&opts.Bucket, "bucket", "b", "", "bucket holding the run's storage scope (required)")
	f.StringVarP(&opts.Spec, "spec", "s", "", "path to the job specification file (required)")
	f.DurationVarP(&opts.MaxTimeout, "max-timeout", "t", 5*time.Minute, "maximum time to wait for the checks")
	f.DurationVarP(&opts.CheckInterval, "interval-check-duration", "i", 5*time.Second, "time between checks")
	f.VarP(&opts.Checks, "count-query-check", "c", `count check "<expected_count>:<count_query>" (repeatable)`)
	f.StringVar(&opts.Launcher, "launcher", LauncherProcess, "job launcher (process|container)")
	f.StringVar(&opts.JobCommand, "job-command", "", "command started by the process launcher")
	f.StringVar(&opts.JobImage, "job-image", "", "image started by the container launcher")
	f.StringVar(&opts.Neo4jImage, "neo4j-image", resource.DefaultNeo4jImage, "Neo4j image for the ephemeral database")
	f.StringVar(&opts.Neo4jAdvertisedHost, "neo4j-advertised-host", "", "host jobs use to reach the database (default: published host)")
	f.StringVar(&opts.StorageEndpoint, "storage-endpoint", "", "S3-compatible endpoint URL")
	f.StringVar(&opts.AccessKey, "access-key", "", "static storage access key (default: credential chain)")
	f.StringVar(&opts.SecretKey, "secret-key", "", "static storage secret key")
	f.StringVar(&opts.Journal, "journal", "", "path to the SQLite run journal")
	f.StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	f.StringVar(&opts.Config, "config", "", "YAML file with defaults for these flags")

	return cmd
}

func runJob(opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}

	if opts.Config != "" {
		if err := applyConfigFile(cmd.Flags(), opts.Config); err != nil {
			return reportError(formatter, runerr.Wrap(runerr.KindConfiguration, "config", "invalid config file", err), nil)
		}
	}
	if err := opts.validate(); err != nil {
		return reportError(formatter, err, nil)
	}
	spec, err := jobspec.Load(opts.Spec)
	if err != nil {
		return reportError(formatter, err, nil)
	}

	logger := opts.Logger
	if logger == nil {
		if logger, err = newLogger(opts.Verbose); err != nil {
			return WrapExitError(ExitCommandError, "failed to build logger", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	deps, err := opts.NewDeps(ctx, opts, logger)
	if err != nil {
		return reportError(formatter, err, nil)
	}
	if deps.Close != nil {
		defer func() {
			if err := deps.Close(); err != nil {
				logger.Warn("failed to close launcher", zap.Error(err))
			}
		}()
	}

	hopts := []harness.Option{harness.WithCredentials(deps.Credentials)}
	if opts.Clock != nil {
		hopts = append(hopts, harness.WithClock(opts.Clock))
	}
	if opts.Journal != "" {
		j, err := journal.Open(opts.Journal)
		if err != nil {
			return reportError(formatter, runerr.Wrap(runerr.KindConfiguration, "journal", "unable to open run journal", err), nil)
		}
		defer j.Close()
		hopts = append(hopts, harness.WithRecorder(&journalRecorder{journal: j, now: time.Now}))
	}
	var m *metrics.Metrics
	if opts.MetricsFile != "" {
		m = metrics.New()
		hopts = append(hopts, harness.WithRecorder(&metricsRecorder{metrics: m}))
	}

	h := harness.New(harness.Config{
		JobName:    harness.DefaultJobName,
		Project:    opts.Project,
		Region:     opts.Region,
		Spec:       spec,
		Conditions: opts.Checks.Conditions(),
		Poll:       poll.Config{Interval: opts.CheckInterval, Timeout: opts.MaxTimeout},
	}, deps.Lifecycle, deps.Launcher, logger, hopts...)

	sigs := opts.Signals
	if sigs == nil {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigs:
			logger.Warn("received signal, tearing down", zap.Stringer("signal", sig))
			cancel()
			if err := h.Close(context.Background()); err != nil {
				logger.Warn("teardown reported warnings", zap.Error(err))
			}
		case <-done:
		}
	}()

	logger.Info("starting run",
		zap.String("spec", spec.Path),
		zap.Strings("spec_fields", spec.Fields),
		zap.String("launcher", opts.Launcher),
		zap.Int("checks", len(opts.Checks.checks)),
	)
	report, runErr := h.Run(ctx)

	if m != nil {
		if err := m.WriteFile(opts.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", zap.Error(err))
		}
	}

	if runErr != nil {
		return reportError(formatter, runErr, report)
	}
	if err := formatter.Success(newReportView(report)); err != nil {
		return WrapExitError(ExitFailure, "failed to write output", err)
	}
	return nil
}

func (o *RunOptions) validate() error {
	fail := func(msg string) error { return runerr.New(runerr.KindConfiguration, "flags", msg) }

	switch {
	case o.Spec == "":
		return fail("--spec is required")
	case o.Bucket == "":
		return fail("--bucket is required")
	case o.CheckInterval <= 0:
		return fail("--interval-check-duration must be positive")
	case o.MaxTimeout < 0:
		return fail("--max-timeout must not be negative")
	}

	switch o.Launcher {
	case LauncherProcess:
		if strings.TrimSpace(o.JobCommand) == "" {
			return fail("--job-command is required with the process launcher")
		}
	case LauncherContainer:
		if o.JobImage == "" {
			return fail("--job-image is required with the container launcher")
		}
	default:
		return fail(fmt.Sprintf("unknown launcher %q: must be %s or %s", o.Launcher, LauncherProcess, LauncherContainer))
	}
	return nil
}

// defaultDeps wires S3 storage, a Docker-hosted Neo4j instance and the
// selected launcher.
func defaultDeps(ctx context.Context, opts *RunOptions, logger *zap.Logger) (*Deps, error) {
	client, awsCfg, err := resource.NewS3Client(ctx, resource.S3Config{
		Region:    opts.Region,
		Endpoint:  opts.StorageEndpoint,
		AccessKey: opts.AccessKey,
		SecretKey: opts.SecretKey,
	})
	if err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "credentials", "unable to configure object storage", err)
	}
	var storageOpts []resource.S3StorageOption
	if strings.Contains(opts.StorageEndpoint, "storage.googleapis.com") {
		storageOpts = append(storageOpts, resource.WithURIScheme("gs"))
	}
	storage := resource.NewS3Storage(client, opts.Bucket, logger, storageOpts...)

	pool, err := dockertest.NewPool("")
	if err == nil {
		err = pool.Client.Ping()
	}
	if err != nil {
		return nil, runerr.Wrap(runerr.KindProvisioning, "docker", "unable to reach the Docker daemon", err)
	}
	database := resource.NewNeo4jProvisioner(pool, resource.Neo4jConfig{
		Image:          opts.Neo4jImage,
		AdvertisedHost: opts.Neo4jAdvertisedHost,
	}, logger)

	deps := &Deps{
		Lifecycle:   resource.NewLifecycle(storage, database, nil, logger),
		Credentials: resource.AWSCredentials{Config: awsCfg},
	}
	switch opts.Launcher {
	case LauncherContainer:
		networkMode := ""
		if opts.Neo4jAdvertisedHost == "" {
			networkMode = "host"
		}
		launcher := job.NewContainerLauncher(pool, job.ContainerConfig{Image: opts.JobImage, NetworkMode: networkMode}, logger)
		deps.Launcher = launcher
		deps.Close = launcher.Close
	default:
		deps.Launcher = job.NewProcessLauncher(strings.Fields(opts.JobCommand), logger)
	}
	return deps, nil
}

// reportError prints err with whatever the run got to and returns the exit
// error for it.
func reportError(f *OutputFormatter, err error, report *harness.Report) error {
	code := "ERROR"
	if kind, ok := runerr.KindOf(err); ok {
		code = string(kind)
	}
	var details any
	if report != nil {
		details = newReportView(report)
	}
	if ferr := f.Error(code, err.Error(), details); ferr != nil {
		return WrapExitError(ExitFailure, "failed to write output", ferr)
	}
	return &ExitError{Code: exitCodeFor(err), Message: "run failed", Err: err, Reported: true}
}

// reportView is the printable form of a harness.Report.
type reportView struct {
	RunID     string   `json:"run_id,omitempty"`
	JobID     string   `json:"job_id,omitempty"`
	Outcome   string   `json:"outcome"`
	Step      string   `json:"step,omitempty"`
	LastState string   `json:"last_state,omitempty"`
	Attempts  int      `json:"attempts"`
	Pending   []string `json:"pending,omitempty"`
	Elapsed   string   `json:"elapsed"`
	Warnings  []string `json:"warnings,omitempty"`
}

func newReportView(r *harness.Report) reportView {
	v := reportView{
		RunID:    r.RunID,
		JobID:    r.JobID,
		Outcome:  r.Outcome,
		Step:     r.Step,
		Attempts: r.Attempts,
		Pending:  r.Pending,
		Elapsed:  r.Elapsed.Round(time.Millisecond).String(),
	}
	if r.JobID != "" {
		v.LastState = r.LastState.String()
	}
	for _, w := range r.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	return v
}

func (v reportView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s after %d attempt(s) in %s", orDash(v.RunID), v.Outcome, v.Attempts, v.Elapsed)
	if v.JobID != "" {
		fmt.Fprintf(&b, "\n  job:      %s (%s)", v.JobID, v.LastState)
	}
	if v.Step != "" {
		fmt.Fprintf(&b, "\n  step:     %s", v.Step)
	}
	for _, p := range v.Pending {
		fmt.Fprintf(&b, "\n  pending:  %s", p)
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(&b, "\n  warning:  %s", w)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
