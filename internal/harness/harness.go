package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/artifact"
	"github.com/roach88/localrunner/internal/condition"
	"github.com/roach88/localrunner/internal/job"
	"github.com/roach88/localrunner/internal/jobspec"
	"github.com/roach88/localrunner/internal/poll"
	"github.com/roach88/localrunner/internal/resource"
	"github.com/roach88/localrunner/internal/runerr"
)

// DefaultJobName names launched jobs.
const DefaultJobName = "LocalRunner"

// Launch parameter names.
const (
	ParamJobSpecURI         = "jobSpecUri"
	ParamNeo4jConnectionURI = "neo4jConnectionUri"
	ParamTempLocation       = "tempLocation"
)

// DefaultTeardownTimeout bounds teardown, which runs on a context detached
// from the run's cancellation.
const DefaultTeardownTimeout = 2 * time.Minute

// CredentialResolver checks that cloud credentials are usable.
type CredentialResolver interface {
	Resolve(ctx context.Context) error
}

// Lifecycle acquires, fills and releases a run's resources.
type Lifecycle interface {
	Acquire(ctx context.Context) (*resource.Set, error)
	Upload(ctx context.Context, set *resource.Set, name string, content []byte) (string, error)
	Release(ctx context.Context, set *resource.Set) error
}

// Config is what to run.
type Config struct {
	JobName    string
	Project    string
	Region     string
	Spec       *jobspec.Spec
	Conditions []condition.Condition
	Poll       poll.Config
}

// Report summarizes a run. It is returned even when the run fails.
type Report struct {
	RunID string
	JobID string

	// Outcome is SUCCEEDED, TIMED_OUT, JOB_FAILED, or the error kind that
	// stopped the run earlier.
	Outcome string

	// Step is the step that failed, empty on success.
	Step string

	LastState job.State
	Attempts  int
	Pending   []string
	Elapsed   time.Duration

	// Warnings are non-fatal teardown problems.
	Warnings []error
}

// Harness runs one job. It is single use.
type Harness struct {
	cfg       Config
	lifecycle Lifecycle
	launcher  job.Launcher
	creds     CredentialResolver
	clock     poll.Clock
	recorders []Recorder
	logger    *zap.Logger

	teardownTimeout time.Duration

	state runState

	closeOnce        sync.Once
	teardownWarnings []error
}

// Option configures a Harness.
type Option func(*Harness)

// WithCredentials resolves credentials before any resource is created.
func WithCredentials(c CredentialResolver) Option {
	return func(h *Harness) { h.creds = c }
}

// WithClock replaces the wall clock of the polling loop.
func WithClock(c poll.Clock) Option {
	return func(h *Harness) { h.clock = c }
}

// WithRecorder adds a run observer.
func WithRecorder(r Recorder) Option {
	return func(h *Harness) { h.recorders = append(h.recorders, r) }
}

// WithTeardownTimeout bounds teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(h *Harness) { h.teardownTimeout = d }
}

// New creates a Harness.
func New(cfg Config, lifecycle Lifecycle, launcher job.Launcher, logger *zap.Logger, opts ...Option) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobName == "" {
		cfg.JobName = DefaultJobName
	}
	h := &Harness{
		cfg:             cfg,
		lifecycle:       lifecycle,
		launcher:        launcher,
		clock:           poll.RealClock{},
		logger:          logger,
		teardownTimeout: DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes the job and tears everything down before returning.
func (h *Harness) Run(ctx context.Context) (report *Report, err error) {
	if ok, sealed := h.state.begin(); !ok {
		if sealed {
			return nil, runerr.New(runerr.KindInterrupted, "run", "harness was closed before the run started")
		}
		return nil, runerr.New(runerr.KindConfiguration, "run", "harness has already run")
	}

	report = &Report{}
	start := h.clock.Now()

	defer func() {
		_ = h.Close(ctx)
		if err == nil {
			report.Warnings = h.teardownWarnings
		} else {
			for _, w := range h.teardownWarnings {
				err = runerr.Attach(err, w)
			}
			report.Warnings = runerr.Warnings(err)
		}
		report.Elapsed = h.clock.Now().Sub(start)
		report.Outcome, report.Step = outcomeOf(report, err)
		h.finished(ctx, report)
	}()

	if err := h.validate(); err != nil {
		return report, err
	}

	if h.creds != nil {
		if err := h.creds.Resolve(ctx); err != nil {
			return report, runerr.Wrap(runerr.KindConfiguration, "credentials", "unable to resolve credentials", err)
		}
	}

	set, err := h.lifecycle.Acquire(ctx)
	if err != nil {
		return report, err
	}
	report.RunID = set.RunID
	if !h.state.adoptResources(set) {
		rctx, cancel := h.detached(ctx)
		defer cancel()
		err := runerr.New(runerr.KindInterrupted, "acquire", "run was interrupted while acquiring resources")
		return report, runerr.Attach(err, h.lifecycle.Release(rctx, set))
	}
	logger := h.logger.With(zap.String("run_id", set.RunID))
	h.started(ctx, set, start)

	params, err := h.upload(ctx, set)
	if err != nil {
		return report, err
	}

	if h.state.isSealed() {
		return report, closedBefore("launch")
	}
	handle, err := h.launcher.Launch(ctx, job.LaunchConfig{
		JobName:    h.cfg.JobName,
		Project:    h.cfg.Project,
		Region:     h.cfg.Region,
		Parameters: params,
	})
	if err != nil {
		return report, asKind(err, runerr.KindLaunch, "launch", "unable to launch job")
	}
	report.JobID = handle.ID
	report.LastState = handle.State()
	if !h.state.adoptHandle(handle) {
		cctx, cancel := h.detached(ctx)
		defer cancel()
		err := runerr.New(runerr.KindInterrupted, "launch", "run was interrupted while launching the job")
		return report, runerr.Attach(err, h.cancel(cctx, handle))
	}
	logger.Info("job launched", zap.String("job_id", handle.ID))
	h.launched(ctx, set.RunID, handle.ID)

	op := poll.NewOperator(logger,
		poll.WithClock(h.clock),
		poll.WithObserver(func(a poll.Attempt) { h.attempt(ctx, set.RunID, a) }),
	)
	result, err := op.WaitFor(ctx, h.launcher, handle, h.cfg.Conditions, set.Resources(), h.cfg.Poll)
	if result != nil {
		report.LastState = result.LastState
		report.Attempts = result.Attempts
		report.Pending = result.Pending
	}
	if err != nil {
		return report, err
	}

	logger.Info("run succeeded", zap.Int("attempts", report.Attempts))
	return report, nil
}

// Close tears the run down. Concurrent callers wait for the first one to
// finish; only the first call returns teardown warnings.
func (h *Harness) Close(ctx context.Context) error {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.teardownWarnings = h.teardown(ctx)
	})
	if !first {
		return nil
	}
	return errors.Join(h.teardownWarnings...)
}

func (h *Harness) validate() error {
	if h.cfg.Spec == nil {
		return runerr.New(runerr.KindConfiguration, "config", "job specification is required")
	}
	if h.cfg.Poll.Interval <= 0 {
		return runerr.New(runerr.KindConfiguration, "config", "check interval must be positive")
	}
	if h.cfg.Poll.Timeout < 0 {
		return runerr.New(runerr.KindConfiguration, "config", "timeout must not be negative")
	}
	return nil
}

func (h *Harness) upload(ctx context.Context, set *resource.Set) (map[string]string, error) {
	if h.state.isSealed() {
		return nil, closedBefore("upload")
	}
	specURI, err := h.lifecycle.Upload(ctx, set, artifact.SpecName, h.cfg.Spec.Content)
	if err != nil {
		return nil, err
	}

	if set.Database == nil {
		return nil, runerr.New(runerr.KindUpload, "upload", "no database instance to describe")
	}
	meta, err := artifact.ConnectionFor(set.Database).Encode()
	if err != nil {
		return nil, runerr.Wrap(runerr.KindUpload, "upload", "unable to encode connection metadata", err)
	}
	if h.state.isSealed() {
		return nil, closedBefore("upload")
	}
	connURI, err := h.lifecycle.Upload(ctx, set, artifact.ConnectionName, meta)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		ParamJobSpecURI:         specURI,
		ParamNeo4jConnectionURI: connURI,
		ParamTempLocation:       set.Storage.TempLocation(),
	}, nil
}

// teardown cancels the job if it is still active, then releases resources.
// Each step runs even when an earlier one failed or panicked.
func (h *Harness) teardown(ctx context.Context) []error {
	set, handle := h.state.seal()
	if set == nil && handle == nil {
		return nil
	}

	ctx, cancel := h.detached(ctx)
	defer cancel()

	var warnings []error
	if handle != nil {
		if err := h.safely("cancel", func() error { return h.cancel(ctx, handle) }); err != nil {
			warnings = append(warnings, err)
		}
	}
	if set != nil {
		if err := h.safely("release", func() error { return h.lifecycle.Release(ctx, set) }); err != nil {
			warnings = append(warnings, err)
		}
	}

	if len(warnings) > 0 {
		h.logger.Warn("teardown finished with warnings", zap.Errors("warnings", warnings))
	} else {
		h.logger.Info("teardown complete")
	}
	return warnings
}

// cancel re-queries the job so a job that finished since the last poll is
// not cancelled. When the query fails the last known state decides.
func (h *Harness) cancel(ctx context.Context, handle *job.Handle) error {
	state := handle.State()
	if latest, err := h.launcher.QueryState(ctx, handle); err != nil {
		h.logger.Warn("unable to refresh job state before cancel",
			zap.String("job_id", handle.ID), zap.Stringer("last_known", state), zap.Error(err))
	} else {
		handle.Observe(latest)
		state = latest
	}

	if state.IsFinishing() {
		h.logger.Debug("job already finished, not cancelling",
			zap.String("job_id", handle.ID), zap.Stringer("state", state))
		return nil
	}

	if err := h.launcher.Cancel(ctx, handle); err != nil {
		return asKind(err, runerr.KindCancellation, "cancel", "unable to cancel job "+handle.ID)
	}
	h.logger.Info("job cancelled", zap.String("job_id", handle.ID))
	return nil
}

func (h *Harness) safely(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic during teardown",
				zap.String("step", step),
				zap.String("stack", goerrors.Wrap(r, 2).ErrorStack()),
			)
			err = runerr.New(runerr.KindTeardownWarning, step, fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}

// detached survives cancellation of the run so cleanup can finish.
func (h *Harness) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.teardownTimeout)
}

func (h *Harness) started(ctx context.Context, set *resource.Set, at time.Time) {
	info := RunInfo{
		RunID:     set.RunID,
		JobName:   h.cfg.JobName,
		Project:   h.cfg.Project,
		Region:    h.cfg.Region,
		SpecPath:  h.cfg.Spec.Path,
		StartedAt: at,
	}
	if set.Storage != nil {
		info.Bucket = set.Storage.Bucket
	}
	for _, c := range h.cfg.Conditions {
		info.Conditions = append(info.Conditions, c.Name())
	}
	h.record("run started", func(r Recorder) error { return r.RunStarted(ctx, info) })
}

func (h *Harness) launched(ctx context.Context, runID, jobID string) {
	h.record("job launched", func(r Recorder) error { return r.JobLaunched(ctx, runID, jobID) })
}

func (h *Harness) attempt(ctx context.Context, runID string, a poll.Attempt) {
	h.record("poll attempt", func(r Recorder) error { return r.AttemptObserved(ctx, runID, a) })
}

func (h *Harness) finished(ctx context.Context, report *Report) {
	ctx = context.WithoutCancel(ctx)
	h.record("run finished", func(r Recorder) error { return r.RunFinished(ctx, report) })
}

func (h *Harness) record(event string, fn func(Recorder) error) {
	for _, r := range h.recorders {
		if err := fn(r); err != nil {
			h.logger.Warn("failed to record "+event, zap.Error(err))
		}
	}
}

// closedBefore reports a run whose resources were torn down by Close before
// step could start.
func closedBefore(step string) error {
	return runerr.New(runerr.KindInterrupted, step, "run was closed before "+step)
}

// asKind keeps typed errors and wraps anything else with kind.
func asKind(err error, kind runerr.Kind, step, message string) error {
	var e *runerr.Error
	if errors.As(err, &e) {
		return err
	}
	return runerr.Wrap(kind, step, message, err)
}

func outcomeOf(report *Report, err error) (string, string) {
	if err == nil {
		return string(poll.OutcomeSucceeded), ""
	}
	var e *runerr.Error
	if !errors.As(err, &e) {
		return "FAILED", ""
	}
	switch e.Kind {
	case runerr.KindPollingTimeout:
		if report.Attempts > 0 {
			return string(poll.OutcomeTimedOut), e.Step
		}
	case runerr.KindJobFailure:
		return string(poll.OutcomeJobFailed), e.Step
	}
	return string(e.Kind), e.Step
}
