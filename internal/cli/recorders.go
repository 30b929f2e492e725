package cli

import (
	"context"
	"time"

	"github.com/roach88/localrunner/internal/harness"
	"github.com/roach88/localrunner/internal/journal"
	"github.com/roach88/localrunner/internal/metrics"
	"github.com/roach88/localrunner/internal/poll"
)

// journalRecorder writes run events to the run journal.
type journalRecorder struct {
	journal *journal.Journal
	now     func() time.Time
}

func (r *journalRecorder) RunStarted(ctx context.Context, info harness.RunInfo) error {
	return r.journal.StartRun(ctx, journal.Run{
		ID:         info.RunID,
		JobName:    info.JobName,
		Project:    info.Project,
		Region:     info.Region,
		Bucket:     info.Bucket,
		SpecPath:   info.SpecPath,
		Conditions: info.Conditions,
		StartedAt:  info.StartedAt,
	})
}

func (r *journalRecorder) JobLaunched(ctx context.Context, runID, jobID string) error {
	return r.journal.RecordJob(ctx, runID, jobID)
}

func (r *journalRecorder) AttemptObserved(ctx context.Context, runID string, a poll.Attempt) error {
	pending := make([]string, 0, len(a.Results))
	for _, res := range a.Results {
		if !res.Passed {
			pending = append(pending, res.Name)
		}
	}
	return r.journal.RecordAttempt(ctx, runID, journal.Attempt{
		Number:     a.Number,
		State:      a.State.String(),
		Pending:    pending,
		ObservedAt: a.ObservedAt,
	})
}

func (r *journalRecorder) RunFinished(ctx context.Context, report *harness.Report) error {
	if report.RunID == "" {
		// Nothing was provisioned, so the run was never journaled.
		return nil
	}
	var errText string
	if report.Step != "" {
		errText = report.Outcome + " [" + report.Step + "]"
	}
	return r.journal.FinishRun(ctx, report.RunID, report.Outcome, errText, len(report.Warnings), r.now())
}

// metricsRecorder counts run events.
type metricsRecorder struct {
	metrics *metrics.Metrics
}

func (r *metricsRecorder) RunStarted(context.Context, harness.RunInfo) error { return nil }

func (r *metricsRecorder) JobLaunched(context.Context, string, string) error { return nil }

func (r *metricsRecorder) AttemptObserved(_ context.Context, _ string, a poll.Attempt) error {
	results := make(map[string]bool, len(a.Results))
	for _, res := range a.Results {
		results[res.Name] = res.Passed
	}
	r.metrics.ObserveAttempt(a.State.String(), results)
	return nil
}

func (r *metricsRecorder) RunFinished(_ context.Context, report *harness.Report) error {
	r.metrics.ObserveRun(report.Outcome, report.Elapsed.Seconds(), len(report.Warnings))
	return nil
}
