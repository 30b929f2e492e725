package harness

import (
	"context"
	"time"

	"github.com/roach88/localrunner/internal/poll"
)

// RunInfo describes a run once its resources exist.
type RunInfo struct {
	RunID      string
	JobName    string
	Project    string
	Region     string
	Bucket     string
	SpecPath   string
	Conditions []string
	StartedAt  time.Time
}

// Recorder observes a run. Errors are logged and never affect the run.
type Recorder interface {
	RunStarted(ctx context.Context, info RunInfo) error
	JobLaunched(ctx context.Context, runID, jobID string) error
	AttemptObserved(ctx context.Context, runID string, a poll.Attempt) error
	RunFinished(ctx context.Context, report *Report) error
}
