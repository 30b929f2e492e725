package job

import (
	"context"
	"sync"
)

// Handle identifies a launched job.
//
// Identity fields are fixed at launch. The state snapshot is updated by
// Observe and may be read concurrently, since the interruption path reads
// it while the polling loop writes it.
type Handle struct {
	ID      string
	Project string
	Region  string

	mu    sync.Mutex
	state State
}

// NewHandle creates a handle in the given initial state.
func NewHandle(id, project, region string, initial State) *Handle {
	return &Handle{ID: id, Project: project, Region: region, state: initial}
}

// State returns the last observed state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Observe records a freshly queried state.
func (h *Handle) Observe(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// LaunchConfig describes the job to start.
type LaunchConfig struct {
	// JobName is a human-readable name for the job.
	JobName string

	// Project and Region scope the job.
	Project string
	Region  string

	// Parameters are passed to the job as named string values. At minimum
	// they point at the uploaded job spec, the connection metadata and a
	// scratch location.
	Parameters map[string]string
}

// Launcher starts, cancels and inspects jobs.
type Launcher interface {
	// Launch starts a job. On error no job is left running.
	Launch(ctx context.Context, cfg LaunchConfig) (*Handle, error)

	// Cancel requests cancellation. It is a no-op for finishing jobs and
	// fails only when the request itself cannot be issued.
	Cancel(ctx context.Context, h *Handle) error

	// QueryState returns the current state. It is cheap and repeatable.
	QueryState(ctx context.Context, h *Handle) (State, error)
}
