package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/runerr"
)

// ContainerLauncher runs jobs as Docker containers.
//
// Launch parameters become --name=value container arguments. Containers are
// kept after exit so their state can be inspected; Close removes them.
type ContainerLauncher struct {
	pool        *dockertest.Pool
	repository  string
	tag         string
	networkMode string
	env         []string
	grace       time.Duration
	logger      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*containerJob
}

type containerJob struct {
	resource  *dockertest.Resource
	cancelled bool
}

// ContainerConfig configures a ContainerLauncher.
type ContainerConfig struct {
	// Image is the pipeline image reference, e.g. "registry:5000/pipeline:1.2".
	Image string

	// NetworkMode is passed to the container host config ("host" lets the
	// job reach databases published on localhost).
	NetworkMode string

	// Env entries (KEY=VALUE) for the container.
	Env []string

	// GracePeriod is how long a stop waits before killing. Defaults to
	// DefaultGracePeriod.
	GracePeriod time.Duration
}

// NewContainerLauncher creates a launcher backed by pool.
func NewContainerLauncher(pool *dockertest.Pool, cfg ContainerConfig, logger *zap.Logger) *ContainerLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	repo, tag := SplitImage(cfg.Image)
	return &ContainerLauncher{
		pool:        pool,
		repository:  repo,
		tag:         tag,
		networkMode: cfg.NetworkMode,
		env:         cfg.Env,
		grace:       grace,
		logger:      logger,
		jobs:        make(map[string]*containerJob),
	}
}

// Launch starts the container.
func (l *ContainerLauncher) Launch(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
	if l.repository == "" {
		return nil, runerr.New(runerr.KindLaunch, "launch", "no job image configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, runerr.Wrap(runerr.KindLaunch, "launch", "launch aborted", err)
	}

	resource, err := l.pool.RunWithOptions(&dockertest.RunOptions{
		Repository: l.repository,
		Tag:        l.tag,
		Cmd:        ParameterArgs(cfg.Parameters),
		Env:        l.env,
		Labels: map[string]string{
			"localrunner.job":     cfg.JobName,
			"localrunner.project": cfg.Project,
			"localrunner.region":  cfg.Region,
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = false
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
		if l.networkMode != "" {
			hc.NetworkMode = l.networkMode
		}
	})
	if err != nil {
		return nil, runerr.Wrap(runerr.KindLaunch, "launch", "unable to start job container", err)
	}

	id := resource.Container.ID
	l.mu.Lock()
	l.jobs[id] = &containerJob{resource: resource}
	l.mu.Unlock()

	l.logger.Info("job container started",
		zap.String("job_id", id),
		zap.String("image", l.repository+":"+l.tag),
	)
	return NewHandle(id, cfg.Project, cfg.Region, StatePending), nil
}

// QueryState inspects the container.
func (l *ContainerLauncher) QueryState(_ context.Context, h *Handle) (State, error) {
	j, err := l.lookup(h)
	if err != nil {
		return StateUnknown, err
	}
	return l.inspect(h.ID, j)
}

func (l *ContainerLauncher) inspect(id string, j *containerJob) (State, error) {
	c, err := l.pool.Client.InspectContainer(id)
	if err != nil {
		return StateUnknown, err
	}

	l.mu.Lock()
	cancelled := j.cancelled
	l.mu.Unlock()
	return containerState(c.State, cancelled), nil
}

// Cancel stops the container.
func (l *ContainerLauncher) Cancel(_ context.Context, h *Handle) error {
	j, err := l.lookup(h)
	if err != nil {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to stop job "+handleID(h), err)
	}
	state, err := l.inspect(h.ID, j)
	if err != nil {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to stop job "+h.ID, err)
	}
	if state.IsFinishing() {
		return nil
	}

	l.mu.Lock()
	j.cancelled = true
	l.mu.Unlock()

	err = l.pool.Client.StopContainer(h.ID, uint(l.grace/time.Second))
	var notRunning *docker.ContainerNotRunning
	if err != nil && !errors.As(err, &notRunning) {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to stop job "+h.ID, err)
	}
	return nil
}

// Close removes every container started by this launcher.
func (l *ContainerLauncher) Close() error {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = make(map[string]*containerJob)
	l.mu.Unlock()

	var errs []error
	for id, j := range jobs {
		if err := l.pool.Purge(j.resource); err != nil {
			l.logger.Warn("failed to remove job container", zap.String("job_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *ContainerLauncher) lookup(h *Handle) (*containerJob, error) {
	if h == nil {
		return nil, errors.New("nil job handle")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[h.ID]
	if !ok {
		return nil, errors.New("unknown job " + h.ID)
	}
	return j, nil
}

func handleID(h *Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.ID
}

// containerState maps Docker container state onto a job State.
func containerState(s docker.State, cancelled bool) State {
	switch {
	case s.Running, s.Restarting, s.Paused:
		return StateRunning
	case s.Status == "created":
		return StatePending
	case s.Status == "exited" || s.Dead:
		if cancelled {
			return StateCancelled
		}
		if s.ExitCode == 0 && !s.OOMKilled {
			return StateDone
		}
		return StateFailed
	default:
		return StateUnknown
	}
}

// SplitImage splits an image reference into repository and tag. The tag
// defaults to "latest"; a registry port is not mistaken for a tag.
func SplitImage(image string) (string, string) {
	i := strings.LastIndex(image, ":")
	if i < 0 || strings.Contains(image[i+1:], "/") {
		return image, "latest"
	}
	return image[:i], image[i+1:]
}
