package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/roach88/localrunner/internal/runerr"
)

// IDGenerator produces job identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 job ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DefaultGracePeriod is how long Cancel waits after an interrupt before
// killing the process.
const DefaultGracePeriod = 10 * time.Second

// ProcessLauncher runs jobs as local OS processes.
//
// Launch parameters are appended to Command as --name=value arguments in
// name order. Output of the process is forwarded to the logger.
type ProcessLauncher struct {
	command []string
	env     []string
	grace   time.Duration
	ids     IDGenerator
	logger  *zap.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	state     State
	cancelled bool
}

// ProcessOption configures a ProcessLauncher.
type ProcessOption func(*ProcessLauncher)

// WithEnv appends environment entries (KEY=VALUE) to the inherited environment.
func WithEnv(env ...string) ProcessOption {
	return func(l *ProcessLauncher) { l.env = append(l.env, env...) }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) ProcessOption {
	return func(l *ProcessLauncher) { l.grace = d }
}

// WithIDGenerator overrides the UUIDv7 job id generator.
func WithIDGenerator(g IDGenerator) ProcessOption {
	return func(l *ProcessLauncher) { l.ids = g }
}

// NewProcessLauncher creates a launcher for the given program and fixed
// arguments.
func NewProcessLauncher(command []string, logger *zap.Logger, opts ...ProcessOption) *ProcessLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &ProcessLauncher{
		command: command,
		grace:   DefaultGracePeriod,
		ids:     UUIDv7Generator{},
		logger:  logger,
		procs:   make(map[string]*process),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts the process.
func (l *ProcessLauncher) Launch(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
	if len(l.command) == 0 {
		return nil, runerr.New(runerr.KindLaunch, "launch", "no job command configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, runerr.Wrap(runerr.KindLaunch, "launch", "launch aborted", err)
	}

	id := l.ids.Generate()
	args := append(append([]string{}, l.command[1:]...), ParameterArgs(cfg.Parameters)...)
	logger := l.logger.With(zap.String("job_id", id), zap.String("job_name", cfg.JobName))

	out := &zapio.Writer{Log: logger.Named("job"), Level: zap.InfoLevel}
	cmd := exec.Command(l.command[0], args...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, runerr.Wrap(runerr.KindLaunch, "launch", "unable to start job", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{}), state: StateRunning}
	l.mu.Lock()
	l.procs[id] = p
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = out.Close()

		p.mu.Lock()
		switch {
		case p.cancelled:
			p.state = StateCancelled
		case err != nil:
			p.state = StateFailed
		default:
			p.state = StateDone
		}
		final := p.state
		p.mu.Unlock()
		close(p.done)

		logger.Info("job process exited", zap.Stringer("state", final), zap.Error(err))
	}()

	logger.Info("job process started", zap.Int("pid", cmd.Process.Pid))
	return NewHandle(id, cfg.Project, cfg.Region, StateRunning), nil
}

// QueryState returns the state of the process.
func (l *ProcessLauncher) QueryState(_ context.Context, h *Handle) (State, error) {
	p, err := l.lookup(h)
	if err != nil {
		return StateUnknown, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

// Cancel interrupts the process and kills it if it has not exited after
// the grace period.
func (l *ProcessLauncher) Cancel(ctx context.Context, h *Handle) error {
	p, err := l.lookup(h)
	if err != nil {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to stop job "+h.ID, err)
	}

	p.mu.Lock()
	if p.state.IsFinishing() {
		p.mu.Unlock()
		return nil
	}
	p.cancelled = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to stop job "+h.ID, err)
	}

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.logger.Warn("job did not exit after interrupt, killing", zap.String("job_id", h.ID))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return runerr.Wrap(runerr.KindCancellation, "cancel", "unable to kill job "+h.ID, err)
	}
	return nil
}

func (l *ProcessLauncher) lookup(h *Handle) (*process, error) {
	if h == nil {
		return nil, fmt.Errorf("nil job handle")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", h.ID)
	}
	return p, nil
}

// ParameterArgs renders parameters as --name=value arguments sorted by name.
func ParameterArgs(params map[string]string) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, len(names))
	for _, name := range names {
		args = append(args, "--"+name+"="+params[name])
	}
	return args
}
