package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/localrunner/internal/job"
	"github.com/roach88/localrunner/internal/poll"
	"github.com/roach88/localrunner/internal/resource"
)

// eventLog is an ordered, concurrency-safe record of side effects.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.all() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeStorage struct {
	log *eventLog

	mu        sync.Mutex
	objects   map[string][]byte
	createErr error
	writeErr  error
	deleteErr error
	onCreate  func()
	onWrite   func(name string)
}

func newFakeStorage(log *eventLog) *fakeStorage {
	return &fakeStorage{log: log, objects: make(map[string][]byte)}
}

func (f *fakeStorage) CreateScope(_ context.Context, runID string) (*resource.Scope, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.log.add("storage:create")
	return &resource.Scope{Scheme: "s3", Bucket: "bucket", Prefix: "LocalRunner/" + runID}, nil
}

func (f *fakeStorage) WriteArtifact(_ context.Context, scope *resource.Scope, name string, content []byte) (string, error) {
	if f.onWrite != nil {
		f.onWrite(name)
	}
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.mu.Lock()
	f.objects[name] = content
	f.mu.Unlock()
	f.log.add("storage:write:%s", name)
	return scope.URI(name), nil
}

func (f *fakeStorage) DeleteScope(context.Context, *resource.Scope) error {
	f.log.add("storage:delete")
	return f.deleteErr
}

func (f *fakeStorage) object(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[name]
}

// fakeQuerier answers every query with a single count row. The count moves
// to the final value after a number of calls.
type fakeQuerier struct {
	mu         sync.Mutex
	calls      int
	finalAfter int
	final      int64
}

func (q *fakeQuerier) Query(context.Context, string) ([]map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.finalAfter > 0 && q.calls >= q.finalAfter {
		return []map[string]any{{"count": q.final}}, nil
	}
	return []map[string]any{{"count": int64(0)}}, nil
}

type fakeDatabase struct {
	log       *eventLog
	querier   *fakeQuerier
	createErr error
	destroy   func() error
}

func (f *fakeDatabase) Create(_ context.Context, runID string) (*resource.Database, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.log.add("database:create")
	return &resource.Database{
		InstanceID: runID,
		URI:        "neo4j://localhost:7687",
		Name:       resource.Neo4jDatabase,
		Username:   resource.Neo4jUsername,
		Password:   resource.DefaultNeo4jPassword,
		Querier:    f.querier,
	}, nil
}

func (f *fakeDatabase) Destroy(context.Context, *resource.Database) error {
	f.log.add("database:destroy")
	if f.destroy != nil {
		return f.destroy()
	}
	return nil
}

// fakeLauncher replays a scripted sequence of states.
type fakeLauncher struct {
	log *eventLog

	mu        sync.Mutex
	states    []job.State
	queries   int
	queryErr  func(n int) error
	onQuery   func(n int)
	launchErr error
	cancelErr error
	launched  []job.LaunchConfig
	cancelled bool
}

func (f *fakeLauncher) Launch(_ context.Context, cfg job.LaunchConfig) (*job.Handle, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.mu.Lock()
	f.launched = append(f.launched, cfg)
	f.mu.Unlock()
	f.log.add("job:launch")
	return job.NewHandle("job-1", cfg.Project, cfg.Region, job.StateRunning), nil
}

func (f *fakeLauncher) QueryState(context.Context, *job.Handle) (job.State, error) {
	f.mu.Lock()
	f.queries++
	n := f.queries
	hook, errFn := f.onQuery, f.queryErr
	var state job.State
	switch {
	case f.cancelled:
		state = job.StateCancelled
	case len(f.states) == 0:
		state = job.StateRunning
	case n > len(f.states):
		state = f.states[len(f.states)-1]
	default:
		state = f.states[n-1]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if errFn != nil {
		if err := errFn(n); err != nil {
			return job.StateUnknown, err
		}
	}
	return state, nil
}

func (f *fakeLauncher) Cancel(context.Context, *job.Handle) error {
	f.log.add("job:cancel")
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLauncher) launchConfigs() []job.LaunchConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.LaunchConfig(nil), f.launched...)
}

// fakeRecorder collects recorder callbacks.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []RunInfo
	jobs     []string
	attempts []poll.Attempt
	finished []*Report
	err      error

	onStarted func()
}

func (r *fakeRecorder) RunStarted(_ context.Context, info RunInfo) error {
	r.mu.Lock()
	r.started = append(r.started, info)
	hook := r.onStarted
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.err
}

func (r *fakeRecorder) JobLaunched(_ context.Context, _ string, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	return r.err
}

func (r *fakeRecorder) AttemptObserved(_ context.Context, _ string, a poll.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return r.err
}

func (r *fakeRecorder) RunFinished(_ context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, report)
	return r.err
}

type fakeCredentials struct{ err error }

func (f fakeCredentials) Resolve(context.Context) error { return f.err }

var errBoom = errors.New("boom")
