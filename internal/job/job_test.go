package job

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localrunner/internal/runerr"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "PENDING"},
		{StateRunning, "RUNNING"},
		{StateDone, "DONE"},
		{StateFailed, "FAILED"},
		{StateCancelled, "CANCELLED"},
		{StateUnknown, "UNKNOWN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestStateClassification(t *testing.T) {
	assert.False(t, StatePending.IsFinishing())
	assert.False(t, StateRunning.IsFinishing())
	assert.False(t, StateUnknown.IsFinishing())
	assert.True(t, StateDone.IsFinishing())
	assert.True(t, StateFailed.IsFinishing())
	assert.True(t, StateCancelled.IsFinishing())

	assert.False(t, StateDone.IsFailure())
	assert.True(t, StateFailed.IsFailure())
	assert.True(t, StateCancelled.IsFailure())
	assert.False(t, StateRunning.IsFailure())
}

func TestHandleObserve(t *testing.T) {
	h := NewHandle("job-1", "proj", "us-central1", StatePending)
	assert.Equal(t, StatePending, h.State())
	h.Observe(StateRunning)
	assert.Equal(t, StateRunning, h.State())
}

func TestParameterArgs_Sorted(t *testing.T) {
	args := ParameterArgs(map[string]string{
		"tempLocation":       "s3://bucket/temp/",
		"jobSpecUri":         "s3://bucket/LocalRunner/run/spec.json",
		"neo4jConnectionUri": "s3://bucket/LocalRunner/run/neo4j.json",
	})
	assert.Equal(t, []string{
		"--jobSpecUri=s3://bucket/LocalRunner/run/spec.json",
		"--neo4jConnectionUri=s3://bucket/LocalRunner/run/neo4j.json",
		"--tempLocation=s3://bucket/temp/",
	}, args)
}

func TestSplitImage(t *testing.T) {
	tests := []struct {
		image, repo, tag string
	}{
		{"pipeline", "pipeline", "latest"},
		{"pipeline:1.2", "pipeline", "1.2"},
		{"registry:5000/pipeline", "registry:5000/pipeline", "latest"},
		{"registry:5000/pipeline:2", "registry:5000/pipeline", "2"},
	}
	for _, tt := range tests {
		repo, tag := SplitImage(tt.image)
		assert.Equal(t, tt.repo, repo, tt.image)
		assert.Equal(t, tt.tag, tag, tt.image)
	}
}

func TestContainerState(t *testing.T) {
	assert.Equal(t, StateRunning, containerState(docker.State{Running: true, Status: "running"}, false))
	assert.Equal(t, StatePending, containerState(docker.State{Status: "created"}, false))
	assert.Equal(t, StateDone, containerState(docker.State{Status: "exited", ExitCode: 0}, false))
	assert.Equal(t, StateFailed, containerState(docker.State{Status: "exited", ExitCode: 2}, false))
	assert.Equal(t, StateFailed, containerState(docker.State{Status: "exited", OOMKilled: true}, false))
	assert.Equal(t, StateCancelled, containerState(docker.State{Status: "exited", ExitCode: 143}, true))
	assert.Equal(t, StateUnknown, containerState(docker.State{Status: "removing"}, false))
}

type fixedIDs string

func (f fixedIDs) Generate() string { return string(f) }

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func waitForState(t *testing.T, l *ProcessLauncher, h *Handle, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := l.QueryState(context.Background(), h)
		return err == nil && s == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessLauncher_Done(t *testing.T) {
	skipWithoutShell(t)
	l := NewProcessLauncher([]string{"sh", "-c", "exit 0", "job"}, nil, WithIDGenerator(fixedIDs("job-done")))

	h, err := l.Launch(context.Background(), LaunchConfig{JobName: "LocalRunner", Project: "p", Region: "r"})
	require.NoError(t, err)
	assert.Equal(t, "job-done", h.ID)
	assert.Equal(t, "p", h.Project)
	assert.Equal(t, "r", h.Region)

	waitForState(t, l, h, StateDone)
}

func TestProcessLauncher_Failed(t *testing.T) {
	skipWithoutShell(t)
	l := NewProcessLauncher([]string{"sh", "-c", "exit 3", "job"}, nil)

	h, err := l.Launch(context.Background(), LaunchConfig{JobName: "LocalRunner"})
	require.NoError(t, err)
	waitForState(t, l, h, StateFailed)
}

func TestProcessLauncher_ReceivesParameters(t *testing.T) {
	skipWithoutShell(t)
	script := `[ "$1" = "--jobSpecUri=s3://b/spec.json" ] && [ "$2" = "--tempLocation=s3://b/temp/" ]`
	l := NewProcessLauncher([]string{"sh", "-c", script, "job"}, nil)

	h, err := l.Launch(context.Background(), LaunchConfig{
		JobName: "LocalRunner",
		Parameters: map[string]string{
			"tempLocation": "s3://b/temp/",
			"jobSpecUri":   "s3://b/spec.json",
		},
	})
	require.NoError(t, err)
	waitForState(t, l, h, StateDone)
}

func TestProcessLauncher_Cancel(t *testing.T) {
	skipWithoutShell(t)
	l := NewProcessLauncher([]string{"sleep", "30"}, nil, WithGracePeriod(2*time.Second))

	h, err := l.Launch(context.Background(), LaunchConfig{JobName: "LocalRunner"})
	require.NoError(t, err)

	state, err := l.QueryState(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, l.Cancel(context.Background(), h))
	waitForState(t, l, h, StateCancelled)

	// Cancelling a finished job is a no-op.
	require.NoError(t, l.Cancel(context.Background(), h))
}

func TestProcessLauncher_NoCommand(t *testing.T) {
	l := NewProcessLauncher(nil, nil)
	_, err := l.Launch(context.Background(), LaunchConfig{})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindLaunch))
}

func TestProcessLauncher_StartFailure(t *testing.T) {
	l := NewProcessLauncher([]string{"/nonexistent/localrunner-job"}, nil)
	_, err := l.Launch(context.Background(), LaunchConfig{})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindLaunch))
}

func TestProcessLauncher_UnknownHandle(t *testing.T) {
	l := NewProcessLauncher([]string{"true"}, nil)
	h := NewHandle("missing", "", "", StateRunning)

	_, err := l.QueryState(context.Background(), h)
	require.Error(t, err)

	err = l.Cancel(context.Background(), h)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindCancellation))
}

func TestContainerLauncher_CancelAfterClose(t *testing.T) {
	l := NewContainerLauncher(nil, ContainerConfig{Image: "pipeline:1"}, nil)
	require.NoError(t, l.Close())

	h := NewHandle("gone", "", "", StateRunning)
	err := l.Cancel(context.Background(), h)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindCancellation))

	err = l.Cancel(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<nil>")
}
