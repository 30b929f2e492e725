package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localrunner/internal/runerr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"outcome": "SUCCEEDED"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("POLLING_TIMEOUT", "conditions not met", map[string]string{"pending": "1:RETURN 0"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "POLLING_TIMEOUT", resp.Error.Code)
	assert.Equal(t, "conditions not met", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("Run succeeded"))
	assert.Contains(t, buf.String(), "Run succeeded")
}

func TestOutputFormatter_TextErrorUsesErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}

	require.NoError(t, formatter.Error("LAUNCH", "unable to start job", "details"))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [LAUNCH]: unable to start job")
	assert.Contains(t, errOut.String(), "details")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad flag", errors.New("x"))))
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitSuccess},
		{"configuration", runerr.New(runerr.KindConfiguration, "flags", "bad"), ExitCommandError},
		{"timeout", runerr.New(runerr.KindPollingTimeout, "poll", "late"), ExitFailure},
		{"job failure", runerr.New(runerr.KindJobFailure, "poll", "failed"), ExitFailure},
		{"with warnings", runerr.Attach(runerr.New(runerr.KindLaunch, "launch", "x"),
			runerr.New(runerr.KindTeardownWarning, "release", "y")), ExitFailure},
		{"untyped", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestIsReported(t *testing.T) {
	assert.False(t, IsReported(errors.New("x")))
	assert.False(t, IsReported(NewExitError(ExitFailure, "x")))
	assert.True(t, IsReported(&ExitError{Code: ExitFailure, Reported: true}))
}
