package subproc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRunEmptyArgvIsAnError(t *testing.T) {
	_, err := Run(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), []string{"definitely-not-a-binary-xyz"}, Options{})
	assert.Error(t, err)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), []string{"sh", "-c", "sleep 30"}, Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunIdleWatchdogFiresOnSilence(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo hi; sleep 30"}, Options{
		Timeout:     20 * time.Second,
		IdleTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.KilledByWatchdog)
	assert.Contains(t, res.Stdout, "hi")
}

func TestRunOutputIsCapped(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "yes x | head -c 100000"}, Options{MaxOutputChars: 1000})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 1100)
	assert.Contains(t, res.Stdout, "[output truncated]")
}

func TestRunEnvironmentIsAllowlisted(t *testing.T) {
	t.Setenv("FOREMAN_TEST_SECRET", "leakme")
	t.Setenv("FOREMAN_TEST_ALLOWED", "visible")

	res, err := Run(context.Background(), []string{"env"}, Options{EnvAllowlist: []string{"FOREMAN_TEST_ALLOWED"}})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "FOREMAN_TEST_ALLOWED=visible")
	assert.NotContains(t, res.Stdout, "FOREMAN_TEST_SECRET")
	assert.Contains(t, res.Stdout, "PATH=")
}

func TestBuildEnvClearEnvKeepsOnlyPath(t *testing.T) {
	t.Setenv("HOME", "/home/someone")
	env := buildEnv([]string{"FOREMAN_TEST_ALLOWED"}, true)
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "HOME=")
	assert.Contains(t, joined, "PATH=")
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), []string{"pwd"}, Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(res.Stdout))
}
