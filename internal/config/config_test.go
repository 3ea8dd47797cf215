package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWithBase(t *testing.T) *Settings {
	t.Helper()
	base := t.TempDir()
	t.Setenv("QUEUE_ROOT", filepath.Join(base, "queue"))
	t.Setenv("ARTIFACTS_ROOT", filepath.Join(base, "artifacts"))
	t.Setenv("WORKSPACES_ROOT", filepath.Join(base, "workspaces"))
	t.Setenv("STATE_DB_PATH", filepath.Join(base, "var", "state.db"))
	s, err := Load()
	require.NoError(t, err)
	return s
}

func TestLoadDefaults(t *testing.T) {
	s := loadWithBase(t)
	assert.False(t, s.EnableRealCLI)
	assert.True(t, s.Sandbox)
	assert.Equal(t, "deny", s.NetworkPolicy)
	assert.Equal(t, "needs_human", s.NonGitWorkdirStatus)
	assert.Equal(t, 600, s.RunnerReclaimAfterSec)
	assert.Equal(t, 3, s.MaxReclaimAttempts)
	assert.Equal(t, 64, s.StepTransitionLimit)
	assert.Equal(t, 0, s.MaxDailyAPICalls)
	assert.Equal(t, 30, s.SchedulerTickSec)
	assert.DirExists(t, s.QueueRoot)
	assert.DirExists(t, s.ArtifactsRoot)
}

func TestLoadParsesListsAndMaps(t *testing.T) {
	project := t.TempDir()
	t.Setenv("ALLOWED_BINARIES", "claude, codex ,git")
	t.Setenv("PROJECT_ALIASES", "api="+project+", bad-entry , broken=")
	t.Setenv("MIN_BINARY_VERSIONS", "claude=1.2.0,codex=0.4:version")

	s := loadWithBase(t)
	assert.Equal(t, []string{"claude", "codex", "git"}, s.AllowedBinaries)
	assert.Equal(t, map[string]string{"api": project}, s.ProjectAliases)
	assert.Equal(t, BinaryVersion{Min: "1.2.0", Cmd: "--version"}, s.MinBinaryVersions["claude"])
	assert.Equal(t, BinaryVersion{Min: "0.4", Cmd: "version"}, s.MinBinaryVersions["codex"])
}

func TestLoadRejectsBadNetworkPolicy(t *testing.T) {
	t.Setenv("NETWORK_POLICY", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadVersionMap(t *testing.T) {
	t.Setenv("MIN_BINARY_VERSIONS", "claude")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadNormalizesNonGitWorkdirStatus(t *testing.T) {
	t.Setenv("NON_GIT_WORKDIR_STATUS", "FAILED")
	s := loadWithBase(t)
	assert.Equal(t, "failed", s.NonGitWorkdirStatus)

	t.Setenv("NON_GIT_WORKDIR_STATUS", "whatever")
	s = loadWithBase(t)
	assert.Equal(t, "needs_human", s.NonGitWorkdirStatus, "unknown values fall back to the default")
}
