package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/queue"
)

func newTestSweeper(t *testing.T) (*Sweeper, *queue.FileQueue, string, string) {
	t.Helper()
	base := t.TempDir()
	artifacts := filepath.Join(base, "artifacts")
	workspaces := filepath.Join(base, "workspaces")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.MkdirAll(workspaces, 0o755))
	q, err := queue.New(filepath.Join(base, "queue"))
	require.NoError(t, err)
	return New(q, artifacts, workspaces, time.Hour, time.Hour), q, artifacts, workspaces
}

func makeAged(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, old, old))
	return dir
}

func TestSweepRemovesExpiredDirectories(t *testing.T) {
	s, _, artifacts, workspaces := newTestSweeper(t)
	expired := makeAged(t, artifacts, "old-job", 2*time.Hour)
	fresh := makeAged(t, artifacts, "new-job", time.Minute)
	expiredWS := makeAged(t, workspaces, "old-job", 2*time.Hour)

	res, err := s.Sweep()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{expired, expiredWS}, res.Removed)
	assert.NoDirExists(t, expired)
	assert.DirExists(t, fresh)
}

func TestSweepProtectsActiveJobs(t *testing.T) {
	s, q, artifacts, _ := newTestSweeper(t)
	_, err := q.Enqueue(&model.JobSpec{
		JobID:   "active-job",
		Goal:    "still running",
		Workdir: ".",
		Steps:   []model.StepSpec{{StepID: "01_a", Agent: "claude"}},
	})
	require.NoError(t, err)
	dir := makeAged(t, artifacts, "active-job", 48*time.Hour)

	res, err := s.Sweep()
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, 1, res.Protected)
	assert.DirExists(t, dir)
}

func TestSweepSkipsSymlinks(t *testing.T) {
	s, _, artifacts, _ := newTestSweeper(t)
	outside := t.TempDir()
	victim := filepath.Join(outside, "precious")
	require.NoError(t, os.MkdirAll(victim, 0o755))
	link := filepath.Join(artifacts, "sneaky-job")
	require.NoError(t, os.Symlink(outside, link))
	old := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(link, old, old)

	res, err := s.Sweep()
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.DirExists(t, victim)
}

func TestZeroTTLDisablesSweep(t *testing.T) {
	s, _, artifacts, _ := newTestSweeper(t)
	s.artifactsTTL = 0
	s.workspacesTTL = 0
	dir := makeAged(t, artifacts, "ancient", 1000*time.Hour)

	res, err := s.Sweep()
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.DirExists(t, dir)
}

func TestRecentAccessKeepsDirectory(t *testing.T) {
	s, _, artifacts, _ := newTestSweeper(t)
	dir := filepath.Join(artifacts, "read-recently")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// Old mtime, fresh atime.
	require.NoError(t, os.Chtimes(dir, time.Now(), time.Now().Add(-2*time.Hour)))

	res, err := s.Sweep()
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.DirExists(t, dir)
}
