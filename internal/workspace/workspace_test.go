package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/foreman/internal/model"
)

func newTestManager(t *testing.T, aliases map[string]string, allowAbs bool) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "workspaces"), aliases, allowAbs)
	require.NoError(t, err)
	return m
}

func TestResolveSourceProjectAlias(t *testing.T) {
	project := t.TempDir()
	m := newTestManager(t, map[string]string{"api": project}, false)

	src, err := m.ResolveSource(&model.JobSpec{ProjectID: "api"})
	require.NoError(t, err)
	assert.Equal(t, project, src)

	_, err = m.ResolveSource(&model.JobSpec{ProjectID: "unknown"})
	var wsErr *Error
	assert.ErrorAs(t, err, &wsErr)
}

func TestResolveSourceAbsoluteWorkdirGate(t *testing.T) {
	dir := t.TempDir()
	locked := newTestManager(t, nil, false)
	_, err := locked.ResolveSource(&model.JobSpec{Workdir: dir})
	assert.Error(t, err)

	open := newTestManager(t, nil, true)
	src, err := open.ResolveSource(&model.JobSpec{Workdir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, src)

	_, err = open.ResolveSource(&model.JobSpec{Workdir: "relative/path"})
	assert.Error(t, err)
}

func TestResolveSourceEmptyWorkdir(t *testing.T) {
	m := newTestManager(t, nil, false)
	for _, workdir := range []string{"", "."} {
		src, err := m.ResolveSource(&model.JobSpec{Workdir: workdir})
		require.NoError(t, err)
		assert.Equal(t, "", src)
	}
}

func TestPrepareEmptyWorkspace(t *testing.T) {
	m := newTestManager(t, nil, false)
	layout, err := m.Prepare(context.Background(), "job-1", "")
	require.NoError(t, err)
	assert.DirExists(t, layout.Workdir)
	assert.False(t, layout.GitRepo)
	assert.Equal(t, filepath.Join(layout.Root, "work"), layout.Workdir)
}

func TestPrepareCopiesNonGitSource(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "a.go"), []byte("package pkg\n"), 0o644))

	m := newTestManager(t, map[string]string{"proj": src}, false)
	layout, err := m.Prepare(context.Background(), "job-2", src)
	require.NoError(t, err)
	assert.False(t, layout.GitRepo)

	data, err := os.ReadFile(filepath.Join(layout.Workdir, "pkg", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(data))
}

func TestPrepareRefusesSymlinkInSource(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.Symlink("/etc", filepath.Join(src, "link")))

	m := newTestManager(t, nil, false)
	_, err := m.Prepare(context.Background(), "job-3", src)
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	assert.Contains(t, wsErr.Message, "symlink")
}

func TestPrepareRejectsBadJobID(t *testing.T) {
	m := newTestManager(t, nil, false)
	for _, id := range []string{"", "..", "a/b", ".hidden"} {
		_, err := m.Prepare(context.Background(), id, "")
		assert.Error(t, err, "job id %q", id)
	}
}

func TestPrepareRefusesNonEmptyExistingWorkspace(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o644))

	m := newTestManager(t, nil, false)
	_, err := m.Prepare(context.Background(), "job-4", src)
	require.NoError(t, err)
	_, err = m.Prepare(context.Background(), "job-4", src)
	assert.Error(t, err)
}

func TestPrepareRefusesSymlinkedWorkspaceComponent(t *testing.T) {
	m := newTestManager(t, nil, false)
	elsewhere := t.TempDir()
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(m.root, "job-5")))

	_, err := m.Prepare(context.Background(), "job-5", "")
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	assert.Contains(t, wsErr.Message, "symlink")
}
