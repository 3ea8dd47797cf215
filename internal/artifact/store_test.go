package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/foreman/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return New(root), root
}

func TestWriteFileCreatesLayoutAtomically(t *testing.T) {
	s, root := newTestStore(t)
	require.NoError(t, s.WriteFile("job-1", "steps/01_a/report.md", []byte("hello\n")))

	data, err := os.ReadFile(filepath.Join(root, "job-1", "steps", "01_a", "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Join(root, "job-1", "steps", "01_a"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestTraversalIsRejectedWithoutSideEffects(t *testing.T) {
	s, root := newTestStore(t)
	outside := filepath.Join(filepath.Dir(root), "victim.txt")

	var travErr *TraversalError
	err := s.WriteFile("job-1", "../victim.txt", []byte("x"))
	require.ErrorAs(t, err, &travErr)
	err = s.WriteFile("../job-1", "report.md", []byte("x"))
	require.ErrorAs(t, err, &travErr)
	err = s.WriteFile("job-1", "/etc/passwd", []byte("x"))
	require.Error(t, err)

	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSymlinkedAncestorCannotEscape(t *testing.T) {
	s, root := newTestStore(t)
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "job-1"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "job-1", "steps")))

	err := s.WriteFile("job-1", "steps/01_a/report.md", []byte("x"))
	var travErr *TraversalError
	require.ErrorAs(t, err, &travErr)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadFileMissingReturnsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "", s.ReadFile("job-1", "report.md"))
	assert.Equal(t, "", s.ReadFile("job-1", "../../etc/passwd"))
}

func TestStateRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	state := &model.JobState{
		JobID:     "job-1",
		Status:    "running",
		StartedAt: model.UTCNow(),
		Steps:     map[string]model.StepState{},
	}
	state.Touch("01_a", model.StepState{Status: model.StatusOK, Attempts: 1})
	state.Touch("02_b", model.StepState{Status: model.StatusFailed, Attempts: 2})
	require.NoError(t, s.WriteState("job-1", state))

	got, err := s.ReadState("job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Revision)
	assert.Equal(t, model.StatusOK, got.Steps["01_a"].Status)
	assert.Equal(t, 2, got.Steps["02_b"].Attempts)

	_, err = s.ReadState("no-such-job")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStepResultRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	res := &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         "job-1",
		StepID:        "01_a",
		Agent:         "claude",
		Status:        model.StatusOK,
		Attempts:      1,
		StartedAt:     model.UTCNow(),
		EndedAt:       model.UTCNow(),
		Artifacts:     model.StepArtifactPaths("01_a"),
	}
	require.NoError(t, s.WriteStepResult("job-1", "01_a", res))

	got, err := s.ReadStepResult("job-1", "01_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "01_a", got.StepID)

	missing, err := s.ReadStepResult("job-1", "02_b")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWriteJSONIsStableAndNewlineTerminated(t *testing.T) {
	s, root := newTestStore(t)
	require.NoError(t, s.WriteJSON("job-1", "result.json", map[string]string{"a": "b"}))
	data, err := os.ReadFile(filepath.Join(root, "job-1", "result.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": \"b\"\n}\n", string(data))
}
