package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/foreman/internal/artifact"
	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/sanitize"
)

func testContext(t *testing.T, step *model.StepSpec) *StepContext {
	t.Helper()
	store := artifact.New(t.TempDir())
	job := &model.JobSpec{
		JobID:   "job-1",
		Goal:    "add retry logic to the fetcher",
		Workdir: ".",
		Steps:   []model.StepSpec{*step},
	}
	require.NoError(t, store.EnsureJobLayout(job.JobID))
	return &StepContext{
		Job:       job,
		Step:      step,
		Store:     store,
		Sanitizer: sanitize.New(nil),
		Limits:    PromptLimits{MaxFiles: 10, MaxFileChars: 1000, MaxTotalChars: 2000},
	}
}

func TestRegistryLookupUnknownAgent(t *testing.T) {
	reg := DefaultRegistry(false)
	assert.ElementsMatch(t, []string{"claude", "codex", "opencode"}, reg.Names())

	_, err := reg.Lookup("gemini")
	require.Error(t, err)
	var info *model.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, model.ErrCodeWorkerNotFound, info.Code)
}

func TestBuildPromptIncludesGoalRoleAndInstructions(t *testing.T) {
	sc := testContext(t, &model.StepSpec{
		StepID: "01_plan",
		Agent:  "opencode",
		Role:   "planner",
		Prompt: "draft the plan",
	})
	prompt := BuildPrompt(sc)
	assert.Contains(t, prompt, "# Goal\nadd retry logic to the fetcher")
	assert.Contains(t, prompt, "# Role\nplanner")
	assert.Contains(t, prompt, "# Instructions\ndraft the plan")
	assert.NotContains(t, prompt, "# Input artifacts")
}

func TestBuildPromptInputArtifactMarkers(t *testing.T) {
	sc := testContext(t, &model.StepSpec{
		StepID: "02_implement",
		Agent:  "codex",
		InputArtifacts: []string{
			"steps/01_plan/report.md",
			"steps/01_plan/missing.md",
			"../../etc/passwd",
			"/etc/passwd",
		},
	})
	require.NoError(t, sc.Store.WriteFile("job-1", "steps/01_plan/report.md", []byte("the plan\n")))

	prompt := BuildPrompt(sc)
	assert.Contains(t, prompt, "## steps/01_plan/report.md\nthe plan")
	assert.Contains(t, prompt, "## steps/01_plan/missing.md\n"+markerMissing)
	assert.Contains(t, prompt, "## ../../etc/passwd\n"+markerInvalidPath)
	assert.Contains(t, prompt, "## /etc/passwd\n"+markerInvalidPath)
	assert.NotContains(t, prompt, "root:")
}

func TestBuildPromptEnforcesCaps(t *testing.T) {
	sc := testContext(t, &model.StepSpec{
		StepID:         "03_review",
		Agent:          "claude",
		InputArtifacts: []string{"steps/a/report.md", "steps/b/report.md"},
	})
	sc.Limits = PromptLimits{MaxFiles: 10, MaxFileChars: 50, MaxTotalChars: 76}
	require.NoError(t, sc.Store.WriteFile("job-1", "steps/a/report.md", []byte(strings.Repeat("a", 200))))
	require.NoError(t, sc.Store.WriteFile("job-1", "steps/b/report.md", []byte("short")))

	prompt := BuildPrompt(sc)
	assert.Contains(t, prompt, markerFileLimit)
	assert.Contains(t, prompt, markerTotalLimit)
	assert.NotContains(t, prompt, "short")
}

func TestBuildPromptFileCountCap(t *testing.T) {
	sc := testContext(t, &model.StepSpec{
		StepID:         "03_review",
		Agent:          "claude",
		InputArtifacts: []string{"a.md", "b.md", "c.md"},
	})
	sc.Limits.MaxFiles = 2
	prompt := BuildPrompt(sc)
	assert.Contains(t, prompt, "## a.md")
	assert.Contains(t, prompt, "## b.md")
	assert.NotContains(t, prompt, "## c.md")
	assert.Contains(t, prompt, "1 further input artifacts omitted")
}

func TestSimulatorProducesContractArtifacts(t *testing.T) {
	sc := testContext(t, &model.StepSpec{
		StepID: "01_plan",
		Agent:  "opencode",
		Role:   "planner",
	})
	out, err := NewSimulator("opencode").Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, out.Status)
	assert.Contains(t, out.Report, "## Plan")

	// Run writes the contract files itself; no extra persistence step.
	stepDir, err := sc.Store.StepDir("job-1", "01_plan")
	require.NoError(t, err)
	for _, name := range []string{"report.md", "patch.diff", "logs.txt"} {
		_, statErr := os.Stat(filepath.Join(stepDir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestWriteArtifactsRedactsSecrets(t *testing.T) {
	sc := testContext(t, &model.StepSpec{StepID: "01_plan", Agent: "opencode"})
	sc.Sanitizer = sanitize.New(map[string]string{"ANTHROPIC_API_KEY": "super-secret-value"})

	out := &Outcome{
		Status: model.StatusOK,
		Report: "key is sk-ant-REDACTED and env super-secret-value",
		Logs:   "token=super-secret-value",
	}
	require.NoError(t, WriteArtifacts(sc, out))

	report := sc.Store.ReadFile("job-1", "steps/01_plan/report.md")
	assert.NotContains(t, report, "sk-ant-")
	assert.NotContains(t, report, "super-secret-value")
	assert.Contains(t, report, "[REDACTED:anthropic_key]")
	assert.Contains(t, report, "[REDACTED:env:ANTHROPIC_API_KEY]")
}
