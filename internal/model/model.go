// Package model defines the job, step, and result contracts shared by the
// queue, runner, scheduler, and workers.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on specs and results.
const SchemaVersion = "1.0"

// Step and job statuses.
const (
	StatusOK         = "ok"
	StatusFailed     = "failed"
	StatusNeedsHuman = "needs_human"
	StatusSkipped    = "skipped"
)

// Error codes carried in ErrorInfo.Code.
const (
	ErrCodeValidation              = "validation_error"
	ErrCodeDuplicateJob            = "duplicate_job"
	ErrCodeQueueEmpty              = "queue_empty"
	ErrCodeWorkerNotFound          = "worker_not_found"
	ErrCodeWorkerContractViolation = "worker_contract_violation"
	ErrCodeTimeout                 = "timeout"
	ErrCodeBudgetExceeded          = "budget_exceeded"
	ErrCodeSubprocessExitNonzero   = "subprocess_exit_nonzero"
	ErrCodePolicyViolation         = "policy_violation"
	ErrCodePathTraversal           = "path_traversal"
	ErrCodeTransientIO             = "transient_io"
	ErrCodeStepTransitionLimit     = "step_transition_limit"
	ErrCodeRunnerShutdown          = "runner_shutdown"
	ErrCodePreflightFailed         = "preflight_failed"
)

// OnFailure directives.
const (
	OnFailureStop       = "stop"
	OnFailureContinue   = "continue"
	OnFailureAskHuman   = "ask_human"
	OnFailureGotoPrefix = "goto:"
)

// UTCNow returns the current time formatted as UTC RFC3339.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// JobSource records how a job entered the system.
type JobSource struct {
	Type string            `json:"type"`
	Meta map[string]string `json:"meta,omitempty"`
}

// StepSpec describes a single worker invocation within a job.
type StepSpec struct {
	StepID         string   `json:"step_id"`
	Agent          string   `json:"agent"`
	Role           string   `json:"role,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	InputArtifacts []string `json:"input_artifacts,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	TimeoutSec     int      `json:"timeout_sec,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	OnFailure      string   `json:"on_failure,omitempty"`
}

// PolicySpec carries per-job execution policy overrides.
type PolicySpec struct {
	Sandbox         *bool    `json:"sandbox,omitempty"`
	Network         string   `json:"network,omitempty"`
	AllowedBinaries []string `json:"allowed_binaries,omitempty"`
}

// JobSpec is the input contract for one job.
type JobSpec struct {
	SchemaVersion   string            `json:"schema_version,omitempty"`
	JobID           string            `json:"job_id"`
	CreatedAt       string            `json:"created_at,omitempty"`
	Source          JobSource         `json:"source,omitempty"`
	Goal            string            `json:"goal"`
	ProjectID       string            `json:"project_id,omitempty"`
	Workdir         string            `json:"workdir"`
	Steps           []StepSpec        `json:"steps"`
	Policy          *PolicySpec       `json:"policy,omitempty"`
	ContextWindow   int               `json:"context_window,omitempty"`
	ContextStrategy string            `json:"context_strategy,omitempty"`
	Schedule        string            `json:"schedule,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Step returns the step with the given id, or nil.
func (j *JobSpec) Step(stepID string) *StepSpec {
	for i := range j.Steps {
		if j.Steps[i].StepID == stepID {
			return &j.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the index of the step with the given id, or -1.
func (j *JobSpec) StepIndex(stepID string) int {
	for i := range j.Steps {
		if j.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

// ErrorInfo is a structured failure record.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ArtifactPaths lists the fixed artifact files, relative to artifacts/<job_id>/.
type ArtifactPaths struct {
	ReportMD   string `json:"report_md"`
	PatchDiff  string `json:"patch_diff"`
	LogsTxt    string `json:"logs_txt"`
	ResultJSON string `json:"result_json"`
}

// StepArtifactPaths returns the fixed layout for a step.
func StepArtifactPaths(stepID string) ArtifactPaths {
	base := "steps/" + stepID + "/"
	return ArtifactPaths{
		ReportMD:   base + "report.md",
		PatchDiff:  base + "patch.diff",
		LogsTxt:    base + "logs.txt",
		ResultJSON: base + "result.json",
	}
}

// Metrics carries per-step execution measurements.
type Metrics struct {
	DurationMS int      `json:"duration_ms"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	TokensIn   *int     `json:"tokens_in,omitempty"`
	TokensOut  *int     `json:"tokens_out,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	SchemaVersion string        `json:"schema_version"`
	Kind          string        `json:"kind"`
	JobID         string        `json:"job_id"`
	StepID        string        `json:"step_id"`
	Agent         string        `json:"agent"`
	Role          string        `json:"role,omitempty"`
	Status        string        `json:"status"`
	Attempts      int           `json:"attempts"`
	StartedAt     string        `json:"started_at"`
	EndedAt       string        `json:"ended_at"`
	Summary       string        `json:"summary,omitempty"`
	Artifacts     ArtifactPaths `json:"artifacts"`
	Metrics       Metrics       `json:"metrics"`
	Error         *ErrorInfo    `json:"error"`
}

// JobResult is the aggregate outcome of a job.
type JobResult struct {
	SchemaVersion string        `json:"schema_version"`
	Kind          string        `json:"kind"`
	JobID         string        `json:"job_id"`
	Status        string        `json:"status"`
	StartedAt     string        `json:"started_at"`
	EndedAt       string        `json:"ended_at"`
	Summary       string        `json:"summary,omitempty"`
	Artifacts     ArtifactPaths `json:"artifacts"`
	Steps         []StepResult  `json:"steps"`
	Error         *ErrorInfo    `json:"error"`
}

// StepState is the mutable per-step record inside state.json.
type StepState struct {
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *ErrorInfo `json:"last_error,omitempty"`
	LastUpdated string     `json:"last_updated"`
}

// JobState is the operational state file rewritten after each step.
type JobState struct {
	JobID       string               `json:"job_id"`
	Status      string               `json:"status"`
	Revision    int                  `json:"revision"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  string               `json:"finished_at,omitempty"`
	CurrentStep string               `json:"current_step,omitempty"`
	Steps       map[string]StepState `json:"steps"`
}

// Touch records a step state change and bumps the revision counter.
func (s *JobState) Touch(stepID string, st StepState) {
	if s.Steps == nil {
		s.Steps = make(map[string]StepState)
	}
	st.LastUpdated = UTCNow()
	s.Steps[stepID] = st
	s.Revision++
}

// NewJobID returns a fresh opaque job id.
func NewJobID() string {
	return uuid.New().String()
}

// DefaultPipeline is the plan -> implement -> review pipeline synthesized for
// jobs that do not specify steps.
func DefaultPipeline(goal string) []StepSpec {
	return []StepSpec{
		{
			StepID:     "01_plan",
			Agent:      "opencode",
			Role:       "planner",
			Prompt:     "Draft an implementation plan for the task:\n" + goal,
			TimeoutSec: 120,
		},
		{
			StepID:         "02_implement",
			Agent:          "codex",
			Role:           "implementer",
			Prompt:         "Implement the task and prepare a patch:\n" + goal,
			TimeoutSec:     300,
			InputArtifacts: []string{"steps/01_plan/report.md"},
		},
		{
			StepID:     "03_review",
			Agent:      "claude",
			Role:       "reviewer",
			Prompt:     "Review the changes and risks for the task:\n" + goal,
			TimeoutSec: 180,
			InputArtifacts: []string{
				"steps/01_plan/report.md",
				"steps/02_implement/report.md",
				"steps/02_implement/patch.diff",
			},
		},
	}
}
