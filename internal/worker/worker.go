// Package worker defines the agent execution contract and its two
// implementations: deterministic simulators (the default) and real CLI
// invocations behind the execution policy.
package worker

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/metalagman/foreman/internal/artifact"
	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/policy"
	"github.com/metalagman/foreman/internal/sanitize"
)

// StepContext is everything a worker needs to execute one step attempt.
type StepContext struct {
	Job     *model.JobSpec
	Step    *model.StepSpec
	Attempt int

	Store        *artifact.Store
	WorkspaceDir string

	Policy    *policy.ExecutionPolicy
	Sanitizer *sanitize.Sanitizer

	EnvAllowlist   []string
	ClearEnv       bool
	Timeout        time.Duration
	IdleTimeout    time.Duration
	MaxOutputChars int

	// NonGitWorkdirStatus is the step status when a real CLI runs in a
	// workdir where patch capture is impossible.
	NonGitWorkdirStatus string

	Limits PromptLimits
}

// Outcome is what a worker produces for one attempt. The runner turns it into
// a StepResult and decides retries and failure routing.
type Outcome struct {
	Status    string // ok | failed | needs_human | skipped
	Summary   string
	Report    string
	Patch     string
	Logs      string
	RawStdout string
	RawStderr string
	Error     *model.ErrorInfo
	Metrics   model.Metrics
}

// Worker executes one step attempt and writes the step's contract artifacts
// (report.md, patch.diff, logs.txt), normally through WriteArtifacts; the
// runner fails the step as a contract violation when they are missing.
// Infrastructure failures (policy refusal, spawn errors) come back as the
// error; agent-level failures are encoded in the Outcome.
type Worker interface {
	Name() string
	Run(ctx context.Context, sc *StepContext) (*Outcome, error)
}

// Registry maps agent names to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Name()] = w
}

// Lookup resolves an agent name. Unknown agents are a non-retriable error.
func (r *Registry) Lookup(agent string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[agent]
	if !ok {
		return nil, &model.ErrorInfo{
			Code:    model.ErrCodeWorkerNotFound,
			Message: "no worker registered for agent " + agent,
		}
	}
	return w, nil
}

// Names lists registered agents, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry wires the built-in agents: simulators by default, real CLI
// executors when enabled.
func DefaultRegistry(enableRealCLI bool) *Registry {
	reg := NewRegistry()
	for _, agent := range []string{"opencode", "codex", "claude"} {
		if enableRealCLI {
			reg.Register(NewCLIWorker(agent))
		} else {
			reg.Register(NewSimulator(agent))
		}
	}
	return reg
}

// WriteArtifacts persists the attempt's report, patch, and logs under
// steps/<step_id>/, redacting secrets on the way in. Raw captures are kept
// only when present. All three contract files are written even when empty so
// downstream consumers can rely on their existence.
func WriteArtifacts(sc *StepContext, out *Outcome) error {
	if err := sc.Store.EnsureStepLayout(sc.Job.JobID, sc.Step.StepID); err != nil {
		return err
	}
	base := filepath.Join("steps", sc.Step.StepID)
	red := sc.Sanitizer.Redact
	files := map[string]string{
		"report.md":  red(out.Report),
		"patch.diff": red(out.Patch),
		"logs.txt":   red(out.Logs),
	}
	if out.RawStdout != "" {
		files["raw_stdout.txt"] = red(out.RawStdout)
	}
	if out.RawStderr != "" {
		files["raw_stderr.txt"] = red(out.RawStderr)
	}
	for name, content := range files {
		if err := sc.Store.WriteFile(sc.Job.JobID, filepath.Join(base, name), []byte(content)); err != nil {
			return err
		}
	}
	return nil
}
