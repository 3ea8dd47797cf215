package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/policy"
	"github.com/metalagman/foreman/internal/worker"
	"github.com/metalagman/foreman/internal/workspace"
)

// maxRetryBackoff caps the exponential delay between step attempts.
const maxRetryBackoff = 30 * time.Second

// retriableCodes are the failure codes worth another attempt. Policy,
// contract, and budget failures never are.
var retriableCodes = map[string]bool{
	model.ErrCodeTimeout:               true,
	model.ErrCodeTransientIO:           true,
	model.ErrCodeSubprocessExitNonzero: true,
}

// runStep executes one step with its retry budget and returns the final
// attempt's result. Every attempt's artifacts are (over)written in place.
func (r *Runner) runStep(ctx context.Context, spec *model.JobSpec, step *model.StepSpec, state *model.JobState, layout *workspace.Layout, jobPolicy *policy.ExecutionPolicy) *model.StepResult {
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.RunnerMaxAttemptsPerStep
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var res *model.StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = r.runAttempt(ctx, spec, step, layout, jobPolicy, attempt)
		if res.Status != model.StatusFailed || res.Error == nil || !retriableCodes[res.Error.Code] {
			break
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		delay := backoff(attempt)
		log.Warn().
			Str("job_id", spec.JobID).
			Str("step_id", step.StepID).
			Int("attempt", attempt).
			Str("code", res.Error.Code).
			Dur("backoff", delay).
			Msg("step attempt failed, retrying")
		r.sleep(ctx, delay)
	}
	return res
}

func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxRetryBackoff || d <= 0 {
		return maxRetryBackoff
	}
	return d
}

func (r *Runner) runAttempt(ctx context.Context, spec *model.JobSpec, step *model.StepSpec, layout *workspace.Layout, jobPolicy *policy.ExecutionPolicy, attempt int) *model.StepResult {
	started := model.UTCNow()
	res := &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         spec.JobID,
		StepID:        step.StepID,
		Agent:         step.Agent,
		Role:          step.Role,
		Attempts:      attempt,
		StartedAt:     started,
		Artifacts:     model.StepArtifactPaths(step.StepID),
	}
	fail := func(info *model.ErrorInfo) *model.StepResult {
		res.Status = model.StatusFailed
		res.Error = info
		res.Summary = info.Message
		res.EndedAt = model.UTCNow()
		r.persistStepResult(res)
		return res
	}

	if r.budget != nil && r.budget.Enabled() {
		if err := r.budget.CheckAndLog(ctx, step.Agent, 1, 0); err != nil {
			return fail(classify(err))
		}
	}

	w, err := r.registry.Lookup(step.Agent)
	if err != nil {
		return fail(classify(err))
	}

	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.StepTimeoutSec) * time.Second
	}
	sc := &worker.StepContext{
		Job:                 spec,
		Step:                step,
		Attempt:             attempt,
		Store:               r.store,
		WorkspaceDir:        layout.Workdir,
		Policy:              jobPolicy,
		Sanitizer:           r.sanitizer,
		EnvAllowlist:        r.cfg.EnvAllowlist,
		ClearEnv:            r.cfg.SandboxClearEnv,
		Timeout:             timeout,
		IdleTimeout:         time.Duration(r.cfg.RunnerMaxIdleSec) * time.Second,
		MaxOutputChars:      r.cfg.MaxSubprocessOutputChars,
		NonGitWorkdirStatus: r.cfg.NonGitWorkdirStatus,
		Limits: worker.PromptLimits{
			MaxFiles:      r.cfg.MaxInputArtifactsFiles,
			MaxFileChars:  r.cfg.MaxInputArtifactChars,
			MaxTotalChars: r.cfg.MaxInputArtifactsChars,
		},
	}

	// The attempt runs against its own deadline, decoupled from the signal
	// context: on shutdown an in-flight attempt gets ShutdownGraceSec to
	// finish before it is aborted.
	attemptCtx, cancel := context.WithTimeout(context.Background(), timeout)
	stop := context.AfterFunc(ctx, func() {
		grace := time.Duration(r.cfg.ShutdownGraceSec) * time.Second
		if grace > 0 {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-attemptCtx.Done():
				return
			case <-t.C:
			}
		}
		cancel()
	})
	out, err := w.Run(attemptCtx, sc)
	stop()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fail(&model.ErrorInfo{
				Code:    model.ErrCodeRunnerShutdown,
				Message: "runner shutting down, step aborted",
			})
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return fail(&model.ErrorInfo{
				Code:    model.ErrCodeTimeout,
				Message: fmt.Sprintf("step %s exceeded timeout %s", step.StepID, timeout),
			})
		}
		return fail(classify(err))
	}

	if err := r.checkContract(spec.JobID, step.StepID); err != nil {
		return fail(&model.ErrorInfo{
			Code:    model.ErrCodeWorkerContractViolation,
			Message: err.Error(),
		})
	}

	res.Status = out.Status
	res.Summary = out.Summary
	res.Error = out.Error
	res.Metrics = out.Metrics
	res.EndedAt = model.UTCNow()
	r.persistStepResult(res)
	return res
}

// checkContract verifies the three contract files exist on disk after an
// attempt. Workers are responsible for writing them (normally through
// WriteArtifacts), so a miss means a broken worker, not a user error.
func (r *Runner) checkContract(jobID, stepID string) error {
	stepDir, err := r.store.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	for _, name := range []string{"report.md", "patch.diff", "logs.txt"} {
		if _, err := os.Stat(filepath.Join(stepDir, name)); err != nil {
			return fmt.Errorf("step %s did not produce %s", stepID, name)
		}
	}
	return nil
}

func (r *Runner) persistStepResult(res *model.StepResult) {
	if err := model.ValidateResult(res); err != nil {
		log.Error().Err(err).Str("step_id", res.StepID).Msg("step result failed schema validation")
	}
	if err := r.store.WriteStepResult(res.JobID, res.StepID, res); err != nil {
		log.Error().Err(err).Str("step_id", res.StepID).Msg("write step result failed")
	}
}
