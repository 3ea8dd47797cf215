// Package runner drains the job queue: it claims jobs, walks their step
// pipelines through registered workers, persists artifacts and state, and
// routes failures per each step's on_failure directive.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/artifact"
	"github.com/metalagman/foreman/internal/budget"
	"github.com/metalagman/foreman/internal/config"
	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/policy"
	"github.com/metalagman/foreman/internal/queue"
	"github.com/metalagman/foreman/internal/sanitize"
	"github.com/metalagman/foreman/internal/worker"
	"github.com/metalagman/foreman/internal/workspace"
)

// Runner is one queue-draining worker process.
type Runner struct {
	cfg        *config.Settings
	queue      *queue.FileQueue
	store      *artifact.Store
	workspaces *workspace.Manager
	registry   *worker.Registry
	budget     *budget.Tracker // nil when budgets are disabled
	base       *policy.ExecutionPolicy
	sanitizer  *sanitize.Sanitizer

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration)
}

// New wires a runner from settings and its collaborators.
func New(cfg *config.Settings, q *queue.FileQueue, store *artifact.Store, ws *workspace.Manager, reg *worker.Registry, tracker *budget.Tracker) (*Runner, error) {
	base, err := policy.New(cfg.Sandbox, cfg.SandboxWrapper, cfg.SandboxWrapperArgs, cfg.NetworkPolicy, cfg.AllowedBinaries)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(cfg.SensitiveEnvVars))
	for _, name := range cfg.SensitiveEnvVars {
		if val, ok := os.LookupEnv(name); ok {
			env[name] = val
		}
	}
	return &Runner{
		cfg:        cfg,
		queue:      q,
		store:      store,
		workspaces: ws,
		registry:   reg,
		budget:     tracker,
		base:       base,
		sanitizer:  sanitize.New(env),
		sleep:      sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run polls the queue until ctx is cancelled or, when RUNNER_MAX_IDLE_SEC is
// set, until the queue has been empty for that long. Each iteration first
// requeues stale running claims, then tries to claim and execute one job.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.EnableRealCLI {
		if err := r.preflight(ctx); err != nil {
			return err
		}
	}

	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.reclaimPass()

		claimed, err := r.queue.Claim()
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			if r.cfg.RunnerMaxIdleSec > 0 && time.Since(idleSince) > time.Duration(r.cfg.RunnerMaxIdleSec)*time.Second {
				log.Info().Msg("queue idle limit reached, exiting")
				return nil
			}
			r.sleep(ctx, time.Duration(r.cfg.RunnerPollIntervalSec)*time.Second)
			continue
		case err != nil:
			log.Error().Err(err).Msg("claim failed")
			r.sleep(ctx, time.Duration(r.cfg.RunnerPollIntervalSec)*time.Second)
			continue
		}

		idleSince = time.Now()
		r.ExecuteJob(ctx, claimed)
	}
}

// preflight verifies the agent binaries before any real CLI execution.
func (r *Runner) preflight(ctx context.Context) error {
	if err := r.base.AssertRealCLISafe(); err != nil {
		return err
	}
	required := r.registry.Names()
	if r.cfg.SandboxWrapper != "" {
		required = append(required, r.cfg.SandboxWrapper)
	}
	versions, err := policy.Preflight(ctx, r.cfg.AllowedBinaries, r.cfg.MinBinaryVersions, required)
	if err != nil {
		return err
	}
	for bin, ver := range versions {
		log.Info().Str("binary", bin).Str("version", ver).Msg("preflight ok")
	}
	return nil
}

func (r *Runner) reclaimPass() {
	maxAge := time.Duration(r.cfg.RunnerReclaimAfterSec) * time.Second
	res, err := r.queue.ReclaimStale(maxAge, r.cfg.MaxReclaimAttempts)
	if err != nil {
		log.Warn().Err(err).Msg("reclaim pass failed")
		return
	}
	for _, id := range res.Requeued {
		log.Warn().Str("job_id", id).Msg("reclaimed stale running job")
	}
	for _, id := range res.Failed {
		log.Error().Str("job_id", id).Msg("job exceeded reclaim attempts, marked failed")
		r.recordReclaimFailure(id)
	}
}

// recordReclaimFailure synthesizes a terminal result for a job the queue
// escalated to failed/ after too many reclaims. The crashed claimants never
// finalized, so without this the artifacts stay partial.
func (r *Runner) recordReclaimFailure(jobID string) {
	spec, _, err := r.queue.ReadSpec(jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("read spec of reclaim-failed job")
		return
	}
	if err := r.store.EnsureJobLayout(jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("prepare artifact layout for reclaim-failed job")
		return
	}
	state, err := r.store.ReadState(jobID)
	if err != nil {
		state = &model.JobState{JobID: jobID, StartedAt: model.UTCNow(), Steps: map[string]model.StepState{}}
	}
	var executed []model.StepResult
	for i := range spec.Steps {
		if prior, err := r.store.ReadStepResult(jobID, spec.Steps[i].StepID); err == nil && prior != nil {
			executed = append(executed, *prior)
		}
	}
	r.finalizeJob(spec, state, executed, walkOutcome{status: model.StatusFailed, err: &model.ErrorInfo{
		Code:    model.ErrCodeRunnerShutdown,
		Message: fmt.Sprintf("abandoned after %d reclaim attempts", r.cfg.MaxReclaimAttempts),
	}})
}

// ExecuteJob runs one claimed job to a terminal queue state. Shutdown during
// a step unlocks the job back to pending so progress in state.json is resumed
// by the next claimant.
func (r *Runner) ExecuteJob(ctx context.Context, claimed *queue.ClaimedJob) {
	spec := claimed.Spec
	logger := log.With().Str("job_id", spec.JobID).Logger()
	logger.Info().Str("goal", spec.Goal).Int("steps", len(spec.Steps)).Msg("job start")

	if err := r.store.EnsureJobLayout(spec.JobID); err != nil {
		r.failJob(spec, nil, classify(err), "prepare artifact layout")
		return
	}
	_ = r.store.WriteJobSpec(spec.JobID, spec)

	state, err := r.store.ReadState(spec.JobID)
	if err != nil {
		state = &model.JobState{
			JobID:     spec.JobID,
			Status:    "running",
			StartedAt: model.UTCNow(),
			Steps:     map[string]model.StepState{},
		}
	}
	state.Status = "running"
	state.FinishedAt = ""

	jobPolicy, err := r.base.ForJob(spec.Policy)
	if err != nil {
		r.failJob(spec, state, classify(err), "resolve policy")
		return
	}
	if r.cfg.EnableRealCLI {
		if err := jobPolicy.AssertRealCLISafe(); err != nil {
			r.failJob(spec, state, classify(err), "policy preflight")
			return
		}
	}

	source, err := r.workspaces.ResolveSource(spec)
	if err != nil {
		r.failJob(spec, state, classify(err), "resolve workdir")
		return
	}
	layout, err := r.workspaces.Prepare(ctx, spec.JobID, source)
	if err != nil {
		r.failJob(spec, state, classify(err), "prepare workspace")
		return
	}

	executed, outcome := r.walkSteps(ctx, spec, state, layout, jobPolicy)
	if outcome.shutdown {
		state.Status = "pending"
		_ = r.store.WriteState(spec.JobID, state)
		if err := r.queue.Unlock(spec.JobID); err != nil {
			logger.Error().Err(err).Msg("unlock on shutdown failed")
		}
		logger.Warn().Msg("job returned to pending on shutdown")
		return
	}

	result := r.finalizeJob(spec, state, executed, outcome)
	terminal := terminalState(result.Status)
	if err := r.queue.Complete(spec.JobID, terminal); err != nil {
		logger.Error().Err(err).Msg("queue completion failed")
		return
	}
	logger.Info().Str("status", result.Status).Str("queue_state", string(terminal)).Msg("job finished")
}

// walkOutcome is the job-level routing decision after the cursor loop.
type walkOutcome struct {
	status   string
	err      *model.ErrorInfo
	shutdown bool
}

// walkSteps advances the step cursor from the resume point, honoring
// on_failure directives and the transition budget. It returns every executed
// step result in execution order.
func (r *Runner) walkSteps(ctx context.Context, spec *model.JobSpec, state *model.JobState, layout *workspace.Layout, jobPolicy *policy.ExecutionPolicy) ([]model.StepResult, walkOutcome) {
	var executed []model.StepResult
	idx := r.resumeIndex(spec, state)
	transitions := 0
	contFailed := false
	var contErr *model.ErrorInfo

	// On resume, earlier steps keep their recorded results in the aggregate.
	for i := 0; i < idx; i++ {
		if prior, err := r.store.ReadStepResult(spec.JobID, spec.Steps[i].StepID); err == nil && prior != nil {
			executed = append(executed, *prior)
		}
	}

	for idx >= 0 && idx < len(spec.Steps) {
		// Drain on shutdown: the current attempt may finish under its grace
		// window, but no further step starts.
		if ctx.Err() != nil {
			return executed, walkOutcome{shutdown: true}
		}
		transitions++
		if transitions > r.cfg.StepTransitionLimit {
			return executed, walkOutcome{status: model.StatusFailed, err: &model.ErrorInfo{
				Code:    model.ErrCodeStepTransitionLimit,
				Message: fmt.Sprintf("step transitions exceeded limit %d", r.cfg.StepTransitionLimit),
			}}
		}
		step := &spec.Steps[idx]
		state.CurrentStep = step.StepID
		_ = r.store.WriteState(spec.JobID, state)

		res := r.runStep(ctx, spec, step, state, layout, jobPolicy)
		executed = append(executed, *res)
		state.Touch(step.StepID, model.StepState{
			Status:    res.Status,
			Attempts:  res.Attempts,
			LastError: res.Error,
		})
		_ = r.store.WriteState(spec.JobID, state)

		if ctx.Err() != nil && res.Error != nil && res.Error.Code == model.ErrCodeRunnerShutdown {
			return executed, walkOutcome{shutdown: true}
		}

		switch res.Status {
		case model.StatusOK, model.StatusSkipped:
			idx++
		case model.StatusNeedsHuman:
			return executed, walkOutcome{status: model.StatusNeedsHuman, err: res.Error}
		case model.StatusFailed:
			directive := step.OnFailure
			if directive == "" {
				directive = model.OnFailureStop
			}
			switch {
			case directive == model.OnFailureContinue:
				contFailed = true
				if contErr == nil {
					contErr = res.Error
				}
				idx++
			case directive == model.OnFailureAskHuman:
				// Recorded as needs_human so an approved resume skips past it.
				state.Touch(step.StepID, model.StepState{
					Status:    model.StatusNeedsHuman,
					Attempts:  res.Attempts,
					LastError: res.Error,
				})
				_ = r.store.WriteState(spec.JobID, state)
				return executed, walkOutcome{status: model.StatusNeedsHuman, err: res.Error}
			case directive == model.OnFailureStop:
				return executed, walkOutcome{status: model.StatusFailed, err: res.Error}
			default: // goto:<target>, validated at enqueue
				target := directive[len(model.OnFailureGotoPrefix):]
				idx = spec.StepIndex(target)
			}
		}
	}
	// Reaching the end of the pipeline with a failed continue step still fails
	// the job; the first such error is carried as the job error.
	if contFailed {
		return executed, walkOutcome{status: model.StatusFailed, err: contErr}
	}
	return executed, walkOutcome{status: model.StatusOK}
}

// resumeIndex finds the first step without a resolved terminal record. A step
// left at needs_human counts as resolved once the job is re-claimed: approval
// means the human chose to continue past it.
func (r *Runner) resumeIndex(spec *model.JobSpec, state *model.JobState) int {
	for i := range spec.Steps {
		st, ok := state.Steps[spec.Steps[i].StepID]
		if !ok {
			return i
		}
		switch st.Status {
		case model.StatusOK, model.StatusSkipped, model.StatusNeedsHuman:
			continue
		default:
			return i
		}
	}
	return len(spec.Steps)
}

// failJob records a job-level failure that happened before or between steps.
func (r *Runner) failJob(spec *model.JobSpec, state *model.JobState, info *model.ErrorInfo, during string) {
	log.Error().Str("job_id", spec.JobID).Str("during", during).Str("code", info.Code).Msg(info.Message)
	if state == nil {
		state = &model.JobState{JobID: spec.JobID, StartedAt: model.UTCNow(), Steps: map[string]model.StepState{}}
	}
	result := r.finalizeJob(spec, state, nil, walkOutcome{status: model.StatusFailed, err: info})
	if err := r.queue.Complete(spec.JobID, terminalState(result.Status)); err != nil {
		log.Error().Err(err).Str("job_id", spec.JobID).Msg("queue completion failed")
	}
}

// finalizeJob writes the aggregate artifacts, result.json, and state.json.
func (r *Runner) finalizeJob(spec *model.JobSpec, state *model.JobState, executed []model.StepResult, outcome walkOutcome) *model.JobResult {
	now := model.UTCNow()
	state.Status = outcome.status
	state.FinishedAt = now
	state.CurrentStep = ""
	if outcome.status == model.StatusNeedsHuman && len(executed) > 0 {
		state.CurrentStep = executed[len(executed)-1].StepID
	}

	result := &model.JobResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "job",
		JobID:         spec.JobID,
		Status:        outcome.status,
		StartedAt:     state.StartedAt,
		EndedAt:       now,
		Summary:       jobSummary(spec, outcome),
		Artifacts: model.ArtifactPaths{
			ReportMD:   "report.md",
			PatchDiff:  "patch.diff",
			LogsTxt:    "logs.txt",
			ResultJSON: "result.json",
		},
		Steps: executed,
		Error: outcome.err,
	}
	if err := model.ValidateResult(result); err != nil {
		log.Error().Err(err).Str("job_id", spec.JobID).Msg("job result failed schema validation")
	}

	report, patch, logs := r.aggregate(spec, executed)
	if err := r.store.WriteJobArtifacts(spec.JobID, report, patch, logs, result); err != nil {
		log.Error().Err(err).Str("job_id", spec.JobID).Msg("write job artifacts failed")
	}
	if err := r.store.WriteState(spec.JobID, state); err != nil {
		log.Error().Err(err).Str("job_id", spec.JobID).Msg("write state failed")
	}
	return result
}

func jobSummary(spec *model.JobSpec, outcome walkOutcome) string {
	switch outcome.status {
	case model.StatusOK:
		return fmt.Sprintf("completed %d-step pipeline: %s", len(spec.Steps), spec.Goal)
	case model.StatusNeedsHuman:
		return "paused for human approval"
	default:
		if outcome.err != nil {
			return outcome.err.Message
		}
		return "job failed"
	}
}

func terminalState(status string) queue.State {
	switch status {
	case model.StatusOK:
		return queue.StateDone
	case model.StatusNeedsHuman:
		return queue.StateAwaitingApproval
	default:
		return queue.StateFailed
	}
}

func classify(err error) *model.ErrorInfo {
	var info *model.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var polErr *policy.Error
	if errors.As(err, &polErr) {
		return &model.ErrorInfo{Code: model.ErrCodePolicyViolation, Message: polErr.Message}
	}
	var travErr *artifact.TraversalError
	if errors.As(err, &travErr) {
		return &model.ErrorInfo{Code: model.ErrCodePathTraversal, Message: travErr.Error()}
	}
	var valErr *model.ValidationError
	if errors.As(err, &valErr) {
		return &model.ErrorInfo{Code: model.ErrCodeValidation, Message: valErr.Message}
	}
	var wsErr *workspace.Error
	if errors.As(err, &wsErr) {
		return &model.ErrorInfo{Code: model.ErrCodeValidation, Message: wsErr.Message}
	}
	var preErr *policy.PreflightError
	if errors.As(err, &preErr) {
		return &model.ErrorInfo{Code: model.ErrCodePreflightFailed, Message: preErr.Error()}
	}
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return &model.ErrorInfo{Code: model.ErrCodeBudgetExceeded, Message: "daily budget exhausted"}
	}
	return &model.ErrorInfo{Code: model.ErrCodeTransientIO, Message: err.Error()}
}
