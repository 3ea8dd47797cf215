package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/model"
)

// Simulator is the default worker: it produces deterministic role-flavored
// artifacts without spawning anything, so the whole pipeline can be exercised
// with no agent CLIs installed.
type Simulator struct {
	agent string
}

func NewSimulator(agent string) *Simulator {
	return &Simulator{agent: agent}
}

func (s *Simulator) Name() string { return s.agent }

func (s *Simulator) Run(ctx context.Context, sc *StepContext) (*Outcome, error) {
	start := time.Now()
	prompt := BuildPrompt(sc)

	var body strings.Builder
	fmt.Fprintf(&body, "# %s (%s) — simulated run\n\n", sc.Step.StepID, s.agent)
	fmt.Fprintf(&body, "Job: %s\nGoal: %s\n\n", sc.Job.JobID, sc.Job.Goal)
	switch sc.Step.Role {
	case "planner":
		body.WriteString("## Plan\n1. Inspect the workspace.\n2. Outline the change.\n3. Hand off to implementation.\n")
	case "implementer":
		body.WriteString("## Changes\nNo real changes were made; this is a simulated implementation pass.\n")
	case "reviewer":
		body.WriteString("## Review\nSimulated review: no findings. Inputs considered:\n")
		for _, rel := range sc.Step.InputArtifacts {
			fmt.Fprintf(&body, "- %s\n", rel)
		}
	default:
		body.WriteString("## Output\nSimulated agent output.\n")
	}

	log.Debug().
		Str("job_id", sc.Job.JobID).
		Str("step_id", sc.Step.StepID).
		Str("agent", s.agent).
		Msg("simulated worker run")

	out := &Outcome{
		Status:  model.StatusOK,
		Summary: fmt.Sprintf("simulated %s run for step %s", s.agent, sc.Step.StepID),
		Report:  body.String(),
		Patch:   "",
		Logs:    "simulated execution\n\n--- prompt ---\n" + prompt,
		Metrics: model.Metrics{DurationMS: int(time.Since(start).Milliseconds())},
	}
	if err := WriteArtifacts(sc, out); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}
