package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports a spec that fails the enqueue gate.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation_error: " + e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidJobID reports whether id is usable as a queue file stem and a
// directory name: non-empty, no path separators, no leading dot.
func ValidJobID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// Validate performs the semantic checks the JSON schema cannot express:
// job id shape, step id uniqueness and charset, goto targets, policy enums.
func (j *JobSpec) Validate() error {
	if !ValidJobID(j.JobID) {
		return validationErrorf("invalid job_id %q", j.JobID)
	}
	if strings.TrimSpace(j.Goal) == "" {
		return validationErrorf("goal must not be empty")
	}
	if len(j.Steps) == 0 {
		return validationErrorf("steps must not be empty")
	}
	seen := make(map[string]bool, len(j.Steps))
	for i := range j.Steps {
		step := &j.Steps[i]
		if !stepIDPattern.MatchString(step.StepID) {
			return validationErrorf("step_id %q is not a safe filename token", step.StepID)
		}
		if seen[step.StepID] {
			return validationErrorf("duplicate step_id %q", step.StepID)
		}
		seen[step.StepID] = true
		if step.Agent == "" {
			return validationErrorf("step %q has no agent", step.StepID)
		}
	}
	for i := range j.Steps {
		step := &j.Steps[i]
		switch {
		case step.OnFailure == "",
			step.OnFailure == OnFailureStop,
			step.OnFailure == OnFailureContinue,
			step.OnFailure == OnFailureAskHuman:
		case strings.HasPrefix(step.OnFailure, OnFailureGotoPrefix):
			target := strings.TrimPrefix(step.OnFailure, OnFailureGotoPrefix)
			if !seen[target] {
				return validationErrorf("step %q on_failure goto target %q does not exist", step.StepID, target)
			}
		default:
			return validationErrorf("step %q has unknown on_failure %q", step.StepID, step.OnFailure)
		}
	}
	if j.Policy != nil && j.Policy.Network != "" {
		switch j.Policy.Network {
		case "allow", "deny":
		default:
			return validationErrorf("policy.network must be allow or deny, got %q", j.Policy.Network)
		}
	}
	return nil
}
