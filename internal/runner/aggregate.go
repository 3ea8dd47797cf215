package runner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/metalagman/foreman/internal/model"
)

// aggregate folds per-step artifacts into the job-level report, patch, and
// logs, in execution order. Repeated executions of a step (via goto) appear
// once per execution with the step's latest on-disk artifacts.
func (r *Runner) aggregate(spec *model.JobSpec, executed []model.StepResult) (report, patch, logs string) {
	var rb, pb, lb strings.Builder
	fmt.Fprintf(&rb, "# Job %s\n\n%s\n", spec.JobID, spec.Goal)

	for i := range executed {
		res := &executed[i]
		header := stepHeader(res)
		base := filepath.Join("steps", res.StepID)

		rb.WriteString("\n" + header + "\n\n")
		rb.WriteString(orPlaceholder(r.store.ReadFile(spec.JobID, filepath.Join(base, "report.md")), "(no report)"))

		stepPatch := r.store.ReadFile(spec.JobID, filepath.Join(base, "patch.diff"))
		if strings.TrimSpace(stepPatch) != "" {
			pb.WriteString(header + "\n")
			pb.WriteString(ensureTrailingNewline(stepPatch))
		}

		lb.WriteString(header + "\n")
		lb.WriteString(fmt.Sprintf("status=%s attempts=%d duration_ms=%d\n", res.Status, res.Attempts, res.Metrics.DurationMS))
		lb.WriteString(ensureTrailingNewline(r.store.ReadFile(spec.JobID, filepath.Join(base, "logs.txt"))))
	}
	return rb.String(), pb.String(), lb.String()
}

func stepHeader(res *model.StepResult) string {
	role := res.Role
	if role == "" {
		role = "-"
	}
	return fmt.Sprintf("# --- step %s (%s:%s) ---", res.StepID, res.Agent, role)
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder + "\n"
	}
	return ensureTrailingNewline(s)
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
