package worker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PromptLimits caps how much prior-step material is folded into a prompt.
type PromptLimits struct {
	MaxFiles      int
	MaxFileChars  int
	MaxTotalChars int
}

// Inline markers for capped or unreadable input artifacts.
const (
	markerFileLimit   = "[truncated:file_limit]"
	markerTotalLimit  = "[truncated:total_limit]"
	markerInvalidPath = "[invalid_path]"
	markerMissing     = "[missing]"
)

// BuildPrompt assembles the worker prompt from the job goal, the step's role
// and instructions, and the declared input artifacts. Input paths are
// relative to the job's artifact directory; anything absolute or escaping it
// is replaced with a marker instead of content.
func BuildPrompt(sc *StepContext) string {
	var b strings.Builder
	b.WriteString("# Goal\n")
	b.WriteString(sc.Job.Goal)
	b.WriteString("\n")
	if sc.Step.Role != "" {
		b.WriteString("\n# Role\n")
		b.WriteString(sc.Step.Role)
		b.WriteString("\n")
	}
	if sc.Step.Prompt != "" {
		b.WriteString("\n# Instructions\n")
		b.WriteString(sc.Step.Prompt)
		b.WriteString("\n")
	}
	if len(sc.Step.InputArtifacts) > 0 {
		b.WriteString("\n# Input artifacts\n")
		appendInputArtifacts(&b, sc)
	}
	return b.String()
}

func appendInputArtifacts(b *strings.Builder, sc *StepContext) {
	limits := sc.Limits
	total := 0
	for i, rel := range sc.Step.InputArtifacts {
		if limits.MaxFiles > 0 && i >= limits.MaxFiles {
			fmt.Fprintf(b, "\n(%d further input artifacts omitted)\n", len(sc.Step.InputArtifacts)-i)
			return
		}
		fmt.Fprintf(b, "\n## %s\n", rel)
		if !safeArtifactPath(rel) {
			b.WriteString(markerInvalidPath + "\n")
			continue
		}
		content := sc.Store.ReadFile(sc.Job.JobID, rel)
		if content == "" {
			b.WriteString(markerMissing + "\n")
			continue
		}
		if limits.MaxFileChars > 0 && len(content) > limits.MaxFileChars {
			content = content[:limits.MaxFileChars] + "\n" + markerFileLimit + "\n"
		}
		if limits.MaxTotalChars > 0 && total+len(content) > limits.MaxTotalChars {
			keep := limits.MaxTotalChars - total
			if keep > 0 {
				b.WriteString(content[:keep])
			}
			b.WriteString("\n" + markerTotalLimit + "\n")
			return
		}
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		total += len(content)
	}
}

// safeArtifactPath rejects absolute paths and anything stepping out of the
// job artifact directory. The artifact store re-checks on read; this keeps
// the marker distinct from a merely missing file.
func safeArtifactPath(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}
	clean := filepath.Clean(rel)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
