package policy

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/metalagman/foreman/internal/config"
)

// PreflightError aggregates everything wrong with the real-CLI environment.
type PreflightError struct {
	Problems []string
}

func (e *PreflightError) Error() string {
	return "preflight_failed: " + strings.Join(e.Problems, "; ")
}

var versionPattern = regexp.MustCompile(`(\d+(?:\.\d+){1,3})`)

func extractVersion(text string) string {
	return versionPattern.FindString(text)
}

func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// Preflight verifies the required binaries are allowlisted, resolvable on
// PATH, and meet declared minimum versions. Returns resolved versions.
func Preflight(ctx context.Context, allowedBinaries []string, minVersions map[string]config.BinaryVersion, required []string) (map[string]string, error) {
	allowed := make(map[string]bool, len(allowedBinaries))
	for _, bin := range allowedBinaries {
		allowed[bin] = true
	}

	var problems []string
	versions := make(map[string]string)

	for _, binary := range required {
		if !allowed[binary] {
			problems = append(problems, binary+": not in ALLOWED_BINARIES")
			continue
		}
		if _, err := exec.LookPath(binary); err != nil {
			problems = append(problems, binary+": executable not found in PATH")
			continue
		}
		req, ok := minVersions[binary]
		if !ok || req.Min == "" {
			continue
		}
		cmd := exec.CommandContext(ctx, binary, req.Cmd)
		out, err := cmd.CombinedOutput()
		text := strings.TrimSpace(string(out))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: version check (%s) failed: %v", binary, req.Cmd, err))
			continue
		}
		actual := extractVersion(text)
		if actual == "" {
			problems = append(problems, fmt.Sprintf("%s: cannot parse version from %q", binary, truncate(text, 120)))
			continue
		}
		versions[binary] = actual
		if versionLess(actual, req.Min) {
			problems = append(problems, fmt.Sprintf("%s: version %s is lower than required %s", binary, actual, req.Min))
		}
	}

	if len(problems) > 0 {
		return versions, &PreflightError{Problems: problems}
	}
	return versions, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
