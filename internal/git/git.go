// Package git wraps the git CLI helpers used by the workspace manager and
// the subprocess workers.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Available checks if the given directory is inside a git work tree.
func Available(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func RunCmd(ctx context.Context, dir string, name string, args ...string) string {
	log.Debug().Str("dir", dir).Str("cmd", name).Strs("args", args).Msg("running git command")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Str("cmd", name).Strs("args", args).Msg("git command failed")
	}
	return string(out)
}

func RunCmdErr(ctx context.Context, dir string, name string, args ...string) error {
	log.Debug().Str("dir", dir).Str("cmd", name).Strs("args", args).Msg("running git command (err return)")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HeadCommit returns the current HEAD hash, or "" when dir is not a repo or
// has no commits yet.
func HeadCommit(ctx context.Context, dir string) string {
	return strings.TrimSpace(RunCmd(ctx, dir, "git", "rev-parse", "HEAD"))
}

// DiffSince returns the diff against baseCommit, or the unstaged diff when
// baseCommit is empty.
func DiffSince(ctx context.Context, dir, baseCommit string) string {
	if baseCommit != "" {
		return RunCmd(ctx, dir, "git", "diff", baseCommit)
	}
	return RunCmd(ctx, dir, "git", "diff")
}

// CloneLocal clones src into dst using local object sharing.
func CloneLocal(ctx context.Context, src, dst string) error {
	return RunCmdErr(ctx, "", "git", "clone", "--local", "--quiet", src, dst)
}
