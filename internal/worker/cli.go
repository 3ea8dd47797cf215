package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/git"
	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/subproc"
)

// Per-agent invocation shapes. The prompt is always passed as the final
// positional argument; commands are argument vectors, never shell strings.
var cliInvocations = map[string][]string{
	"claude":   {"claude", "--print", "--dangerously-skip-permissions"},
	"codex":    {"codex", "exec", "--full-auto", "--skip-git-repo-check"},
	"opencode": {"opencode", "run"},
}

// CLIWorker invokes a real agent CLI in the job workspace, behind the
// execution policy, and captures the resulting patch from git.
type CLIWorker struct {
	agent string
}

func NewCLIWorker(agent string) *CLIWorker {
	return &CLIWorker{agent: agent}
}

func (w *CLIWorker) Name() string { return w.agent }

func (w *CLIWorker) Run(ctx context.Context, sc *StepContext) (*Outcome, error) {
	prompt := BuildPrompt(sc)
	base, ok := cliInvocations[w.agent]
	if !ok {
		base = []string{w.agent}
	}
	argv := append(append([]string{}, base...), prompt)

	wrapped, err := sc.Policy.WrapCommand(argv)
	if err != nil {
		return nil, err
	}

	inGitRepo := git.Available(ctx, sc.WorkspaceDir)
	baseCommit := ""
	if inGitRepo {
		baseCommit = git.HeadCommit(ctx, sc.WorkspaceDir)
	}

	start := time.Now()
	res, err := subproc.Run(ctx, wrapped, subproc.Options{
		Dir:            sc.WorkspaceDir,
		EnvAllowlist:   sc.EnvAllowlist,
		ClearEnv:       sc.ClearEnv,
		Timeout:        sc.Timeout,
		IdleTimeout:    sc.IdleTimeout,
		MaxOutputChars: sc.MaxOutputChars,
	})
	if err != nil {
		return nil, &model.ErrorInfo{
			Code:    model.ErrCodeTransientIO,
			Message: fmt.Sprintf("spawn %s: %v", w.agent, err),
		}
	}

	out := &Outcome{
		Report:    res.Stdout,
		RawStdout: res.Stdout,
		RawStderr: res.Stderr,
		Logs:      buildCLILog(wrapped, res),
		Metrics:   model.Metrics{DurationMS: res.DurationMS},
	}
	if inGitRepo {
		out.Patch = git.DiffSince(ctx, sc.WorkspaceDir, baseCommit)
	}

	switch {
	case res.TimedOut, res.KilledByWatchdog:
		out.Status = model.StatusFailed
		out.Error = &model.ErrorInfo{
			Code:    model.ErrCodeTimeout,
			Message: fmt.Sprintf("%s terminated after %s", w.agent, time.Since(start).Round(time.Second)),
			Details: map[string]any{"idle_watchdog": res.KilledByWatchdog},
		}
		out.Summary = out.Error.Message
	case res.ExitCode != 0:
		out.Status = model.StatusFailed
		out.Error = &model.ErrorInfo{
			Code:    model.ErrCodeSubprocessExitNonzero,
			Message: fmt.Sprintf("%s exited with code %d", w.agent, res.ExitCode),
			Details: map[string]any{"exit_code": res.ExitCode},
		}
		out.Summary = out.Error.Message
	case !inGitRepo:
		// Patch capture is impossible, so the result cannot be verified.
		out.Status = sc.NonGitWorkdirStatus
		out.Summary = "workdir is not a git repository; patch capture unavailable"
		log.Warn().Str("step_id", sc.Step.StepID).Str("workdir", sc.WorkspaceDir).
			Msg("real CLI ran outside a git repository")
	default:
		out.Status = model.StatusOK
		out.Summary = firstLine(res.Stdout)
	}
	if err := WriteArtifacts(sc, out); err != nil {
		return nil, err
	}
	return out, nil
}

func buildCLILog(argv []string, res *subproc.Result) string {
	// The trailing prompt argument is omitted; it is captured in the report.
	shown := argv
	if len(shown) > 1 {
		shown = shown[:len(shown)-1]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "command: %s\n", strings.Join(shown, " "))
	fmt.Fprintf(&b, "exit_code: %d\nduration_ms: %d\ntimed_out: %v\n", res.ExitCode, res.DurationMS, res.TimedOut)
	if res.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(res.Stderr)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
