// Package subproc runs policy-wrapped commands with a hard deadline, an
// optional idle watchdog, allowlist-filtered environment, and capped output
// capture. Children run in their own process group so the whole tree can be
// terminated.
package subproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Base env keys forwarded even without an allowlist entry. Under clear-env
// only PATH survives.
var (
	baseEnvKeys      = []string{"PATH", "HOME", "TMPDIR"}
	baseEnvKeysClear = []string{"PATH"}
)

const killGrace = 2 * time.Second

// Result is the outcome of one subprocess run.
type Result struct {
	ExitCode         int
	Stdout           string
	Stderr           string
	DurationMS       int
	TimedOut         bool
	KilledByWatchdog bool
}

// Options controls a single run.
type Options struct {
	Dir            string
	EnvAllowlist   []string
	ClearEnv       bool
	Timeout        time.Duration
	IdleTimeout    time.Duration // zero disables the watchdog
	MaxOutputChars int           // zero means unlimited
}

// cappedBuffer collects output up to a cap and timestamps the last write for
// the idle watchdog.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	lastWrite time.Time
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit, lastWrite: time.Now()}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastWrite = time.Now()
	if b.limit > 0 && len(b.buf)+len(p) > b.limit {
		keep := b.limit - len(b.buf)
		if keep > 0 {
			b.buf = append(b.buf, p[:keep]...)
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n[output truncated]\n"
	}
	return string(b.buf)
}

func (b *cappedBuffer) last() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWrite
}

// buildEnv assembles the child environment from the allowlist-filtered
// parent env.
func buildEnv(allowlist []string, clearEnv bool) []string {
	keys := baseEnvKeys
	if clearEnv {
		keys = baseEnvKeysClear
	}
	seen := make(map[string]bool)
	var env []string
	add := func(key string) {
		if seen[key] {
			return
		}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
			seen[key] = true
		}
	}
	for _, key := range keys {
		add(key)
	}
	for _, key := range allowlist {
		if key != "" {
			add(key)
		}
	}
	return env
}

// Run executes argv. The command is always an argument vector; there is no
// shell involved. A non-zero exit is reported in Result, not as an error.
func Run(ctx context.Context, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("subproc: empty argv")
	}
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.EnvAllowlist, opts.ClearEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(opts.MaxOutputChars)
	stderr := newCappedBuffer(opts.MaxOutputChars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debug().Strs("argv", argv).Str("dir", opts.Dir).Msg("spawning subprocess")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := &Result{}
	var idleTick <-chan time.Time
	if opts.IdleTimeout > 0 {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		idleTick = ticker.C
	}

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-runCtx.Done():
			res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
			terminate(cmd)
			waitErr = <-done
			break wait
		case <-idleTick:
			quietest := stdout.last()
			if stderr.last().After(quietest) {
				quietest = stderr.last()
			}
			if time.Since(quietest) > opts.IdleTimeout {
				res.KilledByWatchdog = true
				terminate(cmd)
				waitErr = <-done
				break wait
			}
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.DurationMS = int(time.Since(start).Milliseconds())
	res.ExitCode = exitCode(cmd, waitErr)
	return res, nil
}

// terminate sends SIGTERM to the process group, waits a grace period, then
// SIGKILLs.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if cmd.ProcessState != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
