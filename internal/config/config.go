// Package config loads orchestrator settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BinaryVersion is a minimum-version requirement for a preflighted binary.
type BinaryVersion struct {
	Min string
	Cmd string // version command, default --version
}

// Settings is the process-wide configuration, established at startup and
// read-only afterwards.
type Settings struct {
	QueueRoot      string
	ArtifactsRoot  string
	WorkspacesRoot string
	StateDBPath    string

	ProjectAliases       map[string]string
	AllowAbsoluteWorkdir bool
	NonGitWorkdirStatus  string

	EnableRealCLI      bool
	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	SandboxClearEnv    bool
	NetworkPolicy      string
	AllowedBinaries    []string
	MinBinaryVersions  map[string]BinaryVersion
	EnvAllowlist       []string
	SensitiveEnvVars   []string

	RunnerPollIntervalSec    int
	RunnerMaxIdleSec         int
	RunnerReclaimAfterSec    int
	RunnerMaxAttemptsPerStep int
	MaxReclaimAttempts       int
	StepTransitionLimit      int
	StepTimeoutSec           int
	ShutdownGraceSec         int

	RetentionIntervalSec int
	ArtifactsTTLSec      int
	WorkspacesTTLSec     int

	MaxInputArtifactsFiles   int
	MaxInputArtifactChars    int
	MaxInputArtifactsChars   int
	MaxSubprocessOutputChars int

	MaxDailyAPICalls int
	MaxDailyCostUSD  float64

	SchedulesPath      string
	SchedulerStatePath string
	SchedulerTickSec   int

	LogLevel string
	LogJSON  bool
}

// Load reads settings from the environment (after loading .env, if present),
// resolves paths, and creates the root directories.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	s := &Settings{
		QueueRoot:      v.GetString("QUEUE_ROOT"),
		ArtifactsRoot:  v.GetString("ARTIFACTS_ROOT"),
		WorkspacesRoot: v.GetString("WORKSPACES_ROOT"),
		StateDBPath:    v.GetString("STATE_DB_PATH"),

		ProjectAliases:       parsePathMap(v.GetString("PROJECT_ALIASES")),
		AllowAbsoluteWorkdir: v.GetBool("ALLOW_ABSOLUTE_WORKDIR"),
		NonGitWorkdirStatus:  strings.ToLower(strings.TrimSpace(v.GetString("NON_GIT_WORKDIR_STATUS"))),

		EnableRealCLI:      v.GetBool("ENABLE_REAL_CLI"),
		Sandbox:            v.GetBool("SANDBOX"),
		SandboxWrapper:     strings.TrimSpace(v.GetString("SANDBOX_WRAPPER")),
		SandboxWrapperArgs: strings.Fields(v.GetString("SANDBOX_WRAPPER_ARGS")),
		SandboxClearEnv:    v.GetBool("SANDBOX_CLEAR_ENV"),
		NetworkPolicy:      strings.ToLower(strings.TrimSpace(v.GetString("NETWORK_POLICY"))),
		AllowedBinaries:    parseCSV(v.GetString("ALLOWED_BINARIES")),
		EnvAllowlist:       parseCSV(v.GetString("ENV_ALLOWLIST")),
		SensitiveEnvVars:   parseCSV(v.GetString("SENSITIVE_ENV_VARS")),

		RunnerPollIntervalSec:    v.GetInt("RUNNER_POLL_INTERVAL_SEC"),
		RunnerMaxIdleSec:         v.GetInt("RUNNER_MAX_IDLE_SEC"),
		RunnerReclaimAfterSec:    v.GetInt("RUNNER_RECLAIM_AFTER_SEC"),
		RunnerMaxAttemptsPerStep: v.GetInt("RUNNER_MAX_ATTEMPTS_PER_STEP"),
		MaxReclaimAttempts:       v.GetInt("MAX_RECLAIM_ATTEMPTS"),
		StepTransitionLimit:      v.GetInt("STEP_TRANSITION_LIMIT"),
		StepTimeoutSec:           v.GetInt("STEP_TIMEOUT_SEC"),
		ShutdownGraceSec:         v.GetInt("SHUTDOWN_GRACE_SEC"),

		RetentionIntervalSec: v.GetInt("RETENTION_INTERVAL_SEC"),
		ArtifactsTTLSec:      v.GetInt("ARTIFACTS_TTL_SEC"),
		WorkspacesTTLSec:     v.GetInt("WORKSPACES_TTL_SEC"),

		MaxInputArtifactsFiles:   v.GetInt("MAX_INPUT_ARTIFACTS_FILES"),
		MaxInputArtifactChars:    v.GetInt("MAX_INPUT_ARTIFACT_CHARS"),
		MaxInputArtifactsChars:   v.GetInt("MAX_INPUT_ARTIFACTS_CHARS"),
		MaxSubprocessOutputChars: v.GetInt("MAX_SUBPROCESS_OUTPUT_CHARS"),

		MaxDailyAPICalls: v.GetInt("MAX_DAILY_API_CALLS"),
		MaxDailyCostUSD:  v.GetFloat64("MAX_DAILY_COST_USD"),

		SchedulesPath:      v.GetString("SCHEDULES_PATH"),
		SchedulerStatePath: v.GetString("SCHEDULER_STATE_PATH"),
		SchedulerTickSec:   v.GetInt("SCHEDULER_TICK_SEC"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogJSON:  v.GetBool("LOG_JSON"),
	}

	var err error
	if s.MinBinaryVersions, err = parseVersionMap(v.GetString("MIN_BINARY_VERSIONS")); err != nil {
		return nil, err
	}
	switch s.NetworkPolicy {
	case "allow", "deny":
	default:
		return nil, fmt.Errorf("unsupported NETWORK_POLICY value: %q", s.NetworkPolicy)
	}
	switch s.NonGitWorkdirStatus {
	case "needs_human", "failed":
	default:
		s.NonGitWorkdirStatus = "needs_human"
	}

	for _, p := range []*string{&s.QueueRoot, &s.ArtifactsRoot, &s.WorkspacesRoot, &s.StateDBPath, &s.SchedulerStatePath} {
		abs, absErr := filepath.Abs(*p)
		if absErr != nil {
			return nil, fmt.Errorf("resolve path %q: %w", *p, absErr)
		}
		*p = abs
	}
	for _, dir := range []string{s.QueueRoot, s.ArtifactsRoot, s.WorkspacesRoot, filepath.Dir(s.StateDBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("QUEUE_ROOT", "var/queue")
	v.SetDefault("ARTIFACTS_ROOT", "artifacts")
	v.SetDefault("WORKSPACES_ROOT", "workspaces")
	v.SetDefault("STATE_DB_PATH", "var/state.db")
	v.SetDefault("PROJECT_ALIASES", "")
	v.SetDefault("ALLOW_ABSOLUTE_WORKDIR", false)
	v.SetDefault("NON_GIT_WORKDIR_STATUS", "needs_human")

	v.SetDefault("ENABLE_REAL_CLI", false)
	v.SetDefault("SANDBOX", true)
	v.SetDefault("SANDBOX_WRAPPER", "")
	v.SetDefault("SANDBOX_WRAPPER_ARGS", "")
	v.SetDefault("SANDBOX_CLEAR_ENV", false)
	v.SetDefault("NETWORK_POLICY", "deny")
	v.SetDefault("ALLOWED_BINARIES", "")
	v.SetDefault("MIN_BINARY_VERSIONS", "")
	v.SetDefault("ENV_ALLOWLIST", "ANTHROPIC_API_KEY,OPENAI_API_KEY,PATH,HOME,TMPDIR")
	v.SetDefault("SENSITIVE_ENV_VARS", "ANTHROPIC_API_KEY,OPENAI_API_KEY")

	v.SetDefault("RUNNER_POLL_INTERVAL_SEC", 1)
	v.SetDefault("RUNNER_MAX_IDLE_SEC", 120)
	v.SetDefault("RUNNER_RECLAIM_AFTER_SEC", 600)
	v.SetDefault("RUNNER_MAX_ATTEMPTS_PER_STEP", 1)
	v.SetDefault("MAX_RECLAIM_ATTEMPTS", 3)
	v.SetDefault("STEP_TRANSITION_LIMIT", 64)
	v.SetDefault("STEP_TIMEOUT_SEC", 600)
	v.SetDefault("SHUTDOWN_GRACE_SEC", 10)

	v.SetDefault("RETENTION_INTERVAL_SEC", 300)
	v.SetDefault("ARTIFACTS_TTL_SEC", 604800)
	v.SetDefault("WORKSPACES_TTL_SEC", 172800)

	v.SetDefault("MAX_INPUT_ARTIFACTS_FILES", 10)
	v.SetDefault("MAX_INPUT_ARTIFACT_CHARS", 12000)
	v.SetDefault("MAX_INPUT_ARTIFACTS_CHARS", 40000)
	v.SetDefault("MAX_SUBPROCESS_OUTPUT_CHARS", 200000)

	v.SetDefault("MAX_DAILY_API_CALLS", 0)
	v.SetDefault("MAX_DAILY_COST_USD", 0.0)

	v.SetDefault("SCHEDULES_PATH", "schedules")
	v.SetDefault("SCHEDULER_STATE_PATH", "var/scheduler_state.json")
	v.SetDefault("SCHEDULER_TICK_SEC", 30)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsePathMap parses "alias=/abs/path,other=/p" pairs.
func parsePathMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		alias, path, ok := strings.Cut(item, "=")
		alias, path = strings.TrimSpace(alias), strings.TrimSpace(path)
		if !ok || alias == "" || path == "" {
			continue
		}
		out[alias] = path
	}
	return out
}

// parseVersionMap parses "bin=ver[:cmd]" pairs.
func parseVersionMap(raw string) (map[string]BinaryVersion, error) {
	out := make(map[string]BinaryVersion)
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		bin, rest, ok := strings.Cut(item, "=")
		bin = strings.TrimSpace(bin)
		if !ok || bin == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid MIN_BINARY_VERSIONS entry %q", item)
		}
		ver, cmd, _ := strings.Cut(rest, ":")
		bv := BinaryVersion{Min: strings.TrimSpace(ver), Cmd: strings.TrimSpace(cmd)}
		if bv.Cmd == "" {
			bv.Cmd = "--version"
		}
		out[bin] = bv
	}
	return out, nil
}
