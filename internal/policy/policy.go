// Package policy guards every subprocess spawn: binary allowlists, sandbox
// wrapping, and network policy enforcement.
package policy

import (
	"fmt"

	"github.com/metalagman/foreman/internal/model"
)

// Error is a policy violation. Steps failing a policy check are never retried.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "policy_violation: " + e.Message }

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// ExecutionPolicy is the effective policy applied to a job: the config
// defaults overlaid with the job's PolicySpec.
type ExecutionPolicy struct {
	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	NetworkPolicy      string // "allow" | "deny"
	AllowedBinaries    map[string]bool
}

// New builds the process-wide base policy from settings values.
func New(sandbox bool, wrapper string, wrapperArgs []string, networkPolicy string, allowedBinaries []string) (*ExecutionPolicy, error) {
	switch networkPolicy {
	case "allow", "deny":
	default:
		return nil, errorf("unsupported network policy %q", networkPolicy)
	}
	allowed := make(map[string]bool, len(allowedBinaries))
	for _, bin := range allowedBinaries {
		if bin != "" {
			allowed[bin] = true
		}
	}
	return &ExecutionPolicy{
		Sandbox:            sandbox,
		SandboxWrapper:     wrapper,
		SandboxWrapperArgs: wrapperArgs,
		NetworkPolicy:      networkPolicy,
		AllowedBinaries:    allowed,
	}, nil
}

// ForJob overlays a job's policy onto the base policy. Sandbox can only be
// narrowed (AND), network deny always wins, and the binary allowlist is the
// intersection, with the sandbox wrapper re-added so it survives narrowing.
func (p *ExecutionPolicy) ForJob(spec *model.PolicySpec) (*ExecutionPolicy, error) {
	out := &ExecutionPolicy{
		Sandbox:            p.Sandbox,
		SandboxWrapper:     p.SandboxWrapper,
		SandboxWrapperArgs: p.SandboxWrapperArgs,
		NetworkPolicy:      p.NetworkPolicy,
		AllowedBinaries:    make(map[string]bool, len(p.AllowedBinaries)),
	}
	for bin := range p.AllowedBinaries {
		out.AllowedBinaries[bin] = true
	}
	if spec == nil {
		return out, nil
	}
	if spec.Sandbox != nil {
		out.Sandbox = p.Sandbox && *spec.Sandbox
	}
	if spec.Network != "" {
		switch spec.Network {
		case "allow", "deny":
		default:
			return nil, errorf("unsupported network policy %q", spec.Network)
		}
		if p.NetworkPolicy == "deny" || spec.Network == "deny" {
			out.NetworkPolicy = "deny"
		} else {
			out.NetworkPolicy = "allow"
		}
	}
	if len(spec.AllowedBinaries) > 0 {
		requested := make(map[string]bool, len(spec.AllowedBinaries))
		for _, bin := range spec.AllowedBinaries {
			if bin != "" {
				requested[bin] = true
			}
		}
		for bin := range out.AllowedBinaries {
			if !requested[bin] {
				delete(out.AllowedBinaries, bin)
			}
		}
	}
	if out.Sandbox && out.SandboxWrapper != "" {
		out.AllowedBinaries[out.SandboxWrapper] = true
	}
	return out, nil
}

// AssertBinaryAllowed checks the basename of a binary against the allowlist.
func (p *ExecutionPolicy) AssertBinaryAllowed(binary string) error {
	if len(p.AllowedBinaries) == 0 {
		return errorf("ALLOWED_BINARIES is empty; refusing to execute any external command")
	}
	if !p.AllowedBinaries[binary] {
		return errorf("binary %q is not in ALLOWED_BINARIES", binary)
	}
	return nil
}

// AssertRealCLISafe verifies the policy can actually be enforced before any
// real subprocess runs: a sandbox requirement needs a wrapper, and network
// deny is only meaningful when a wrapper exists to enforce it.
func (p *ExecutionPolicy) AssertRealCLISafe() error {
	if p.Sandbox && p.SandboxWrapper == "" {
		return errorf("SANDBOX=1 but SANDBOX_WRAPPER is not set; refusing real execution without an isolation wrapper")
	}
	if p.NetworkPolicy == "deny" && p.SandboxWrapper == "" {
		return errorf("network policy deny requires a sandbox wrapper to enforce isolation")
	}
	return nil
}

// WrapCommand validates the leading binary and, when sandboxed, prefixes the
// wrapper and its args. Commands are always argument vectors, never shell
// strings.
func (p *ExecutionPolicy) WrapCommand(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, errorf("empty command")
	}
	if err := p.AssertBinaryAllowed(argv[0]); err != nil {
		return nil, err
	}
	if !p.Sandbox {
		return argv, nil
	}
	if p.SandboxWrapper == "" {
		return nil, errorf("SANDBOX=1 but SANDBOX_WRAPPER is not set; refusing to execute real commands without an isolation wrapper")
	}
	if err := p.AssertBinaryAllowed(p.SandboxWrapper); err != nil {
		return nil, err
	}
	wrapped := make([]string, 0, 1+len(p.SandboxWrapperArgs)+len(argv))
	wrapped = append(wrapped, p.SandboxWrapper)
	wrapped = append(wrapped, p.SandboxWrapperArgs...)
	wrapped = append(wrapped, argv...)
	return wrapped, nil
}
