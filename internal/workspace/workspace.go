// Package workspace prepares per-job isolated working directories under
// WORKSPACES_ROOT and guards against symlink escapes.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/foreman/internal/git"
	"github.com/metalagman/foreman/internal/model"
)

// Error is a workspace preparation failure.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "workspace: " + e.Message }

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Layout describes a prepared workspace.
type Layout struct {
	Root    string // WORKSPACES_ROOT/<job_id>
	Workdir string // WORKSPACES_ROOT/<job_id>/work
	GitRepo bool   // whether the source was a git repository
}

// Manager creates and resolves job workspaces.
type Manager struct {
	root                 string
	projectAliases       map[string]string
	allowAbsoluteWorkdir bool
}

// NewManager resolves the workspaces root and records the project alias map.
func NewManager(workspacesRoot string, projectAliases map[string]string, allowAbsoluteWorkdir bool) (*Manager, error) {
	resolved, err := filepath.EvalSymlinks(workspacesRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errorf("resolve workspaces root: %v", err)
		}
		if err := mkdirSecure(workspacesRoot); err != nil {
			return nil, err
		}
		if resolved, err = filepath.EvalSymlinks(workspacesRoot); err != nil {
			return nil, errorf("resolve workspaces root: %v", err)
		}
	}
	return &Manager{
		root:                 resolved,
		projectAliases:       projectAliases,
		allowAbsoluteWorkdir: allowAbsoluteWorkdir,
	}, nil
}

// ResolveSource maps a job's workdir request to a source directory. A
// project_id goes through the configured alias map; an absolute path is only
// honored when the escape hatch is enabled.
func (m *Manager) ResolveSource(spec *model.JobSpec) (string, error) {
	if spec.ProjectID != "" {
		return m.ResolveProjectAlias(spec.ProjectID)
	}
	if spec.Workdir == "" || spec.Workdir == "." {
		return "", nil
	}
	if !filepath.IsAbs(spec.Workdir) {
		return "", errorf("workdir must be a project_id or an absolute path, got %q", spec.Workdir)
	}
	if !m.allowAbsoluteWorkdir {
		return "", errorf("absolute workdir %q rejected: ALLOW_ABSOLUTE_WORKDIR is disabled", spec.Workdir)
	}
	return spec.Workdir, nil
}

// ResolveProjectAlias maps a configured project id to its source directory.
func (m *Manager) ResolveProjectAlias(projectID string) (string, error) {
	path, ok := m.projectAliases[projectID]
	if !ok {
		return "", errorf("unknown project_id %q", projectID)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", errorf("configured project path does not exist: %s", path)
	}
	return path, nil
}

// Prepare creates WORKSPACES_ROOT/<job_id>/work and materializes the source
// into it: a local git clone when source is a git repo, a symlink-refusing
// copy otherwise, or an empty directory when source is "".
func (m *Manager) Prepare(ctx context.Context, jobID, source string) (*Layout, error) {
	if !model.ValidJobID(jobID) || strings.Contains(jobID, "..") {
		return nil, errorf("invalid job_id for workspace path: %q", jobID)
	}

	root := filepath.Join(m.root, jobID)
	workdir := filepath.Join(root, "work")

	if err := m.assertNoSymlinkEscape(root); err != nil {
		return nil, err
	}
	if err := mkdirSecure(root); err != nil {
		return nil, err
	}
	if err := m.assertNoSymlinkEscape(workdir); err != nil {
		return nil, err
	}

	layout := &Layout{Root: root, Workdir: workdir}
	if source == "" {
		if err := mkdirSecure(workdir); err != nil {
			return nil, err
		}
		return layout, nil
	}

	src, err := filepath.EvalSymlinks(source)
	if err != nil {
		return nil, errorf("source workdir does not exist: %s", source)
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return nil, errorf("source workdir is not a directory: %s", src)
	}

	if existing, err := os.Stat(workdir); err == nil {
		if !existing.IsDir() {
			return nil, errorf("workspace exists and is not a directory: %s", workdir)
		}
		entries, _ := os.ReadDir(workdir)
		if len(entries) > 0 {
			return nil, errorf("workspace already exists and is not empty: %s", workdir)
		}
	}

	if git.Available(ctx, src) {
		if err := git.CloneLocal(ctx, src, workdir); err != nil {
			return nil, errorf("clone git source: %v", err)
		}
		layout.GitRepo = true
	} else {
		if err := copyTree(src, workdir); err != nil {
			return nil, err
		}
	}

	// The final check runs against the fully canonicalized path so a symlink
	// smuggled anywhere in the ancestry cannot redirect outside the root.
	resolved, err := filepath.EvalSymlinks(workdir)
	if err != nil {
		return nil, errorf("resolve workspace: %v", err)
	}
	if !within(m.root, resolved) {
		return nil, errorf("workspace escaped root: %s", resolved)
	}
	layout.Workdir = resolved
	return layout, nil
}

// assertNoSymlinkEscape walks each existing component between the root and
// target and refuses symlinks.
func (m *Manager) assertNoSymlinkEscape(target string) error {
	rel, err := filepath.Rel(m.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errorf("path escapes workspaces root: %s", target)
	}
	cursor := m.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		cursor = filepath.Join(cursor, part)
		info, err := os.Lstat(cursor)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // remaining components do not exist yet
			}
			return errorf("stat %s: %v", cursor, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return errorf("refusing symlink path component: %s", cursor)
		}
	}
	return nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func mkdirSecure(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return errorf("create %s: %v", path, err)
	}
	return os.Chmod(path, 0o750)
}

// copyTree copies src into dst, refusing any symlink entries in the source.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return errorf("refusing source with symlink entry: %s", path)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !info.Mode().IsRegular() {
			return errorf("refusing non-regular source entry: %s", path)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
