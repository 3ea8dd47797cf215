// Package artifact owns all writes under artifacts/<job_id>/. Every write is
// traversal-checked against the job root and lands atomically via a sibling
// temp file rename.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/foreman/internal/model"
)

// TraversalError reports a path that resolves outside the job artifact root.
type TraversalError struct {
	Path string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path_traversal: %q escapes artifact root", e.Path)
}

// Store is a filesystem artifact store with a fixed per-job layout:
//
//	artifacts/<job_id>/
//	  job.json state.json result.json context.json
//	  report.md patch.diff logs.txt
//	  steps/<step_id>/
//	    result.json report.md patch.diff logs.txt raw_stdout.txt? raw_stderr.txt?
type Store struct {
	root string
}

// New creates a store rooted at artifactsRoot.
func New(artifactsRoot string) *Store {
	return &Store{root: artifactsRoot}
}

// Root returns the artifacts root directory.
func (s *Store) Root() string { return s.root }

// JobDir returns artifacts/<job_id>, rejecting traversal through job_id.
func (s *Store) JobDir(jobID string) (string, error) {
	if !model.ValidJobID(jobID) {
		return "", &TraversalError{Path: jobID}
	}
	return s.resolveWithin(s.root, jobID)
}

// StepDir returns artifacts/<job_id>/steps/<step_id>, traversal-checked.
func (s *Store) StepDir(jobID, stepID string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return s.resolveWithin(jobDir, filepath.Join("steps", stepID))
}

// resolveWithin joins rel onto base and verifies the result stays strictly
// inside base after lexical normalization and symlink resolution of any
// existing ancestry.
func (s *Store) resolveWithin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &TraversalError{Path: rel}
	}
	joined := filepath.Join(base, rel)
	if !within(base, joined) {
		return "", &TraversalError{Path: rel}
	}
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	resolvedBase, err := resolveExisting(base)
	if err != nil {
		return "", err
	}
	if !within(resolvedBase, resolved) {
		return "", &TraversalError{Path: rel}
	}
	return joined, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting canonicalizes the longest existing prefix of path and
// rejoins the missing suffix, so traversal through symlinked ancestors is
// caught even before the leaf exists.
func resolveExisting(path string) (string, error) {
	remainder := ""
	cursor := path
	for {
		resolved, err := filepath.EvalSymlinks(cursor)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %s: %w", cursor, err)
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			return "", fmt.Errorf("resolve %s: no existing ancestor", path)
		}
		remainder = filepath.Join(filepath.Base(cursor), remainder)
		cursor = parent
	}
}

// EnsureJobLayout creates artifacts/<job_id>/steps.
func (s *Store) EnsureJobLayout(jobID string) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(jobDir, "steps"), 0o755)
}

// EnsureStepLayout creates the step directory.
func (s *Store) EnsureStepLayout(jobID, stepID string) error {
	stepDir, err := s.StepDir(jobID, stepID)
	if err != nil {
		return err
	}
	return os.MkdirAll(stepDir, 0o755)
}

// WriteFile atomically writes text at relPath inside artifacts/<job_id>/.
// Attempts outside the job root fail with TraversalError and leave nothing
// behind.
func (s *Store) WriteFile(jobID, relPath string, data []byte) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	target, err := s.resolveWithin(jobDir, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return writeAtomic(target, data)
}

// WriteJSON writes obj as stable two-space-indented JSON.
func (s *Store) WriteJSON(jobID, relPath string, obj any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relPath, err)
	}
	return s.WriteFile(jobID, relPath, append(data, '\n'))
}

// ReadFile reads an artifact, returning "" for missing files. Partially
// written aggregates are indistinguishable from absent ones by design.
func (s *Store) ReadFile(jobID, relPath string) string {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return ""
	}
	target, err := s.resolveWithin(jobDir, relPath)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteJobSpec persists job.json.
func (s *Store) WriteJobSpec(jobID string, spec *model.JobSpec) error {
	return s.WriteJSON(jobID, "job.json", spec)
}

// WriteState persists state.json.
func (s *Store) WriteState(jobID string, state *model.JobState) error {
	return s.WriteJSON(jobID, "state.json", state)
}

// ReadState loads state.json if present.
func (s *Store) ReadState(jobID string) (*model.JobState, error) {
	raw := s.ReadFile(jobID, "state.json")
	if raw == "" {
		return nil, os.ErrNotExist
	}
	var state model.JobState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode state.json: %w", err)
	}
	return &state, nil
}

// WriteStepResult persists steps/<step_id>/result.json.
func (s *Store) WriteStepResult(jobID, stepID string, res *model.StepResult) error {
	return s.WriteJSON(jobID, filepath.Join("steps", stepID, "result.json"), res)
}

// ReadStepResult loads steps/<step_id>/result.json, nil when absent.
func (s *Store) ReadStepResult(jobID, stepID string) (*model.StepResult, error) {
	raw := s.ReadFile(jobID, filepath.Join("steps", stepID, "result.json"))
	if raw == "" {
		return nil, nil
	}
	var res model.StepResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode step result: %w", err)
	}
	return &res, nil
}

// WriteJobArtifacts persists the aggregate report, patch, logs, and result.
func (s *Store) WriteJobArtifacts(jobID, reportMD, patchDiff, logsTxt string, result *model.JobResult) error {
	if err := s.WriteFile(jobID, "report.md", []byte(reportMD)); err != nil {
		return err
	}
	if err := s.WriteFile(jobID, "patch.diff", []byte(patchDiff)); err != nil {
		return err
	}
	if err := s.WriteFile(jobID, "logs.txt", []byte(logsTxt)); err != nil {
		return err
	}
	return s.WriteJSON(jobID, "result.json", result)
}

// ReadResult loads result.json, returning nil when not yet available.
func (s *Store) ReadResult(jobID string) (*model.JobResult, error) {
	raw := s.ReadFile(jobID, "result.json")
	if raw == "" {
		return nil, nil
	}
	var res model.JobResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode result.json: %w", err)
	}
	return &res, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
