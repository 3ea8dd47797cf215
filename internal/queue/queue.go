// Package queue implements the durable filesystem job queue. A job is one
// JSON file that moves between sibling state directories by atomic rename.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/model"
)

// State is a queue lifecycle directory.
type State string

const (
	StatePending          State = "pending"
	StateRunning          State = "running"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateAwaitingApproval State = "awaiting_approval"
)

// States lists all queue directories in lifecycle order.
var States = []State{StatePending, StateRunning, StateDone, StateFailed, StateAwaitingApproval}

// ErrQueueEmpty is returned by Claim when no pending job could be claimed.
var ErrQueueEmpty = errors.New("queue empty")

// DuplicateJobError reports an enqueue for a job id already present in any
// queue state.
type DuplicateJobError struct {
	JobID string
	State State
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job %q already in %s", e.JobID, e.State)
}

// ClaimedJob is a job exclusively held by one runner.
type ClaimedJob struct {
	JobID string
	Path  string // file path under running/
	Spec  *model.JobSpec
}

// Reclaimed summarizes one reclaim pass.
type Reclaimed struct {
	Requeued []string
	Failed   []string
}

// FileQueue is safe for concurrent use by multiple processes sharing one
// POSIX filesystem. All five state directories must live on that filesystem.
type FileQueue struct {
	root string
}

// New creates the queue directories under root.
func New(root string) (*FileQueue, error) {
	for _, state := range States {
		if err := os.MkdirAll(filepath.Join(root, string(state)), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", state, err)
		}
	}
	return &FileQueue{root: root}, nil
}

// Root returns the queue root directory.
func (q *FileQueue) Root() string { return q.root }

func (q *FileQueue) dir(state State) string {
	return filepath.Join(q.root, string(state))
}

// jobIDFromName strips the collision suffix and extension from a queue file
// name: "job-1.json" and "job-1.1712.json" both yield "job-1".
func jobIDFromName(name string) string {
	stem := strings.TrimSuffix(name, ".json")
	if id, _, ok := strings.Cut(stem, "."); ok {
		return id
	}
	return stem
}

// findJobFiles returns the file names in dir belonging to jobID: the exact
// "<id>.json" plus any collision-suffixed "<id>.<x>.json". A bare prefix
// match would wrongly return "job-12.json" for "job-1", so the separator dot
// is matched literally.
func findJobFiles(dir, jobID string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue dir %s: %w", dir, err)
	}
	var out []string
	exact := jobID + ".json"
	prefix := jobID + "."
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name == exact || (strings.HasPrefix(name, prefix) && name != exact) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Locate returns the state and file path of a job, searching all directories.
func (q *FileQueue) Locate(jobID string) (State, string, error) {
	for _, state := range States {
		names, err := findJobFiles(q.dir(state), jobID)
		if err != nil {
			return "", "", err
		}
		if len(names) > 0 {
			return state, filepath.Join(q.dir(state), names[0]), nil
		}
	}
	return "", "", os.ErrNotExist
}

// Enqueue validates the spec, rejects duplicates across all states, and
// durably writes the job file into pending/. Returns the job id.
func (q *FileQueue) Enqueue(spec *model.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	for _, state := range States {
		names, err := findJobFiles(q.dir(state), spec.JobID)
		if err != nil {
			return "", err
		}
		if len(names) > 0 {
			return "", &DuplicateJobError{JobID: spec.JobID, State: state}
		}
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal job spec: %w", err)
	}
	data = append(data, '\n')

	final := filepath.Join(q.dir(StatePending), spec.JobID+".json")
	if _, err := os.Lstat(final); err == nil {
		// Lost a race with a concurrent enqueue of the same id; fall back to
		// the collision-suffixed name so neither file is clobbered.
		final = filepath.Join(q.dir(StatePending), fmt.Sprintf("%s.%d.json", spec.JobID, time.Now().UnixNano()))
	}
	if err := writeFileAtomic(final, data); err != nil {
		return "", err
	}
	log.Debug().Str("job_id", spec.JobID).Str("path", final).Msg("job enqueued")
	return spec.JobID, nil
}

// writeFileAtomic writes data to a sibling temp file, fsyncs, and renames it
// onto path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Claim moves the oldest pending job into running/ and returns it. A rename
// raced away by another runner is not an error; the next candidate is tried.
func (q *FileQueue) Claim() (*ClaimedJob, error) {
	entries, err := os.ReadDir(q.dir(StatePending))
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	type candidate struct {
		name  string
		mtime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: entry.Name(), mtime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	for _, c := range candidates {
		src := filepath.Join(q.dir(StatePending), c.name)
		dst := filepath.Join(q.dir(StateRunning), c.name)
		if err := os.Rename(src, dst); err != nil {
			continue // raced by another runner
		}
		// Reclaim measures staleness from claim time, not enqueue time.
		now := time.Now()
		_ = os.Chtimes(dst, now, now)

		spec, err := readSpec(dst)
		if err != nil {
			return nil, err
		}
		return &ClaimedJob{JobID: jobIDFromName(c.name), Path: dst, Spec: spec}, nil
	}
	return nil, ErrQueueEmpty
}

func readSpec(path string) (*model.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file %s: %w", path, err)
	}
	var spec model.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode job file %s: %w", path, err)
	}
	return &spec, nil
}

// ReadSpec loads the job spec wherever the job currently is.
func (q *FileQueue) ReadSpec(jobID string) (*model.JobSpec, State, error) {
	state, path, err := q.Locate(jobID)
	if err != nil {
		return nil, "", err
	}
	spec, err := readSpec(path)
	return spec, state, err
}

// Complete moves a running job into a terminal (or awaiting_approval) state.
func (q *FileQueue) Complete(jobID string, terminal State) error {
	switch terminal {
	case StateDone, StateFailed, StateAwaitingApproval:
	default:
		return fmt.Errorf("invalid terminal state %q", terminal)
	}
	if err := q.move(jobID, StateRunning, terminal); err != nil {
		return err
	}
	if terminal != StateAwaitingApproval {
		q.clearReclaimCount(jobID)
	}
	return nil
}

// Approve moves a job gated in awaiting_approval back to pending.
func (q *FileQueue) Approve(jobID string) error {
	return q.move(jobID, StateAwaitingApproval, StatePending)
}

// Unlock forcibly returns a running job to pending on operator command.
func (q *FileQueue) Unlock(jobID string) error {
	return q.move(jobID, StateRunning, StatePending)
}

func (q *FileQueue) move(jobID string, from, to State) error {
	names, err := findJobFiles(q.dir(from), jobID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("job %q not found in %s: %w", jobID, from, os.ErrNotExist)
	}
	for _, name := range names {
		src := filepath.Join(q.dir(from), name)
		dst := filepath.Join(q.dir(to), name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move job %q %s -> %s: %w", jobID, from, to, err)
		}
	}
	return nil
}

// ReclaimStale returns running jobs older than maxAge to pending. Each
// reclaim bumps a durable per-job counter; when the counter exceeds
// maxAttempts the job is moved to failed/ instead so a crash-looping job
// cannot bounce forever.
func (q *FileQueue) ReclaimStale(maxAge time.Duration, maxAttempts int) (Reclaimed, error) {
	var out Reclaimed
	entries, err := os.ReadDir(q.dir(StateRunning))
	if err != nil {
		return out, fmt.Errorf("read running: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		jobID := jobIDFromName(name)
		attempts, err := q.bumpReclaimCount(jobID)
		if err != nil {
			return out, err
		}
		src := filepath.Join(q.dir(StateRunning), name)
		if attempts > maxAttempts {
			dst := filepath.Join(q.dir(StateFailed), name)
			if err := os.Rename(src, dst); err != nil {
				continue // another reclaimer got there first
			}
			q.clearReclaimCount(jobID)
			log.Warn().Str("job_id", jobID).Int("attempts", attempts).Msg("reclaim limit exceeded, job failed")
			out.Failed = append(out.Failed, jobID)
			continue
		}
		dst := filepath.Join(q.dir(StatePending), name)
		if err := os.Rename(src, dst); err != nil {
			continue
		}
		log.Warn().Str("job_id", jobID).Int("attempts", attempts).Msg("stale running job reclaimed")
		out.Requeued = append(out.Requeued, jobID)
	}
	return out, nil
}

// ReclaimCount reads the durable reclaim counter for a job.
func (q *FileQueue) ReclaimCount(jobID string) int {
	data, err := os.ReadFile(q.attemptsPath(jobID))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

func (q *FileQueue) attemptsPath(jobID string) string {
	return filepath.Join(q.root, jobID+".attempts")
}

func (q *FileQueue) bumpReclaimCount(jobID string) (int, error) {
	n := q.ReclaimCount(jobID) + 1
	if err := writeFileAtomic(q.attemptsPath(jobID), []byte(strconv.Itoa(n)+"\n")); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *FileQueue) clearReclaimCount(jobID string) {
	_ = os.Remove(q.attemptsPath(jobID))
}

// ActiveJobIDs returns ids of jobs in non-terminal states. Retention must
// never reap these.
func (q *FileQueue) ActiveJobIDs() (map[string]bool, error) {
	out := make(map[string]bool)
	for _, state := range []State{StatePending, StateRunning, StateAwaitingApproval} {
		entries, err := os.ReadDir(q.dir(state))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", state, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				out[jobIDFromName(entry.Name())] = true
			}
		}
	}
	return out, nil
}
