// Package retention removes expired artifact and workspace directories.
// Directories belonging to jobs still active in the queue are never touched.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/queue"
)

// Sweeper applies TTLs to the artifacts and workspaces roots.
type Sweeper struct {
	queue          *queue.FileQueue
	artifactsRoot  string
	workspacesRoot string
	artifactsTTL   time.Duration
	workspacesTTL  time.Duration
	now            func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Removed   []string
	Protected int
	Kept      int
}

func New(q *queue.FileQueue, artifactsRoot, workspacesRoot string, artifactsTTL, workspacesTTL time.Duration) *Sweeper {
	return &Sweeper{
		queue:          q,
		artifactsRoot:  artifactsRoot,
		workspacesRoot: workspacesRoot,
		artifactsTTL:   artifactsTTL,
		workspacesTTL:  workspacesTTL,
		now:            time.Now,
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res, err := s.Sweep(); err != nil {
				log.Warn().Err(err).Msg("retention sweep failed")
			} else if len(res.Removed) > 0 {
				log.Info().Int("removed", len(res.Removed)).Int("protected", res.Protected).Msg("retention sweep")
			}
		}
	}
}

// Sweep removes every per-job directory older than its root's TTL, except
// for jobs that are pending, running, or awaiting approval. A zero TTL
// disables sweeping for that root.
func (s *Sweeper) Sweep() (*Result, error) {
	active, err := s.queue.ActiveJobIDs()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	res := &Result{}
	if s.artifactsTTL > 0 {
		if err := s.sweepRoot(s.artifactsRoot, s.artifactsTTL, active, res); err != nil {
			return res, err
		}
	}
	if s.workspacesTTL > 0 {
		if err := s.sweepRoot(s.workspacesRoot, s.workspacesTTL, active, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Sweeper) sweepRoot(root string, ttl time.Duration, active map[string]bool, res *Result) error {
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", root, err)
	}
	cutoff := s.now().Add(-ttl)
	for _, de := range dirents {
		if active[de.Name()] {
			res.Protected++
			continue
		}
		path := filepath.Join(root, de.Name())
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		// Symlinked entries are never followed or deleted through.
		if info.Mode()&os.ModeSymlink != 0 {
			res.Kept++
			continue
		}
		if lastUse(path, info.ModTime()).After(cutoff) {
			res.Kept++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("retention removal failed")
			res.Kept++
			continue
		}
		res.Removed = append(res.Removed, path)
	}
	return nil
}

// lastUse is the newer of mtime and atime, so recently read artifacts are
// kept even when long unwritten.
func lastUse(path string, mtime time.Time) time.Time {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return mtime
	}
	atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
	if atime.After(mtime) {
		return atime
	}
	return mtime
}
