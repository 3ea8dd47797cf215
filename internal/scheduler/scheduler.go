// Package scheduler turns cron schedules into enqueued jobs. Next-fire times
// are persisted so a restart neither re-fires past ticks nor backfills
// downtime beyond a single catch-up.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/foreman/internal/model"
	"github.com/metalagman/foreman/internal/queue"
)

// Entry is one schedule file under SCHEDULES_PATH.
type Entry struct {
	Name        string        `json:"name"`
	Cron        string        `json:"cron"`
	JobTemplate model.JobSpec `json:"job_template"`
}

// Scheduler owns the tick loop and the durable next-fire table.
type Scheduler struct {
	schedulesDir string
	statePath    string
	queue        *queue.FileQueue
	parser       cron.Parser
	tick         time.Duration
	now          func() time.Time
}

// New builds a scheduler over the given schedules directory and state file.
func New(schedulesDir, statePath string, q *queue.FileQueue, tick time.Duration) *Scheduler {
	return &Scheduler{
		schedulesDir: schedulesDir,
		statePath:    statePath,
		queue:        q,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tick:         tick,
		now:          time.Now,
	}
}

// Run ticks until ctx is cancelled. A tick failure is logged and retried on
// the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	log.Info().Str("schedules", s.schedulesDir).Dur("tick", s.tick).Msg("scheduler started")
	for {
		if err := s.Tick(s.now()); err != nil {
			log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick loads the schedule entries, fires everything due at now, and persists
// advanced next-fire times. Each due entry fires at most once per tick: the
// next fire is always advanced strictly past now before the state is saved.
func (s *Scheduler) Tick(now time.Time) error {
	entries, err := s.loadEntries()
	if err != nil {
		return err
	}
	state, err := s.loadState()
	if err != nil {
		return err
	}

	next := make(map[string]string, len(entries))
	for _, entry := range entries {
		schedule, err := s.parser.Parse(entry.Cron)
		if err != nil {
			log.Warn().Str("schedule", entry.Name).Str("cron", entry.Cron).Err(err).Msg("invalid cron expression, skipped")
			continue
		}

		fireAt, known := state[entry.Name]
		if !known {
			// New entries start at the next occurrence; past occurrences from
			// before the entry existed are never backfilled.
			next[entry.Name] = schedule.Next(now).UTC().Format(time.RFC3339)
			continue
		}
		due, err := time.Parse(time.RFC3339, fireAt)
		if err != nil || !due.After(now) {
			if err == nil {
				s.fire(&entry, due)
			}
			next[entry.Name] = schedule.Next(now).UTC().Format(time.RFC3339)
			continue
		}
		next[entry.Name] = fireAt
	}
	return s.saveState(next)
}

// fire enqueues one job for a due schedule. The job id embeds the scheduled
// fire time, so a crash between enqueue and state save results in a tolerated
// duplicate instead of a second job.
func (s *Scheduler) fire(entry *Entry, due time.Time) {
	spec := entry.JobTemplate
	spec.SchemaVersion = model.SchemaVersion
	spec.JobID = fmt.Sprintf("%s-%s", entry.Name, due.UTC().Format("20060102T150405Z"))
	spec.CreatedAt = model.UTCNow()
	spec.Source = model.JobSource{
		Type: "schedule",
		Meta: map[string]string{"schedule": entry.Name, "cron": entry.Cron},
	}
	if strings.TrimSpace(spec.Goal) == "" {
		spec.Goal = "scheduled run of " + entry.Name
	}
	if len(spec.Steps) == 0 {
		spec.Steps = model.DefaultPipeline(spec.Goal)
	}

	if _, err := s.queue.Enqueue(&spec); err != nil {
		var dup *queue.DuplicateJobError
		if errors.As(err, &dup) {
			log.Debug().Str("job_id", spec.JobID).Msg("scheduled job already enqueued")
			return
		}
		log.Error().Err(err).Str("schedule", entry.Name).Msg("scheduled enqueue failed")
		return
	}
	log.Info().Str("schedule", entry.Name).Str("job_id", spec.JobID).Msg("scheduled job enqueued")
}

// loadEntries reads every *.json schedule file, skipping unusable ones.
func (s *Scheduler) loadEntries() ([]Entry, error) {
	dirents, err := os.ReadDir(s.schedulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedules dir: %w", err)
	}
	var entries []Entry
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.schedulesDir, de.Name()))
		if err != nil {
			log.Warn().Str("file", de.Name()).Err(err).Msg("unreadable schedule file, skipped")
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Name == "" || entry.Cron == "" {
			log.Warn().Str("file", de.Name()).Msg("malformed schedule file, skipped")
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Scheduler) loadState() (map[string]string, error) {
	raw, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	state := map[string]string{}
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Warn().Err(err).Msg("corrupt scheduler state, starting fresh")
		return map[string]string{}, nil
	}
	return state, nil
}

// saveState rewrites the next-fire table atomically. Entries whose schedule
// file disappeared drop out with it.
func (s *Scheduler) saveState(state map[string]string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace scheduler state: %w", err)
	}
	return nil
}
