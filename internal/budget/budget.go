// Package budget enforces daily API-call and cost ceilings backed by SQLite.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBudgetExceeded is returned when a spend would cross a daily ceiling.
// The attempted spend is not recorded.
var ErrBudgetExceeded = errors.New("budget_exceeded: daily budget exhausted")

// Tracker gates worker invocations against per-day maxima. Days are keyed by
// UTC date so the window rolls over consistently across hosts.
type Tracker struct {
	db          *sql.DB
	maxAPICalls int
	maxCostUSD  float64
	now         func() time.Time
}

// New wraps an opened database handle. Either maximum may be zero, which
// disables that ceiling; with both zero the tracker is entirely disabled.
func New(db *sql.DB, maxAPICalls int, maxCostUSD float64) *Tracker {
	return &Tracker{
		db:          db,
		maxAPICalls: maxAPICalls,
		maxCostUSD:  maxCostUSD,
		now:         time.Now,
	}
}

// Enabled reports whether any ceiling is configured.
func (t *Tracker) Enabled() bool {
	return t.maxAPICalls > 0 || t.maxCostUSD > 0
}

// Usage is the recorded spend for one UTC day.
type Usage struct {
	Date     string
	APICalls int
	CostUSD  float64
}

// CheckAndLog atomically verifies that adding the given spend keeps today's
// totals under the ceilings, and records it. The read and the upsert happen
// inside a single immediate transaction so concurrent runners serialize on
// the write lock and cannot both pass the check.
func (t *Tracker) CheckAndLog(ctx context.Context, worker string, apiCalls int, costUSD float64) error {
	if !t.Enabled() {
		return nil
	}
	day := t.today()

	conn, err := t.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("budget: acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("budget: begin immediate: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var calls int
	var cost float64
	row := conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(api_calls),0), COALESCE(SUM(cost_usd),0) FROM budget_log WHERE date = ?", day)
	if err := row.Scan(&calls, &cost); err != nil {
		return fmt.Errorf("budget: read usage: %w", err)
	}

	if t.maxAPICalls > 0 && calls+apiCalls > t.maxAPICalls {
		log.Warn().Str("worker", worker).Int("used", calls).Int("max", t.maxAPICalls).
			Msg("daily API call budget exhausted")
		return ErrBudgetExceeded
	}
	if t.maxCostUSD > 0 && cost+costUSD > t.maxCostUSD {
		log.Warn().Str("worker", worker).Float64("used", cost).Float64("max", t.maxCostUSD).
			Msg("daily cost budget exhausted")
		return ErrBudgetExceeded
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO budget_log (date, worker, api_calls, cost_usd) VALUES (?, ?, ?, ?)
		ON CONFLICT (date, worker) DO UPDATE SET
			api_calls = api_calls + excluded.api_calls,
			cost_usd  = cost_usd + excluded.cost_usd`,
		day, worker, apiCalls, costUSD); err != nil {
		return fmt.Errorf("budget: record usage: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("budget: commit: %w", err)
	}
	commit = true
	return nil
}

// UsageFor reads the recorded spend for one UTC date (YYYY-MM-DD).
func (t *Tracker) UsageFor(ctx context.Context, date string) (*Usage, error) {
	u := &Usage{Date: date}
	row := t.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(api_calls),0), COALESCE(SUM(cost_usd),0) FROM budget_log WHERE date = ?", date)
	if err := row.Scan(&u.APICalls, &u.CostUSD); err != nil {
		return nil, fmt.Errorf("budget: read usage: %w", err)
	}
	return u, nil
}

func (t *Tracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}
