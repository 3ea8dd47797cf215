package main

import (
	"database/sql"

	"github.com/metalagman/foreman/internal/artifact"
	"github.com/metalagman/foreman/internal/budget"
	"github.com/metalagman/foreman/internal/db"
	"github.com/metalagman/foreman/internal/queue"
	"github.com/metalagman/foreman/internal/workspace"
)

func openQueue() (*queue.FileQueue, error) {
	return queue.New(settings.QueueRoot)
}

func openStore() *artifact.Store {
	return artifact.New(settings.ArtifactsRoot)
}

func openWorkspaces() (*workspace.Manager, error) {
	return workspace.NewManager(settings.WorkspacesRoot, settings.ProjectAliases, settings.AllowAbsoluteWorkdir)
}

// openBudget returns a nil tracker when no ceiling is configured, so the
// state database is only created on demand.
func openBudget() (*budget.Tracker, func(), error) {
	if settings.MaxDailyAPICalls <= 0 && settings.MaxDailyCostUSD <= 0 {
		return nil, func() {}, nil
	}
	handle, err := db.Open(settings.StateDBPath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { closeDB(handle) }
	return budget.New(handle, settings.MaxDailyAPICalls, settings.MaxDailyCostUSD), closeFn, nil
}

func closeDB(handle *sql.DB) {
	_ = handle.Close()
}
