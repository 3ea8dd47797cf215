package queue

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/foreman/internal/model"
)

func newTestQueue(t *testing.T) *FileQueue {
	t.Helper()
	q, err := New(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	return q
}

func spec(jobID string) *model.JobSpec {
	return &model.JobSpec{
		JobID:   jobID,
		Goal:    "do the thing",
		Workdir: ".",
		Steps:   []model.StepSpec{{StepID: "01_a", Agent: "claude"}},
	}
}

func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestEnqueueWritesPendingFile(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(spec("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	state, path, err := q.Locate("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	// The file read back must be byte-identical to what a fresh marshal of
	// the spec produces plus a trailing newline.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(data) > 0 && data[len(data)-1] == '\n')

	got, st, err := q.ReadSpec("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)
	assert.Equal(t, "do the thing", got.Goal)
}

func TestEnqueueRejectsInvalidSpec(t *testing.T) {
	q := newTestQueue(t)
	bad := spec("../escape")
	_, err := q.Enqueue(bad)
	var valErr *model.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestEnqueueRejectsDuplicateAcrossStates(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("job-1"))
	require.NoError(t, err)

	_, err = q.Enqueue(spec("job-1"))
	var dup *DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StatePending, dup.State)

	// Still a duplicate after the job moved on.
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete("job-1", StateDone))
	_, err = q.Enqueue(spec("job-1"))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StateDone, dup.State)
}

func TestJobIDPrefixIsNotConfusedWithLongerID(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("job-12"))
	require.NoError(t, err)

	// "job-1" must not match "job-12.json".
	_, _, err = q.Locate("job-1")
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = q.Enqueue(spec("job-1"))
	require.NoError(t, err)

	state, _, err := q.Locate("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestClaimPicksOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("newer"))
	require.NoError(t, err)
	_, err = q.Enqueue(spec("older"))
	require.NoError(t, err)
	backdate(t, filepath.Join(q.Root(), "pending", "older.json"), time.Hour)

	claimed, err := q.Claim()
	require.NoError(t, err)
	assert.Equal(t, "older", claimed.JobID)
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	q := newTestQueue(t)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(spec(model.NewJobID()))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[string]int{}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := q.Claim()
				if err != nil {
					return
				}
				mu.Lock()
				seen[claimed.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestCompleteRejectsNonTerminalState(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("job-1"))
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)

	assert.Error(t, q.Complete("job-1", StatePending))
	assert.Error(t, q.Complete("job-1", StateRunning))
	assert.NoError(t, q.Complete("job-1", StateAwaitingApproval))
}

func TestApproveAndUnlockRoundTrips(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("job-1"))
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete("job-1", StateAwaitingApproval))

	require.NoError(t, q.Approve("job-1"))
	state, _, err := q.Locate("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Unlock("job-1"))
	state, _, err = q.Locate("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	assert.ErrorIs(t, q.Approve("missing"), os.ErrNotExist)
}

func TestReclaimStaleRequeuesOldRunningJobs(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("stale"))
	require.NoError(t, err)
	claimed, err := q.Claim()
	require.NoError(t, err)
	backdate(t, claimed.Path, time.Hour)

	res, err := q.ReclaimStale(10*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, res.Requeued)
	assert.Equal(t, 1, q.ReclaimCount("stale"))

	state, _, err := q.Locate("stale")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestReclaimLeavesFreshClaimsAlone(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("fresh"))
	require.NoError(t, err)
	// Enqueued long ago, but claimed just now: claim time is what counts.
	backdate(t, filepath.Join(q.Root(), "pending", "fresh.json"), 2*time.Hour)
	_, err = q.Claim()
	require.NoError(t, err)

	res, err := q.ReclaimStale(10*time.Minute, 3)
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
}

func TestReclaimEscalatesToFailedAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(spec("crashloop"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := q.Claim()
		require.NoError(t, err)
		backdate(t, claimed.Path, time.Hour)
		res, err := q.ReclaimStale(10*time.Minute, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"crashloop"}, res.Requeued, "reclaim %d", i+1)
	}

	claimed, err := q.Claim()
	require.NoError(t, err)
	backdate(t, claimed.Path, time.Hour)
	res, err := q.ReclaimStale(10*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashloop"}, res.Failed)

	state, _, err := q.Locate("crashloop")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	// Counter is cleared once the job lands in a terminal state.
	assert.Equal(t, 0, q.ReclaimCount("crashloop"))
}

func TestActiveJobIDs(t *testing.T) {
	q := newTestQueue(t)
	for _, id := range []string{"p1", "r1", "a1", "d1"} {
		_, err := q.Enqueue(spec(id))
		require.NoError(t, err)
	}
	backdate(t, filepath.Join(q.Root(), "pending", "r1.json"), time.Hour)
	claimed, err := q.Claim() // oldest first: r1
	require.NoError(t, err)
	require.Equal(t, "r1", claimed.JobID)

	backdate(t, filepath.Join(q.Root(), "pending", "a1.json"), 30*time.Minute)
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete("a1", StateAwaitingApproval))

	backdate(t, filepath.Join(q.Root(), "pending", "d1.json"), 20*time.Minute)
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete("d1", StateDone))

	active, err := q.ActiveJobIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p1": true, "r1": true, "a1": true}, active)
}
