package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/daycare/internal/billing/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startedAt = time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)

func TestRunTrackerLifecycle(t *testing.T) {
	tracker := NewRunTracker()
	tracker.Start("101", true, startedAt)
	assert.True(t, tracker.Running())

	entry, ok := tracker.Get(" 101 ")
	require.True(t, ok)
	assert.Equal(t, RunStatusRunning, entry.Status)
	assert.True(t, entry.DryRun)

	tracker.Finish("101", runner.Summary{RunID: "101", State: "CompletedSuccessfully", DryRun: true}, nil)
	entry, ok = tracker.Get("101")
	require.True(t, ok)
	assert.Equal(t, RunStatusFinished, entry.Status)
	require.NotNil(t, entry.Summary)
	assert.Equal(t, "CompletedSuccessfully", entry.Summary.State)
	assert.Equal(t, startedAt, entry.StartedAt)
	assert.False(t, tracker.Running())
}

func TestRunTrackerRecordsRejectionAndFailure(t *testing.T) {
	tracker := NewRunTracker()

	tracker.Start("1", false, startedAt)
	tracker.Finish("1", runner.Summary{}, runner.ErrRunInProgress)
	entry, _ := tracker.Get("1")
	assert.Equal(t, RunStatusRejected, entry.Status)
	assert.Equal(t, "run_in_progress", entry.Error)
	assert.Nil(t, entry.Summary)

	tracker.Start("2", false, startedAt)
	tracker.Finish("2", runner.Summary{RunID: "2", State: "FatalError"}, errors.Join(runner.ErrRunFailed, errors.New("boom")))
	entry, _ = tracker.Get("2")
	assert.Equal(t, RunStatusFailed, entry.Status)
	require.NotNil(t, entry.Summary)
	assert.Equal(t, "FatalError", entry.Summary.State)
}

func TestRunTrackerExpires(t *testing.T) {
	tracker := NewRunTrackerWithTTL(10 * time.Millisecond)
	tracker.Start("9", false, startedAt)

	assert.Eventually(t, func() bool {
		_, ok := tracker.Get("9")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
