// Package cache keeps short-lived process state for the HTTP surface.
package cache

import (
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/smallbiznis/daycare/internal/billing/runner"
)

const (
	defaultRunTTL     = 24 * time.Hour
	defaultRunCleanup = 10 * time.Minute
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusRejected = "rejected"
	RunStatusFailed   = "failed"
	rejectedRunInUse  = "run_in_progress"
)

// RunEntry is the tracked state of an asynchronously triggered run.
type RunEntry struct {
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	DryRun    bool            `json:"dry_run"`
	StartedAt time.Time       `json:"started_at"`
	Summary   *runner.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RunTracker remembers async runs until their entries expire.
type RunTracker struct {
	entries *gocache.Cache
	ttl     time.Duration
}

func NewRunTracker() *RunTracker {
	return NewRunTrackerWithTTL(defaultRunTTL)
}

func NewRunTrackerWithTTL(ttl time.Duration) *RunTracker {
	if ttl <= 0 {
		ttl = defaultRunTTL
	}
	return &RunTracker{
		entries: gocache.New(ttl, defaultRunCleanup),
		ttl:     ttl,
	}
}

func (t *RunTracker) Start(runID string, dryRun bool, at time.Time) {
	t.entries.Set(cacheKey(runID), RunEntry{
		RunID:     runID,
		Status:    RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: at,
	}, t.ttl)
}

// Finish records the outcome of a tracked run.
func (t *RunTracker) Finish(runID string, summary runner.Summary, err error) {
	entry, ok := t.Get(runID)
	if !ok {
		entry = RunEntry{RunID: runID, DryRun: summary.DryRun}
	}
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		entry.Status = RunStatusRejected
		entry.Error = rejectedRunInUse
	case err != nil:
		entry.Status = RunStatusFailed
		entry.Error = err.Error()
		entry.Summary = &summary
	default:
		entry.Status = RunStatusFinished
		entry.Summary = &summary
	}
	t.entries.Set(cacheKey(runID), entry, t.ttl)
}

func (t *RunTracker) Get(runID string) (RunEntry, bool) {
	v, ok := t.entries.Get(cacheKey(runID))
	if !ok {
		return RunEntry{}, false
	}
	entry, ok := v.(RunEntry)
	return entry, ok
}

// Running reports whether any tracked run has not finished yet.
func (t *RunTracker) Running() bool {
	for _, item := range t.entries.Items() {
		if entry, ok := item.Object.(RunEntry); ok && entry.Status == RunStatusRunning {
			return true
		}
	}
	return false
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
