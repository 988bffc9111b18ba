package airquality

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

// RunStatus is an immutable view of the extraction history. It is
// replaced as a whole after each run, never mutated in place.
type RunStatus struct {
	LastRunID      string         `json:"last_run_id,omitempty"`
	TotalRuns      int            `json:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	FailedRuns     int            `json:"failed_runs"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	ActiveSources  []Source       `json:"active_sources"`
	LastError      string         `json:"last_error,omitempty"`
	UsedFallback   bool           `json:"used_fallback"`
	LastCounts     map[Source]int `json:"last_counts,omitempty"`
}

// RunOutcome is what one run contributes to the status.
type RunOutcome struct {
	RunID        string
	FinishedAt   time.Time
	NextRunAt    time.Time
	Counts       map[Source]int
	UsedFallback bool
	Err          string
}

// StatusTracker owns the process-wide RunStatus.
type StatusTracker struct {
	current atomic.Pointer[RunStatus]
}

// NewStatusTracker starts from an empty status.
func NewStatusTracker() *StatusTracker {
	t := &StatusTracker{}
	t.current.Store(&RunStatus{ActiveSources: []Source{}})
	return t
}

// Snapshot returns a copy of the current status.
func (t *StatusTracker) Snapshot() RunStatus {
	s := *t.current.Load()
	s.ActiveSources = slices.Clone(s.ActiveSources)
	s.LastCounts = maps.Clone(s.LastCounts)
	return s
}

// Record folds one run outcome into a new status and publishes it. A run
// succeeds when it produced at least one reading of any source.
func (t *StatusTracker) Record(o RunOutcome) RunStatus {
	for {
		prev := t.current.Load()
		next := *prev

		total := 0
		active := make([]Source, 0, len(o.Counts))
		for _, src := range []Source{SourceAirNow, SourceOpenAQ, SourceSynthetic} {
			if n := o.Counts[src]; n > 0 {
				total += n
				active = append(active, src)
			}
		}

		next.LastRunID = o.RunID
		next.TotalRuns++
		if total > 0 {
			next.SuccessfulRuns++
			next.LastError = ""
		} else {
			next.FailedRuns++
			next.LastError = o.Err
			if next.LastError == "" {
				next.LastError = "no data extracted from any source"
			}
		}
		finished := o.FinishedAt
		next.LastRunAt = &finished
		if !o.NextRunAt.IsZero() {
			nr := o.NextRunAt
			next.NextRunAt = &nr
		} else {
			next.NextRunAt = nil
		}
		next.ActiveSources = active
		next.UsedFallback = o.UsedFallback
		next.LastCounts = maps.Clone(o.Counts)

		if t.current.CompareAndSwap(prev, &next) {
			return t.Snapshot()
		}
	}
}
