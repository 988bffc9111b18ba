package airquality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTrackerRecord(t *testing.T) {
	tr := NewStatusTracker()
	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := tr.Record(RunOutcome{RunID: "r1", FinishedAt: finished, Err: "airnow national: boom"})
	assert.Equal(t, 1, s.TotalRuns)
	assert.Equal(t, 1, s.FailedRuns)
	assert.Equal(t, "airnow national: boom", s.LastError)
	assert.Empty(t, s.ActiveSources)

	s = tr.Record(RunOutcome{
		RunID:      "r2",
		FinishedAt: finished.Add(time.Minute),
		NextRunAt:  finished.Add(31 * time.Minute),
		Counts:     map[Source]int{SourceOpenAQ: 4, SourceAirNow: 2},
		Err:        "openaq Chicago: 503",
	})
	assert.Equal(t, 2, s.TotalRuns)
	assert.Equal(t, 1, s.SuccessfulRuns)
	assert.Empty(t, s.LastError)
	assert.Equal(t, []Source{SourceAirNow, SourceOpenAQ}, s.ActiveSources)
	assert.Equal(t, "r2", s.LastRunID)
	assert.Equal(t, finished.Add(31*time.Minute), *s.NextRunAt)

	s = tr.Record(RunOutcome{RunID: "r3", FinishedAt: finished.Add(2 * time.Minute)})
	assert.Equal(t, "no data extracted from any source", s.LastError)
	assert.Equal(t, s.TotalRuns, s.SuccessfulRuns+s.FailedRuns)
}

func TestStatusTrackerSnapshotIsolated(t *testing.T) {
	tr := NewStatusTracker()
	tr.Record(RunOutcome{RunID: "r1", Counts: map[Source]int{SourceAirNow: 1}})

	snap := tr.Snapshot()
	snap.ActiveSources[0] = SourceSynthetic
	snap.LastCounts[SourceAirNow] = 100

	again := tr.Snapshot()
	assert.Equal(t, SourceAirNow, again.ActiveSources[0])
	assert.Equal(t, 1, again.LastCounts[SourceAirNow])
}

func TestStatusTrackerConcurrentRecords(t *testing.T) {
	tr := NewStatusTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts := map[Source]int{}
			if i%2 == 0 {
				counts[SourceOpenAQ] = 1
			}
			tr.Record(RunOutcome{Counts: counts})
			_ = tr.Snapshot()
		}(i)
	}
	wg.Wait()

	s := tr.Snapshot()
	assert.Equal(t, 50, s.TotalRuns)
	assert.Equal(t, 25, s.SuccessfulRuns)
	assert.Equal(t, 25, s.FailedRuns)
}
