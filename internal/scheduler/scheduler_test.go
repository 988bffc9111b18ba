package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

type fakeExtractor struct {
	calls   atomic.Int32
	release chan struct{}
	panics  bool

	mu      sync.Mutex
	runIDs  []string
	nextRun func() time.Time
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{}
}

func (f *fakeExtractor) Run(ctx context.Context, runID string) (airquality.RunResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.runIDs = append(f.runIDs, runID)
	f.mu.Unlock()

	if f.panics {
		panic("boom")
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return airquality.RunResult{}, ctx.Err()
		}
	}
	return airquality.RunResult{RunID: runID, Total: 3}, nil
}

func (f *fakeExtractor) SetNextRunFunc(fn func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun = fn
}

type fakeCleaner struct {
	deleted int
	err     error
	ages    []time.Duration
}

func (c *fakeCleaner) DeleteOlderThan(_ context.Context, age time.Duration) (int, error) {
	c.ages = append(c.ages, age)
	return c.deleted, c.err
}

func testConfig() Config {
	return Config{
		IntervalMinutes: 30,
		FirstRunDelay:   time.Hour,
		CleanupCron:     "0 2 * * *",
		Retention:       7 * 24 * time.Hour,
		RunTimeout:      5 * time.Second,
	}
}

func TestNewRegistersNextRunFunc(t *testing.T) {
	ex := newFakeExtractor()
	s := New(ex, &fakeCleaner{}, testConfig(), nil, nil)

	require.NotNil(t, ex.nextRun)
	assert.True(t, ex.nextRun().IsZero(), "stopped scheduler has no next run")

	require.NoError(t, s.Start())
	defer s.Stop()

	next := ex.nextRun()
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)
}

func TestTriggerNowRejectsConcurrentRun(t *testing.T) {
	ex := newFakeExtractor()
	ex.release = make(chan struct{})
	s := New(ex, &fakeCleaner{}, testConfig(), nil, nil)

	first, err := s.TriggerNow()
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	assert.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Status().InProgress)

	_, err = s.TriggerNow()
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(ex.release)
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manual run did not finish")
	}

	res, err := first.Result()
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.RunID)
	assert.False(t, s.Status().InProgress)

	second, err := s.TriggerNow()
	require.NoError(t, err)
	_, err = second.Result()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(2), ex.calls.Load())
}

func TestTriggerNowRecoversPanic(t *testing.T) {
	ex := newFakeExtractor()
	ex.panics = true
	s := New(ex, &fakeCleaner{}, testConfig(), nil, nil)

	tr, err := s.TriggerNow()
	require.NoError(t, err)
	_, err = tr.Result()
	assert.Error(t, err)
	assert.False(t, s.Status().InProgress)
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	ex := newFakeExtractor()
	ex.release = make(chan struct{})
	s := New(ex, &fakeCleaner{}, testConfig(), nil, nil)
	require.NoError(t, s.Start())

	tr, err := s.TriggerNow()
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ex.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("run not finished after Stop")
	}
	assert.False(t, s.IsRunning())
}

func TestStartStopStatus(t *testing.T) {
	s := New(newFakeExtractor(), &fakeCleaner{}, testConfig(), nil, nil)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Jobs)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")

	st = s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 30, st.IntervalMinutes)
	require.Len(t, st.Jobs, 2)

	ids := []string{st.Jobs[0].ID, st.Jobs[1].ID}
	assert.ElementsMatch(t, []string{ExtractionJobTag, CleanupJobTag}, ids)
	for _, j := range st.Jobs {
		require.NotNil(t, j.NextRun, j.ID)
		if j.ID == ExtractionJobTag {
			assert.WithinDuration(t, time.Now().Add(time.Hour), *j.NextRun, 5*time.Second)
		}
	}

	s.Stop()
	assert.False(t, s.Status().Running)

	require.NoError(t, s.Start(), "a stopped scheduler can be started again")
	assert.True(t, s.Status().Running)
	s.Stop()
}

func TestReschedule(t *testing.T) {
	s := New(newFakeExtractor(), &fakeCleaner{}, testConfig(), nil, nil)

	for _, minutes := range []int{0, 4, 1441} {
		assert.ErrorIs(t, s.Reschedule(minutes), ErrInvalidInterval, minutes)
	}

	require.NoError(t, s.Reschedule(45))
	assert.Equal(t, 45, s.Status().IntervalMinutes)
	assert.Empty(t, s.Status().Jobs, "stopped scheduler only stores the interval")

	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Reschedule(5))
	st := s.Status()
	assert.Equal(t, 5, st.IntervalMinutes)
	require.Len(t, st.Jobs, 2)

	extraction := 0
	for _, j := range st.Jobs {
		if j.ID != ExtractionJobTag {
			continue
		}
		extraction++
		require.NotNil(t, j.NextRun)
		assert.WithinDuration(t, time.Now().Add(5*time.Minute), *j.NextRun, 5*time.Second)
	}
	assert.Equal(t, 1, extraction)
}

func TestScheduledRunFires(t *testing.T) {
	ex := newFakeExtractor()
	cfg := testConfig()
	cfg.FirstRunDelay = 100 * time.Millisecond
	s := New(ex, &fakeCleaner{}, cfg, nil, nil)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return ex.calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduledTickSkippedWhileManualRunInFlight(t *testing.T) {
	ex := newFakeExtractor()
	ex.release = make(chan struct{})
	m := metrics.NewForTesting()
	s := New(ex, &fakeCleaner{}, testConfig(), m, nil)
	require.NoError(t, s.Start())

	_, err := s.TriggerNow()
	require.NoError(t, err)

	s.runScheduled()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerSkips))

	close(ex.release)
	s.Stop()
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestRunCleanup(t *testing.T) {
	cleaner := &fakeCleaner{deleted: 2}
	s := New(newFakeExtractor(), cleaner, testConfig(), nil, nil)

	s.runCleanup()
	assert.Empty(t, cleaner.ages, "cleanup does not run on a stopped scheduler")

	require.NoError(t, s.Start())
	s.runCleanup()
	cleaner.err = errors.New("disk gone")
	s.runCleanup()
	s.Stop()

	assert.Equal(t, []time.Duration{7 * 24 * time.Hour, 7 * 24 * time.Hour}, cleaner.ages)
}

func TestOverlappingTicksAreDroppedNotQueued(t *testing.T) {
	ex := newFakeExtractor()
	ex.release = make(chan struct{})
	m := metrics.NewForTesting()
	s := New(ex, &fakeCleaner{}, testConfig(), m, nil)

	cron := gocron.NewScheduler(time.UTC)
	s.mu.Lock()
	s.cron, s.running = cron, true
	s.mu.Unlock()
	require.NoError(t, s.addExtractionJob(cron, 20*time.Millisecond, time.Now()))
	cron.StartAsync()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SchedulerSkips) >= 3
	}, 2*time.Second, 5*time.Millisecond, "ticks during a run are skipped")
	assert.Equal(t, int32(1), ex.calls.Load())

	close(ex.release)
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ex.calls.Load(), int32(3), "skipped ticks are not replayed after the run")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	cron.Stop()
	s.drain()
}

func TestStopWaitsForManualRunWhileStopped(t *testing.T) {
	ex := newFakeExtractor()
	ex.release = make(chan struct{})
	s := New(ex, &fakeCleaner{}, testConfig(), nil, nil)

	tr, err := s.TriggerNow()
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a manual run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ex.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the manual run finished")
	}
	_, err = tr.Result()
	assert.NoError(t, err)
}
